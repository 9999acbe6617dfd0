package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	cli "github.com/urfave/cli/v3"

	"github.com/secflow-io/secflow/pkg/a2a"
	"github.com/secflow-io/secflow/pkg/approval"
	"github.com/secflow-io/secflow/pkg/audit"
	"github.com/secflow-io/secflow/pkg/cmd"
	"github.com/secflow-io/secflow/pkg/engine"
	"github.com/secflow-io/secflow/pkg/eventbus"
	"github.com/secflow-io/secflow/pkg/events"
	"github.com/secflow-io/secflow/pkg/log"
	"github.com/secflow-io/secflow/pkg/notify"
	"github.com/secflow-io/secflow/pkg/otelhelper"
	"github.com/secflow-io/secflow/pkg/resilience"
)

// resultQueue is where the remediation collaborator reports results when it
// uses the queue instead of the HTTP callback.
const resultQueue = "secflow:results"

// Daemon is the engine process: it consumes commands from the event bus,
// remediation results from the queues, and runs the recovery sweep on a
// schedule.
type Daemon struct {
	engine        *engine.Engine
	eventBus      eventbus.EventBus
	queue         *a2a.Queue
	cron          *cron.Cron
	sweepSchedule string
	logger        *slog.Logger
	config        engine.Config
}

func newDaemon(ctx context.Context, logger *slog.Logger, command *cli.Command) (*Daemon, func(), error) {
	if command.Bool("tracing") {
		_, err := otelhelper.NewTracer(ctx, "secflow-engine")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
	}

	st := cmd.NewStore(ctx, logger, command.String("database-url"))
	eventBus := cmd.NewEventBus(command.String("event-bus"), "engine", logger)

	queue, err := a2a.NewQueue(
		ctx,
		command.String("redis-addr"),
		command.String("redis-password"),
		command.Int("redis-db"),
		0,
		logger,
	)
	if err != nil {
		return nil, nil, err
	}

	config := engine.DefaultConfig()
	config.MaxRetries = command.Int("max-retries")
	config.ApproveOnExpiry = command.Bool("approve-on-expiry")

	caller, err := a2a.NewHTTPCaller(logger, []a2a.Target{
		{
			Name:    config.RiskTarget,
			URL:     command.String("risk-url"),
			Timeout: command.Duration("risk-timeout"),
		},
	})
	if err != nil {
		return nil, nil, err
	}

	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig(), logger)
	cache := a2a.NewResponseCache(0)
	client := resilience.NewClient(caller, queue, registry, resilience.DefaultRetryPolicy(), cache, logger)

	recorder := audit.NewRecorder(st, logger)
	notifier := notify.NewNotifier(command.String("webhook-url"), logger)
	gate := approval.NewGate(st, recorder, notifier, command.Duration("approval-ttl"), logger)

	eng, err := engine.NewEngine(st, client, gate, recorder, eventBus, config, logger)
	if err != nil {
		return nil, nil, err
	}

	daemon := &Daemon{
		engine:        eng,
		eventBus:      eventBus,
		queue:         queue,
		cron:          cron.New(),
		sweepSchedule: command.String("sweep-schedule"),
		logger:        logger,
		config:        config,
	}

	cleanup := func() {
		err := queue.Stop(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to stop queue", "error", err)
		}

		err = eventBus.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}

		err = st.Close(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close store", "error", err)
		}
	}

	return daemon, cleanup, nil
}

// Start registers all handlers and blocks until SIGINT/SIGTERM.
func (d *Daemon) Start(ctx context.Context) error {
	err := d.registerEventHandlers(ctx)
	if err != nil {
		return err
	}

	err = d.eventBus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	d.queue.Consume(ctx, resultQueue, d.handleResultMessage)
	d.queue.Consume(ctx, d.config.RemediationQueue+a2a.DeadLetterSuffix, d.handleDeadLetter)

	_, err = d.cron.AddFunc(d.sweepSchedule, func() {
		err := d.engine.Sweep(ctx)
		if err != nil {
			d.logger.ErrorContext(ctx, "Recovery sweep reported errors", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule recovery sweep: %w", err)
	}

	d.cron.Start()

	// Catch up on anything that happened while the engine was down.
	err = d.engine.Sweep(ctx)
	if err != nil {
		d.logger.WarnContext(ctx, "Startup recovery sweep reported errors", "error", err)
	}

	d.logger.InfoContext(ctx, "Engine started",
		"sweep_schedule", d.sweepSchedule,
		"result_queue", resultQueue,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	d.logger.InfoContext(ctx, "Shutting down engine")
	d.cron.Stop()

	return nil
}

func (d *Daemon) registerEventHandlers(ctx context.Context) error {
	handlers := map[events.EventType]eventbus.EventHandler{
		events.WorkflowCreatedEvent:         d.handleWorkflowCreated,
		events.ApprovalResolvedEvent:        d.handleApprovalResolved,
		events.WorkflowCancelRequestedEvent: d.handleCancelRequested,
		events.RemediationResultEvent:       d.handleRemediationResult,
	}

	for eventType, handler := range handlers {
		err := d.eventBus.Handle(eventType, handler)
		if err != nil {
			return fmt.Errorf("failed to register handler for %s: %w", eventType, err)
		}
	}

	return nil
}

func (d *Daemon) handleWorkflowCreated(ctx context.Context, event any) error {
	created, ok := event.(*events.WorkflowCreated)
	if !ok {
		d.logger.ErrorContext(ctx, "Invalid event type for workflow.created")

		return nil
	}

	log.WithWorkflow("secflow-engine", created.WorkflowID).InfoContext(ctx, "Processing new workflow",
		"triggered_by", created.TriggeredBy,
	)

	return d.engine.Run(ctx, created.WorkflowID)
}

func (d *Daemon) handleApprovalResolved(ctx context.Context, event any) error {
	resolved, ok := event.(*events.ApprovalResolved)
	if !ok {
		d.logger.ErrorContext(ctx, "Invalid event type for approval.resolved")

		return nil
	}

	err := d.engine.ResolveApproval(ctx, resolved.ApprovalID, resolved.Resolver, resolved.Approved, resolved.Comment)
	if engine.IsAlreadyResolved(err) {
		d.logger.InfoContext(ctx, "Ignoring duplicate approval resolution",
			"approval_id", resolved.ApprovalID,
		)

		return nil
	}

	return err
}

func (d *Daemon) handleCancelRequested(ctx context.Context, event any) error {
	cancel, ok := event.(*events.WorkflowCancelRequested)
	if !ok {
		d.logger.ErrorContext(ctx, "Invalid event type for workflow.cancel_requested")

		return nil
	}

	log.WithWorkflow("secflow-engine", cancel.WorkflowID).InfoContext(ctx, "Processing cancel request",
		"requested_by", cancel.RequestedBy,
	)

	return d.engine.Cancel(ctx, cancel.WorkflowID, cancel.RequestedBy)
}

func (d *Daemon) handleRemediationResult(ctx context.Context, event any) error {
	received, ok := event.(*events.RemediationResultReceived)
	if !ok {
		d.logger.ErrorContext(ctx, "Invalid event type for remediation.result")

		return nil
	}

	return d.engine.OnRemediationResult(ctx, received.Result)
}

// handleResultMessage decodes a queue-delivered remediation result.
func (d *Daemon) handleResultMessage(ctx context.Context, env a2a.Envelope) error {
	var result a2a.RemediationResult

	err := json.Unmarshal(env.Payload, &result)
	if err != nil {
		d.logger.ErrorContext(ctx, "Dropping malformed remediation result",
			"correlation_id", env.CorrelationID,
			"error", err,
		)

		return nil
	}

	if result.CorrelationID == "" {
		result.CorrelationID = env.CorrelationID
	}

	return d.engine.OnRemediationResult(ctx, result)
}

// handleDeadLetter fails workflows whose remediation requests exhausted
// their delivery attempts.
func (d *Daemon) handleDeadLetter(ctx context.Context, env a2a.Envelope) error {
	d.logger.WarnContext(ctx, "Processing dead-lettered remediation request",
		"correlation_id", env.CorrelationID,
	)

	return d.engine.OnDeadLetter(ctx, env)
}
