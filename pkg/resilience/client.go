package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/secflow-io/secflow/pkg/a2a"
)

// Client wraps an a2a.Caller and a2a queue operations with the breaker and
// retry policy. All collaborator traffic from the engine goes through here.
type Client struct {
	caller   a2a.Caller
	queue    *a2a.Queue
	registry *Registry
	retry    RetryPolicy
	cache    *a2a.ResponseCache
	logger   *slog.Logger
}

func NewClient(caller a2a.Caller, queue *a2a.Queue, registry *Registry, retry RetryPolicy, cache *a2a.ResponseCache, logger *slog.Logger) *Client {
	return &Client{
		caller:   caller,
		queue:    queue,
		registry: registry,
		retry:    retry,
		cache:    cache,
		logger:   logger.With("module", "resilience_client"),
	}
}

// Call performs a synchronous A2A call through the target's breaker. When
// the breaker is open the call fails fast with ErrUnreachable without
// touching the transport. A reissued call (same correlation id) returns the
// cached response without a new exchange.
func (c *Client) Call(ctx context.Context, target string, env a2a.Envelope) (*a2a.Envelope, error) {
	if c.cache != nil {
		if cached, ok := c.cache.Get(env.CorrelationID); ok {
			c.logger.InfoContext(ctx, "Returning cached response for reissued call",
				"target", target,
				"correlation_id", env.CorrelationID,
			)

			return cached, nil
		}
	}

	breaker := c.registry.For(target)

	var response *a2a.Envelope

	err := Do(ctx, c.retry, func(ctx context.Context) error {
		if !breaker.Allow() {
			return fmt.Errorf("%w: circuit open for %s", a2a.ErrUnreachable, target)
		}

		resp, err := c.caller.Call(ctx, target, env)
		if err != nil {
			if a2a.Retryable(err) {
				breaker.RecordFailure()
			} else {
				// The collaborator answered. A rejected request is not an
				// outage, and a half-open probe must not stay reserved.
				breaker.RecordSuccess()
			}

			return err
		}

		breaker.RecordSuccess()
		response = resp

		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.Put(env.CorrelationID, *response)
	}

	return response, nil
}

// Enqueue dispatches an envelope through the queue target's breaker.
func (c *Client) Enqueue(ctx context.Context, target, queueName string, env a2a.Envelope, ttl time.Duration) error {
	breaker := c.registry.For(target)

	return Do(ctx, c.retry, func(ctx context.Context) error {
		if !breaker.Allow() {
			return fmt.Errorf("%w: circuit open for %s", a2a.ErrQueueUnavailable, target)
		}

		err := c.queue.Enqueue(ctx, queueName, env, ttl)
		if err != nil {
			if a2a.Retryable(err) {
				breaker.RecordFailure()
			} else {
				breaker.RecordSuccess()
			}

			return err
		}

		breaker.RecordSuccess()

		return nil
	})
}

// BreakerState exposes a target's breaker state for health reporting.
func (c *Client) BreakerState(target string) BreakerState {
	return c.registry.For(target).State()
}
