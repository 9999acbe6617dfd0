package main

import (
	"context"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/secflow-io/secflow/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "secflow-engine",
		Usage:                 "Run the vulnerability workflow orchestration engine",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL (postgres:// or a file store path)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "event-bus",
				Usage:    "Event bus provider (kafka, gochannel)",
				Required: true,
				Sources:  cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for the remediation queues",
				Value:   "localhost:6379",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password",
				Sources: cli.EnvVars("REDIS_PASSWORD"),
			},
			&cli.IntFlag{
				Name:    "redis-db",
				Usage:   "Redis database number",
				Sources: cli.EnvVars("REDIS_DB"),
			},
			&cli.StringFlag{
				Name:     "risk-url",
				Usage:    "Risk-assessment collaborator endpoint",
				Required: true,
				Sources:  cli.EnvVars("RISK_ASSESSMENT_URL"),
			},
			&cli.DurationFlag{
				Name:    "risk-timeout",
				Usage:   "Per-call timeout for the risk-assessment collaborator",
				Value:   30 * time.Second,
				Sources: cli.EnvVars("RISK_ASSESSMENT_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "webhook-url",
				Usage:   "Webhook endpoint for approval notifications",
				Sources: cli.EnvVars("NOTIFY_WEBHOOK_URL"),
			},
			&cli.DurationFlag{
				Name:    "approval-ttl",
				Usage:   "How long an approval stays open before it expires",
				Value:   24 * time.Hour,
				Sources: cli.EnvVars("APPROVAL_TTL"),
			},
			&cli.BoolFlag{
				Name:    "approve-on-expiry",
				Usage:   "Treat expired approvals as approved instead of rejected",
				Sources: cli.EnvVars("APPROVE_ON_EXPIRY"),
			},
			&cli.IntFlag{
				Name:    "max-retries",
				Usage:   "Retry budget for failed workflows before escalating to a human",
				Value:   3,
				Sources: cli.EnvVars("MAX_RETRIES"),
			},
			&cli.StringFlag{
				Name:    "sweep-schedule",
				Usage:   "Cron schedule for the recovery sweep",
				Value:   "@every 1m",
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP traces",
				Sources: cli.EnvVars("OTEL_TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("secflow-engine")
			logger.InfoContext(ctx, "Initializing secflow engine")

			daemon, cleanup, err := newDaemon(ctx, logger, command)
			if err != nil {
				return err
			}
			defer cleanup()

			return daemon.Start(ctx)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
