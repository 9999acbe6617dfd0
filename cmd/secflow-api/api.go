// Package main provides the secflow REST API server.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/secflow-io/secflow/pkg/audit"
	"github.com/secflow-io/secflow/pkg/eventbus"
	"github.com/secflow-io/secflow/pkg/store"
	"github.com/secflow-io/secflow/pkg/web"
)

type API struct {
	logger   *slog.Logger
	store    store.Store
	eventBus eventbus.EventBus
	validate *validator.Validate
}

func NewAPI(logger *slog.Logger, st store.Store, eventBus eventbus.EventBus) *API {
	return &API{
		logger:   logger,
		store:    st,
		eventBus: eventBus,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() (*fiber.App, error) {
	recorder := audit.NewRecorder(a.store, a.logger)

	handlers, err := web.NewAPIHandlers(a.store, recorder, a.eventBus, a.validate, a.logger)
	if err != nil {
		return nil, err
	}

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Secflow API")
	})

	w := app.Group("/workflows")
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.CreateWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Post("/:id/cancel", handlers.CancelWorkflow)
	w.Get("/:id/decisions", handlers.GetWorkflowDecisions)

	ap := app.Group("/approvals")
	ap.Get("/:id", handlers.GetApproval)
	ap.Post("/:id/resolve", handlers.ResolveApproval)

	app.Post("/callbacks/remediation", handlers.RemediationCallback)
	app.Get("/audit", handlers.GetAuditEntries)
	app.Get("/health", handlers.HealthCheck)

	return app, nil
}

func (a *API) Start(port int) error {
	app, err := a.App()
	if err != nil {
		return err
	}

	return app.Listen(":" + strconv.Itoa(port))
}
