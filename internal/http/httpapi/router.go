package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"renderq/internal/http/handlers"
	"renderq/internal/infra"
	"renderq/internal/middleware"
	"renderq/internal/telemetry"
)

// NewRouter assembles the API surface.
func NewRouter(app *handlers.App, cfg *infra.Config, logger infra.Logger) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Actor)
	if cfg.RateLimitPerMin > 0 {
		r.Use(middleware.RateLimit(cfg.RateLimitPerMin, time.Minute))
	}

	r.Get("/v1/healthz", app.Health)
	r.Method(stdhttp.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", app.JobsCreate)
		r.Get("/{job_id}", app.JobsGet)
		r.Post("/{job_id}/transition", app.JobsTransition)
		r.Post("/{job_id}/progress", app.JobsProgress)
		r.Post("/{job_id}/cancel", app.JobsCancel)
		r.Get("/{job_id}/events", app.JobEventsStream)
	})

	r.Route("/v1/teams/{team_id}/webhooks", func(r chi.Router) {
		r.Get("/", app.WebhooksList)
		r.Post("/", app.WebhooksCreate)
		r.Delete("/{webhook_id}", app.WebhooksDelete)
		r.Post("/{webhook_id}/test", app.WebhooksTest)
		r.Get("/{webhook_id}/deliveries", app.WebhookDeliveries)
	})

	r.Get("/v1/credits/{source}/entries", app.CreditEntries)

	return r
}
