package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"renderq/internal/domain"
	"renderq/internal/engine"
	"renderq/internal/infra"
	"renderq/internal/webhook"
)

// Streams is the live-event subscription surface the SSE handler needs.
type Streams interface {
	Subscribe(ctx context.Context, jobID string) (<-chan domain.JobEvent, func())
}

// App bundles the handler dependencies.
type App struct {
	Engine     *engine.Engine
	Ledger     domain.LedgerRepository
	Webhooks   domain.WebhookRepository
	Directory  domain.Directory
	Dispatcher *webhook.Dispatcher
	Streams    Streams
	Logger     infra.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, slug, msg string) {
	a.json(w, code, map[string]string{"error": slug, "message": msg})
}

// fail maps domain errors onto HTTP responses. Admission and transition
// errors gate financial operations, so they always surface to the caller.
func (a *App) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, domain.ErrInvalidArgument):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrInsufficientCredits):
		a.error(w, http.StatusPaymentRequired, "insufficient_credits", err.Error())
	case errors.Is(err, domain.ErrConcurrencyLimit):
		a.error(w, http.StatusTooManyRequests, "concurrency_limit_exceeded", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		a.error(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, domain.ErrExpired):
		a.error(w, http.StatusGone, "replay_expired", "cursor beyond retention, re-fetch full state")
	default:
		a.Logger.Error().Err(err).Msg("internal error")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// Health reports liveness.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}
