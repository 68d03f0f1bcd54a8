package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"renderq/internal/domain"
	"renderq/internal/middleware"
)

type webhookView struct {
	ID        string    `json:"id"`
	TeamID    string    `json:"team_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

func viewWebhook(w domain.Webhook) webhookView {
	return webhookView{
		ID:        w.ID,
		TeamID:    w.TeamID,
		URL:       w.URL,
		Events:    w.Events,
		IsActive:  w.IsActive,
		CreatedAt: w.CreatedAt,
	}
}

type deliveryView struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id,omitempty"`
	EventType      string     `json:"event_type"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	ResponseStatus int        `json:"response_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func viewDelivery(d domain.WebhookDelivery) deliveryView {
	return deliveryView{
		ID:             d.ID,
		JobID:          d.JobID,
		EventType:      d.EventType,
		Status:         string(d.Status),
		Attempts:       d.Attempts,
		MaxAttempts:    d.MaxAttempts,
		NextRetryAt:    d.NextRetryAt,
		ResponseStatus: d.ResponseStatus,
		CreatedAt:      d.CreatedAt,
	}
}

// requireTeamMember authorizes the actor against the team, returning the
// actor id or writing the error response itself.
func (a *App) requireTeamMember(w http.ResponseWriter, r *http.Request, teamID string) (string, bool) {
	actor := middleware.ActorFromContext(r.Context())
	if actor == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing actor")
		return "", false
	}
	role, err := a.Directory.TeamRole(r.Context(), teamID, actor)
	if err != nil {
		a.fail(w, err)
		return "", false
	}
	if role == "" {
		a.error(w, http.StatusForbidden, "forbidden", "not a member of the team")
		return "", false
	}
	return actor, true
}

// WebhooksList lists the team's webhooks.
func (a *App) WebhooksList(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "team_id")
	if _, ok := a.requireTeamMember(w, r, teamID); !ok {
		return
	}
	hooks, err := a.Webhooks.ListByTeam(r.Context(), teamID)
	if err != nil {
		a.fail(w, err)
		return
	}
	out := make([]webhookView, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, viewWebhook(h))
	}
	a.json(w, http.StatusOK, out)
}

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

// WebhooksCreate registers a subscription. HTTPS endpoints only.
func (a *App) WebhooksCreate(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "team_id")
	if _, ok := a.requireTeamMember(w, r, teamID); !ok {
		return
	}
	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	now := time.Now().UTC()
	hook := &domain.Webhook{
		ID:        uuid.NewString(),
		TeamID:    teamID,
		URL:       req.URL,
		Secret:    req.Secret,
		Events:    req.Events,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := hook.Validate(); err != nil {
		a.fail(w, err)
		return
	}
	if err := a.Webhooks.Create(r.Context(), hook); err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusCreated, viewWebhook(*hook))
}

// WebhooksDelete deactivates a subscription. Delivery history stays for the
// audit window.
func (a *App) WebhooksDelete(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "team_id")
	if _, ok := a.requireTeamMember(w, r, teamID); !ok {
		return
	}
	hook, err := a.webhookForTeam(r, teamID)
	if err != nil {
		a.fail(w, err)
		return
	}
	if err := a.Webhooks.Deactivate(r.Context(), hook.ID); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WebhooksTest fires one synthetic delivery at the endpoint, bypassing the
// event-trigger path, so an operator can verify their receiver.
func (a *App) WebhooksTest(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "team_id")
	if _, ok := a.requireTeamMember(w, r, teamID); !ok {
		return
	}
	hook, err := a.webhookForTeam(r, teamID)
	if err != nil {
		a.fail(w, err)
		return
	}
	del, err := a.Dispatcher.SendTest(r.Context(), hook)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, viewDelivery(*del))
}

// WebhookDeliveries lists recent delivery attempts for a webhook.
func (a *App) WebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "team_id")
	if _, ok := a.requireTeamMember(w, r, teamID); !ok {
		return
	}
	hook, err := a.webhookForTeam(r, teamID)
	if err != nil {
		a.fail(w, err)
		return
	}
	deliveries, err := a.Webhooks.ListDeliveries(r.Context(), hook.ID, 50)
	if err != nil {
		a.fail(w, err)
		return
	}
	out := make([]deliveryView, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, viewDelivery(d))
	}
	a.json(w, http.StatusOK, out)
}

func (a *App) webhookForTeam(r *http.Request, teamID string) (*domain.Webhook, error) {
	hook, err := a.Webhooks.GetWebhook(r.Context(), chi.URLParam(r, "webhook_id"))
	if err != nil {
		return nil, err
	}
	if hook.TeamID != teamID {
		return nil, domain.ErrNotFound
	}
	return hook, nil
}
