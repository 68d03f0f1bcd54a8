package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"renderq/internal/domain"
	"renderq/internal/engine"
	"renderq/internal/middleware"
	"renderq/internal/telemetry"
)

type createJobRequest struct {
	Owner          string `json:"owner"`
	ProjectID      string `json:"project_id"`
	EstimatedCost  int64  `json:"estimated_cost"`
	IdempotencyKey string `json:"idempotency_key"`
}

type jobView struct {
	ID              string          `json:"id"`
	Owner           string          `json:"owner"`
	TriggeredBy     string          `json:"triggered_by"`
	ProjectID       string          `json:"project_id,omitempty"`
	Status          string          `json:"status"`
	FailureType     string          `json:"failure_type,omitempty"`
	ProgressPercent int             `json:"progress_percent"`
	CreditsCharged  int64           `json:"credits_charged"`
	CreditsRefunded int64           `json:"credits_refunded"`
	Output          json.RawMessage `json:"output,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

func viewJob(job *domain.Job) jobView {
	return jobView{
		ID:              job.ID,
		Owner:           string(job.Owner),
		TriggeredBy:     job.TriggeredBy,
		ProjectID:       job.ProjectID,
		Status:          string(job.Status),
		FailureType:     string(job.FailureType),
		ProgressPercent: job.ProgressPercent,
		CreditsCharged:  job.CreditsCharged,
		CreditsRefunded: job.CreditsRefunded,
		Output:          job.Output,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
}

// JobsCreate admits a new render job.
func (a *App) JobsCreate(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromContext(r.Context())
	if actor == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing actor")
		return
	}
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	job, reused, err := a.Engine.CreateJob(r.Context(), engine.AdmitRequest{
		Owner:          domain.URN(req.Owner),
		ActorID:        actor,
		ProjectID:      req.ProjectID,
		EstimatedCost:  req.EstimatedCost,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		telemetry.JobsRejected.Inc()
		a.fail(w, err)
		return
	}
	telemetry.JobsAdmitted.Inc()
	code := http.StatusCreated
	if reused {
		code = http.StatusOK
	}
	a.json(w, code, viewJob(job))
}

// JobsGet fetches a job.
func (a *App) JobsGet(w http.ResponseWriter, r *http.Request) {
	job, err := a.Engine.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, viewJob(job))
}

type transitionRequest struct {
	Status          string          `json:"status"`
	FailureType     string          `json:"failure_type"`
	ProgressPercent int             `json:"progress_percent"`
	Output          json.RawMessage `json:"output"`
}

// JobsTransition is the renderer callback for lifecycle changes.
func (a *App) JobsTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	job, err := a.Engine.TransitionJob(r.Context(), chi.URLParam(r, "job_id"),
		domain.JobStatus(req.Status), engine.TransitionDetails{
			FailureType:     domain.FailureType(req.FailureType),
			ProgressPercent: req.ProgressPercent,
			Output:          req.Output,
		})
	if err != nil {
		a.fail(w, err)
		return
	}
	telemetry.JobTransitions.Inc()
	a.json(w, http.StatusOK, viewJob(job))
}

// JobsCancel cancels on behalf of the acting user. Cancelling an
// already-terminal job succeeds without changing anything.
func (a *App) JobsCancel(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromContext(r.Context())
	if actor == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing actor")
		return
	}
	job, err := a.Engine.CancelJob(r.Context(), chi.URLParam(r, "job_id"), actor)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, viewJob(job))
}

type progressRequest struct {
	Phase         string `json:"phase"`
	Percent       int    `json:"percent"`
	Scene         int    `json:"scene"`
	SceneComplete bool   `json:"scene_complete"`
}

// JobsProgress is the renderer callback for in-flight progress updates.
func (a *App) JobsProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	ev, err := a.Engine.RecordProgress(r.Context(), chi.URLParam(r, "job_id"), engine.ProgressReport{
		Phase:         req.Phase,
		Percent:       req.Percent,
		Scene:         req.Scene,
		SceneComplete: req.SceneComplete,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	telemetry.EventsAppended.Inc()
	a.json(w, http.StatusAccepted, map[string]any{"sequence": ev.Sequence})
}
