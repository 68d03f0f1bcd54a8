// Package engine implements the job admission, lifecycle, credit-accounting
// and notification core: admission against credit balances and concurrency
// ceilings, the job state machine with refund reconciliation, the per-job
// event log, and the hand-off to webhook delivery.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"renderq/internal/domain"
)

// Notifier receives every appended job event for webhook fan-out. Calls must
// not block job-state transitions.
type Notifier interface {
	Notify(job *domain.Job, ev domain.JobEvent)
}

// Engine is the facade the HTTP layer talks to. It composes the admission
// controller, state machine and sequencer, and hands each appended event to
// the notifier.
type Engine struct {
	admission *AdmissionController
	machine   *StateMachine
	sequencer *Sequencer
	jobs      domain.JobRepository
	notifier  Notifier
	log       zerolog.Logger
}

// New assembles the engine. notifier may be nil.
func New(jobs domain.JobRepository, events domain.EventRepository, directory domain.Directory, broker Publisher, notifier Notifier, log zerolog.Logger) *Engine {
	return &Engine{
		admission: NewAdmissionController(jobs, directory),
		machine:   NewStateMachine(jobs, directory),
		sequencer: NewSequencer(events, broker, log),
		jobs:      jobs,
		notifier:  notifier,
		log:       log,
	}
}

// Sequencer exposes replay for the SSE layer.
func (e *Engine) Sequencer() *Sequencer { return e.sequencer }

// GetJob fetches a job by id.
func (e *Engine) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return e.jobs.GetByID(ctx, id)
}

// CreateJob admits and creates a job in queued, debiting the estimated cost.
// A reused idempotency key returns the existing job without re-charging or
// re-emitting the queued event.
func (e *Engine) CreateJob(ctx context.Context, req AdmitRequest) (*domain.Job, bool, error) {
	job, reused, err := e.admission.TryAdmit(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if reused {
		return job, true, nil
	}
	e.record(ctx, job, domain.EventQueued, identityPayload(job))
	return job, false, nil
}

// TransitionJob applies a worker-reported transition and emits the matching
// event. Terminal transitions settle refunds atomically with the status
// change.
func (e *Engine) TransitionJob(ctx context.Context, jobID string, to domain.JobStatus, d TransitionDetails) (*domain.Job, error) {
	job, err := e.machine.Transition(ctx, jobID, to, d)
	if err != nil {
		return nil, err
	}
	e.record(ctx, job, eventForStatus(to), statusPayload(job))
	return job, nil
}

// CancelJob cancels on behalf of an actor. Cancelling an already-terminal
// job succeeds without emitting anything.
func (e *Engine) CancelJob(ctx context.Context, jobID, actorID string) (*domain.Job, error) {
	job, changed, err := e.machine.Cancel(ctx, jobID, actorID)
	if err != nil {
		return nil, err
	}
	if changed {
		e.record(ctx, job, domain.EventCanceled, statusPayload(job))
	}
	return job, nil
}

// ProgressReport is a renderer callback for a job in flight.
type ProgressReport struct {
	Phase         string
	Percent       int
	Scene         int
	SceneComplete bool
}

// RecordProgress appends a progress (or scene_complete) event and keeps the
// job's progress percentage current for later refund computation.
func (e *Engine) RecordProgress(ctx context.Context, jobID string, r ProgressReport) (domain.JobEvent, error) {
	job, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		return domain.JobEvent{}, err
	}
	if job.Status != domain.JobStatusProcessing {
		return domain.JobEvent{}, fmt.Errorf("progress on %s job: %w", job.Status, domain.ErrInvalidTransition)
	}
	if r.Percent < 0 || r.Percent > 100 {
		return domain.JobEvent{}, fmt.Errorf("progress percent out of range: %w", domain.ErrInvalidArgument)
	}
	if err := e.jobs.UpdateProgress(ctx, jobID, r.Percent); err != nil {
		if errors.Is(err, domain.ErrStaleStatus) {
			return domain.JobEvent{}, fmt.Errorf("progress raced a terminal transition: %w", domain.ErrInvalidTransition)
		}
		return domain.JobEvent{}, err
	}
	job.ProgressPercent = r.Percent

	typ := domain.EventProgress
	payload := map[string]any{"phase": r.Phase, "percent": r.Percent}
	if r.SceneComplete {
		typ = domain.EventSceneComplete
		payload["scene"] = r.Scene
	} else if r.Scene > 0 {
		payload["scene"] = r.Scene
	}
	raw, _ := json.Marshal(payload)

	ev, err := e.sequencer.Append(ctx, jobID, typ, raw)
	if err != nil {
		// The append itself re-checks the status atomically with the
		// sequence assignment, so a terminal transition landing between
		// the progress update and here is still rejected.
		if errors.Is(err, domain.ErrStaleStatus) {
			return domain.JobEvent{}, fmt.Errorf("progress raced a terminal transition: %w", domain.ErrInvalidTransition)
		}
		return domain.JobEvent{}, err
	}
	if e.notifier != nil {
		e.notifier.Notify(job, ev)
	}
	return ev, nil
}

// record appends a lifecycle event and notifies subscribers. Append failures
// after a committed transition are logged rather than surfaced: the job row
// already reflects the truth and replay clients fall back to full state.
func (e *Engine) record(ctx context.Context, job *domain.Job, t domain.EventType, payload []byte) {
	ev, err := e.sequencer.Append(ctx, job.ID, t, payload)
	if err != nil {
		e.log.Error().Err(err).Str("job_id", job.ID).Str("event", string(t)).Msg("event append failed")
		return
	}
	if e.notifier != nil {
		e.notifier.Notify(job, ev)
	}
}

func eventForStatus(s domain.JobStatus) domain.EventType {
	switch s {
	case domain.JobStatusProcessing:
		return domain.EventStarted
	case domain.JobStatusCompleted:
		return domain.EventCompleted
	case domain.JobStatusFailed:
		return domain.EventFailed
	default:
		return domain.EventCanceled
	}
}

func identityPayload(job *domain.Job) []byte {
	raw, _ := json.Marshal(map[string]any{
		"job_id": job.ID,
		"owner":  string(job.Owner),
		"status": string(job.Status),
	})
	return raw
}

func statusPayload(job *domain.Job) []byte {
	body := map[string]any{
		"job_id": job.ID,
		"owner":  string(job.Owner),
		"status": string(job.Status),
	}
	switch job.Status {
	case domain.JobStatusCompleted:
		body["output"] = json.RawMessage(job.Output)
		body["credits_charged"] = job.CreditsCharged
		if job.StartedAt != nil && job.CompletedAt != nil {
			body["duration_seconds"] = int64(job.CompletedAt.Sub(*job.StartedAt).Seconds())
		}
	case domain.JobStatusFailed, domain.JobStatusCanceled:
		body["failure_type"] = string(job.FailureType)
		body["progress_percent"] = job.ProgressPercent
		body["credits_refunded"] = job.CreditsRefunded
	}
	raw, _ := json.Marshal(body)
	return raw
}
