package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"renderq/internal/domain"
)

// transitions is the legality table. Terminal states are absorbing: they do
// not appear as keys.
var transitions = map[domain.JobStatus][]domain.JobStatus{
	domain.JobStatusQueued:     {domain.JobStatusProcessing, domain.JobStatusCanceled},
	domain.JobStatusProcessing: {domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCanceled},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to domain.JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionDetails carries the terminal-state inputs reported by the worker.
type TransitionDetails struct {
	FailureType     domain.FailureType
	ProgressPercent int
	Output          []byte
}

// StateMachine validates and applies job lifecycle transitions against the
// persisted status, computing refunds at terminal transitions.
type StateMachine struct {
	jobs      domain.JobRepository
	directory domain.Directory
	now       func() time.Time
}

// NewStateMachine wires the state machine to its stores.
func NewStateMachine(jobs domain.JobRepository, directory domain.Directory) *StateMachine {
	return &StateMachine{jobs: jobs, directory: directory, now: time.Now}
}

// Transition moves a job to the requested status. The update is a
// compare-and-set against the current persisted status, so stale or duplicate
// requests are rejected deterministically with ErrInvalidTransition.
func (m *StateMachine) Transition(ctx context.Context, jobID string, to domain.JobStatus, d TransitionDetails) (*domain.Job, error) {
	job, err := m.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(job.Status, to) {
		return nil, fmt.Errorf("%s -> %s: %w", job.Status, to, domain.ErrInvalidTransition)
	}

	u, err := m.buildUpdate(job, to, d)
	if err != nil {
		return nil, err
	}
	if err := m.jobs.ApplyTransition(ctx, u); err != nil {
		if errors.Is(err, domain.ErrStaleStatus) {
			// Someone else moved the job first; reject deterministically.
			return nil, fmt.Errorf("%s -> %s: %w", job.Status, to, domain.ErrInvalidTransition)
		}
		return nil, err
	}
	return m.jobs.GetByID(ctx, jobID)
}

// Cancel requests cancellation on behalf of an actor. Canceling a job that
// already reached a terminal state is a no-op success: the actor cannot know
// the exact current state at request time. The second return reports whether
// this call performed the transition.
func (m *StateMachine) Cancel(ctx context.Context, jobID, actorID string) (*domain.Job, bool, error) {
	for {
		job, err := m.jobs.GetByID(ctx, jobID)
		if err != nil {
			return nil, false, err
		}
		if job.Status.IsTerminal() {
			return job, false, nil
		}
		if err := m.authorizeCancel(ctx, job, actorID); err != nil {
			return nil, false, err
		}

		u, err := m.buildUpdate(job, domain.JobStatusCanceled, TransitionDetails{
			FailureType:     domain.FailureTypeCanceled,
			ProgressPercent: job.ProgressPercent,
		})
		if err != nil {
			return nil, false, err
		}
		err = m.jobs.ApplyTransition(ctx, u)
		if errors.Is(err, domain.ErrStaleStatus) {
			// Raced with another transition; re-read and re-decide.
			continue
		}
		if err != nil {
			return nil, false, err
		}
		job, err = m.jobs.GetByID(ctx, jobID)
		return job, true, err
	}
}

func (m *StateMachine) authorizeCancel(ctx context.Context, job *domain.Job, actorID string) error {
	if actorID == job.TriggeredBy {
		return nil
	}
	if teamID := job.Owner.TeamID(); teamID != "" {
		role, err := m.directory.TeamRole(ctx, teamID, actorID)
		if err != nil {
			return err
		}
		if role == "owner" || role == "admin" {
			return nil
		}
	}
	return fmt.Errorf("actor %s may not cancel job %s: %w", actorID, job.ID, domain.ErrUnauthorized)
}

func (m *StateMachine) buildUpdate(job *domain.Job, to domain.JobStatus, d TransitionDetails) (domain.TransitionUpdate, error) {
	now := m.now().UTC()
	u := domain.TransitionUpdate{
		JobID:        job.ID,
		From:         job.Status,
		To:           to,
		CreditSource: job.Owner.CreditSource(),
	}

	switch to {
	case domain.JobStatusProcessing:
		u.StartedAt = &now
		u.ProgressPercent = job.ProgressPercent
	case domain.JobStatusCompleted:
		if len(d.Output) == 0 {
			return u, fmt.Errorf("completed transition requires an output payload: %w", domain.ErrInvalidArgument)
		}
		u.Output = d.Output
		u.ProgressPercent = 100
		u.CompletedAt = &now
	case domain.JobStatusFailed:
		if !d.FailureType.Valid() || d.FailureType == domain.FailureTypeCanceled {
			return u, fmt.Errorf("failed transition requires a failure type: %w", domain.ErrInvalidArgument)
		}
		if d.ProgressPercent < 0 || d.ProgressPercent > 100 {
			return u, fmt.Errorf("progress percent out of range: %w", domain.ErrInvalidArgument)
		}
		u.FailureType = d.FailureType
		u.ProgressPercent = d.ProgressPercent
		u.Refund = Refund(job.CreditsCharged, d.ProgressPercent, d.FailureType)
		u.CompletedAt = &now
	case domain.JobStatusCanceled:
		u.FailureType = domain.FailureTypeCanceled
		u.ProgressPercent = d.ProgressPercent
		u.Refund = Refund(job.CreditsCharged, d.ProgressPercent, domain.FailureTypeCanceled)
		u.CompletedAt = &now
	default:
		return u, fmt.Errorf("unknown status %q: %w", to, domain.ErrInvalidArgument)
	}
	return u, nil
}
