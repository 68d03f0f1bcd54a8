package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"renderq/internal/domain"
)

// Concurrency ceilings by scope. All URNs rooted at one team count toward the
// same pool of 5; a project never holds more than one non-terminal job.
const (
	starterConcurrency = 1
	proConcurrency     = 3
	teamConcurrency    = 5
	projectConcurrency = 1
)

// AdmitRequest is a job creation attempt, prior to admission.
type AdmitRequest struct {
	Owner          domain.URN
	ActorID        string
	ProjectID      string
	EstimatedCost  int64
	IdempotencyKey string
}

// AdmissionController decides whether a new job may be accepted given the
// owner's credit balance and concurrency ceiling, and creates the job row and
// the credit debit as one atomic unit when it is.
type AdmissionController struct {
	jobs      domain.JobRepository
	directory domain.Directory
	now       func() time.Time
}

// NewAdmissionController wires the controller to its stores.
func NewAdmissionController(jobs domain.JobRepository, directory domain.Directory) *AdmissionController {
	return &AdmissionController{jobs: jobs, directory: directory, now: time.Now}
}

// TryAdmit admits the job or rejects it with ErrInsufficientCredits or
// ErrConcurrencyLimit. When the request carries an idempotency key already
// used by the same actor, the existing job is returned with reused=true and
// nothing is charged.
func (c *AdmissionController) TryAdmit(ctx context.Context, req AdmitRequest) (*domain.Job, bool, error) {
	if _, err := domain.ParseURN(string(req.Owner)); err != nil {
		return nil, false, err
	}
	if req.EstimatedCost <= 0 {
		return nil, false, fmt.Errorf("estimated cost must be positive: %w", domain.ErrInvalidArgument)
	}
	if req.ActorID == "" {
		return nil, false, fmt.Errorf("actor required: %w", domain.ErrInvalidArgument)
	}
	if req.ProjectID != "" && !req.Owner.TeamScoped() {
		return nil, false, fmt.Errorf("project jobs are team-billed, owner %q is personal: %w", req.Owner, domain.ErrInvalidArgument)
	}

	limit, err := c.scopeLimit(ctx, req.Owner)
	if err != nil {
		return nil, false, err
	}

	now := c.now().UTC()
	p := domain.AdmitParams{
		Job: domain.Job{
			ID:             uuid.NewString(),
			Owner:          req.Owner,
			TriggeredBy:    req.ActorID,
			ProjectID:      req.ProjectID,
			Status:         domain.JobStatusQueued,
			CreditsCharged: req.EstimatedCost,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		ScopeLimit:   limit,
		ProjectLimit: projectConcurrency,
	}
	return c.jobs.Admit(ctx, p)
}

func (c *AdmissionController) scopeLimit(ctx context.Context, owner domain.URN) (int, error) {
	if owner.TeamScoped() {
		return teamConcurrency, nil
	}
	plan, err := c.directory.UserPlan(ctx, owner.UserID())
	if err != nil {
		return 0, fmt.Errorf("resolve plan for %s: %w", owner, err)
	}
	if plan == domain.PlanPro {
		return proConcurrency, nil
	}
	return starterConcurrency, nil
}
