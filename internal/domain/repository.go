package domain

import (
	"context"
	"time"
)

// AdmitParams carries the prepared job row plus the concurrency ceilings the
// store must enforce atomically with the credit debit.
type AdmitParams struct {
	Job          Job
	ScopeLimit   int // non-terminal ceiling for Job.Owner.ConcurrencyScope()
	ProjectLimit int // non-terminal ceiling for Job.ProjectID, ignored when unset
}

// TransitionUpdate is a compare-and-set against a job's persisted status.
// Refund, when positive, is credited to CreditSource in the same atomic unit.
type TransitionUpdate struct {
	JobID           string
	From            JobStatus
	To              JobStatus
	FailureType     FailureType
	ProgressPercent int
	Output          []byte
	Refund          int64
	CreditSource    string
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// JobRepository persists jobs. Admit and ApplyTransition are the two atomic
// units of the engine: no interleaving may observe a debit without a job row,
// or a terminal status without its refund.
type JobRepository interface {
	// Admit debits the owner's credit source and inserts the job as one
	// transaction. It fails with ErrInsufficientCredits or
	// ErrConcurrencyLimit, and returns (existing, true, nil) when the
	// idempotency key matches a job previously created by the same actor.
	Admit(ctx context.Context, p AdmitParams) (*Job, bool, error)
	GetByID(ctx context.Context, id string) (*Job, error)
	// ApplyTransition applies the update only while the persisted status
	// still equals From, failing with ErrStaleStatus otherwise.
	ApplyTransition(ctx context.Context, u TransitionUpdate) error
	// UpdateProgress records the latest reported percentage while the job
	// is still processing, failing with ErrStaleStatus otherwise.
	UpdateProgress(ctx context.Context, jobID string, percent int) error
	CountActive(ctx context.Context, scope string) (int, error)
}

// EventRepository persists the append-only per-job event log.
type EventRepository interface {
	// Append assigns the next gap-free sequence for the job, serialized
	// per job id even under concurrent appenders. In-flight event types
	// (EventType.InFlight) are appended only while the job status is still
	// processing, atomically with the sequence assignment, failing with
	// ErrStaleStatus otherwise; a terminal event is therefore always the
	// last one in the log.
	Append(ctx context.Context, jobID string, t EventType, payload []byte) (JobEvent, error)
	ListSince(ctx context.Context, jobID string, since int64) ([]JobEvent, error)
	HasSequence(ctx context.Context, jobID string, seq int64) (bool, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// LedgerRepository reads credit balances and the adjustment audit trail.
// Writes happen inside JobRepository's atomic units only.
type LedgerRepository interface {
	Balance(ctx context.Context, sourceID string) (int64, error)
	Entries(ctx context.Context, sourceID string, limit int) ([]LedgerEntry, error)
}

// WebhookRepository persists subscriptions and their delivery records.
type WebhookRepository interface {
	Create(ctx context.Context, w *Webhook) error
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	ListByTeam(ctx context.Context, teamID string) ([]Webhook, error)
	// ListSubscribed returns active webhooks on the team subscribed to the
	// given event.
	ListSubscribed(ctx context.Context, teamID string, e EventType) ([]Webhook, error)
	Deactivate(ctx context.Context, id string) error

	CreateDelivery(ctx context.Context, d *WebhookDelivery) error
	UpdateDelivery(ctx context.Context, d *WebhookDelivery) error
	// ClaimDue leases pending/retrying deliveries whose retry time has
	// come, at most limit, such that two workers never claim the same row.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]DueDelivery, error)
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]WebhookDelivery, error)
	PurgeDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Directory is the read interface onto the surrounding user/team CRUD layer.
type Directory interface {
	UserPlan(ctx context.Context, userID string) (Plan, error)
	// TeamRole returns the member's role, or empty when not a member.
	TeamRole(ctx context.Context, teamID, userID string) (string, error)
}
