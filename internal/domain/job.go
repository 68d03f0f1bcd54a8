package domain

import "time"

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
)

// IsTerminal reports whether the status accepts no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// FailureType classifies why a job ended in failed or canceled.
type FailureType string

const (
	FailureTypeSystem     FailureType = "system"
	FailureTypeValidation FailureType = "validation"
	FailureTypeTimeout    FailureType = "timeout"
	FailureTypeCanceled   FailureType = "canceled"
)

// Valid reports whether the failure type is one of the known values.
func (f FailureType) Valid() bool {
	switch f {
	case FailureTypeSystem, FailureTypeValidation, FailureTypeTimeout, FailureTypeCanceled:
		return true
	}
	return false
}

// Job is a unit of billable render work. Billing follows Owner, never
// TriggeredBy.
type Job struct {
	ID              string
	Owner           URN
	TriggeredBy     string
	ProjectID       string // empty when the job is not linked to a project
	Status          JobStatus
	FailureType     FailureType // set only on failed/canceled
	ProgressPercent int
	CreditsCharged  int64
	CreditsRefunded int64
	Output          []byte // JSON output payload, set on completion
	IdempotencyKey  string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}
