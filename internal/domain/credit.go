package domain

import "time"

// Ledger entry reasons.
const (
	LedgerReasonCharge = "job_charge"
	LedgerReasonRefund = "job_refund"
)

// LedgerEntry is one signed adjustment against a credit source. The
// materialized balance is the sum of all entries for the source.
type LedgerEntry struct {
	ID        string
	SourceID  string // "user:{id}" or "team:{id}"
	JobID     string
	Delta     int64 // negative for charges, positive for refunds
	Reason    string
	CreatedAt time.Time
}

// Plan enumerates billing plans for personal owners.
type Plan string

const (
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
)
