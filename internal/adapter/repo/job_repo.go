package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"renderq/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository on PostgreSQL. The two
// multi-resource operations, Admit and ApplyTransition, run as single
// transactions serialized per owner by a row lock on the credit source.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

const jobColumns = `id, owner_urn, triggered_by, project_id, status, failure_type,
progress_percent, credits_charged, credits_refunded, output, idempotency_key,
created_at, started_at, completed_at, updated_at`

func (r *JobRepositoryPG) Admit(ctx context.Context, p domain.AdmitParams) (*domain.Job, bool, error) {
	job := p.Job
	source := job.Owner.CreditSource()
	scope := job.Owner.ConcurrencyScope()

	if job.IdempotencyKey != "" {
		if existing, err := r.findByIdempotencyKey(ctx, job.TriggeredBy, job.IdempotencyKey); err != nil {
			return nil, false, err
		} else if existing != nil {
			return existing, true, nil
		}
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("begin admission tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	// Row lock on the credit source serializes concurrent admissions for
	// one owner, so the balance check and the concurrency count cannot
	// both pass in two racing transactions.
	var balance int64
	err = tx.QueryRow(ctx, `SELECT balance FROM credit_sources WHERE id = $1 FOR UPDATE`, source).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("source %s not provisioned: %w", source, domain.ErrInsufficientCredits)
	}
	if err != nil {
		return nil, false, fmt.Errorf("lock credit source: %w", err)
	}
	if balance < job.CreditsCharged {
		return nil, false, fmt.Errorf("source %s has %d, needs %d: %w", source, balance, job.CreditsCharged, domain.ErrInsufficientCredits)
	}

	var active int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE scope = $1 AND status IN ('queued', 'processing')`,
		scope).Scan(&active)
	if err != nil {
		return nil, false, fmt.Errorf("count active jobs: %w", err)
	}
	if active >= p.ScopeLimit {
		return nil, false, fmt.Errorf("scope %s at ceiling %d: %w", scope, p.ScopeLimit, domain.ErrConcurrencyLimit)
	}

	if job.ProjectID != "" {
		var busy int
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM jobs WHERE project_id = $1 AND status IN ('queued', 'processing')`,
			job.ProjectID).Scan(&busy)
		if err != nil {
			return nil, false, fmt.Errorf("count project jobs: %w", err)
		}
		if busy >= p.ProjectLimit {
			return nil, false, fmt.Errorf("project %s busy: %w", job.ProjectID, domain.ErrConcurrencyLimit)
		}
	}

	_, err = tx.Exec(ctx, `
INSERT INTO jobs (id, owner_urn, scope, triggered_by, project_id, status,
	credits_charged, idempotency_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		job.ID, string(job.Owner), scope, job.TriggeredBy, emptyToNil(job.ProjectID),
		job.Status, job.CreditsCharged, emptyToNil(job.IdempotencyKey), job.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Another replica claimed the idempotency key between our
			// check and the insert; hand back its job.
			_ = tx.Rollback(ctx)
			existing, ferr := r.findByIdempotencyKey(ctx, job.TriggeredBy, job.IdempotencyKey)
			if ferr != nil {
				return nil, false, ferr
			}
			if existing == nil {
				return nil, false, fmt.Errorf("idempotency conflict without existing job: %w", domain.ErrDuplicateIdempotency)
			}
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("insert job: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE credit_sources SET balance = balance - $2, updated_at = NOW() WHERE id = $1`,
		source, job.CreditsCharged)
	if err != nil {
		return nil, false, fmt.Errorf("debit credits: %w", err)
	}
	_, err = tx.Exec(ctx, `
INSERT INTO ledger_entries (id, source_id, job_id, delta, reason)
VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), source, job.ID, -job.CreditsCharged, domain.LedgerReasonCharge)
	if err != nil {
		return nil, false, fmt.Errorf("record charge: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit admission: %w", err)
	}
	out := job
	return &out, false, nil
}

func (r *JobRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return job, err
}

func (r *JobRepositoryPG) ApplyTransition(ctx context.Context, u domain.TransitionUpdate) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE jobs SET
	status = $3,
	failure_type = COALESCE($4, failure_type),
	progress_percent = $5,
	output = COALESCE($6, output),
	credits_refunded = credits_refunded + $7,
	started_at = COALESCE($8, started_at),
	completed_at = COALESCE($9, completed_at),
	updated_at = NOW()
WHERE id = $1 AND status = $2`,
		u.JobID, u.From, u.To, emptyToNil(string(u.FailureType)), u.ProgressPercent,
		nullableBytes(u.Output), u.Refund, u.StartedAt, u.CompletedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleStatus
	}

	if u.Refund > 0 {
		_, err = tx.Exec(ctx,
			`UPDATE credit_sources SET balance = balance + $2, updated_at = NOW() WHERE id = $1`,
			u.CreditSource, u.Refund)
		if err != nil {
			return fmt.Errorf("credit refund: %w", err)
		}
		_, err = tx.Exec(ctx, `
INSERT INTO ledger_entries (id, source_id, job_id, delta, reason)
VALUES ($1, $2, $3, $4, $5)`,
			uuid.NewString(), u.CreditSource, u.JobID, u.Refund, domain.LedgerReasonRefund)
		if err != nil {
			return fmt.Errorf("record refund: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (r *JobRepositoryPG) UpdateProgress(ctx context.Context, jobID string, percent int) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET progress_percent = $2, updated_at = NOW() WHERE id = $1 AND status = 'processing'`,
		jobID, percent)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := r.GetByID(ctx, jobID); gerr != nil {
			return gerr
		}
		return domain.ErrStaleStatus
	}
	return nil
}

func (r *JobRepositoryPG) CountActive(ctx context.Context, scope string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE scope = $1 AND status IN ('queued', 'processing')`,
		scope).Scan(&n)
	return n, err
}

func (r *JobRepositoryPG) findByIdempotencyKey(ctx context.Context, actor, key string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE triggered_by = $1 AND idempotency_key = $2`,
		actor, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job         domain.Job
		owner       string
		projectID   pgtype.Text
		failureType pgtype.Text
		idemKey     pgtype.Text
		startedAt   pgtype.Timestamptz
		completedAt pgtype.Timestamptz
	)
	err := row.Scan(&job.ID, &owner, &job.TriggeredBy, &projectID, &job.Status,
		&failureType, &job.ProgressPercent, &job.CreditsCharged, &job.CreditsRefunded,
		&job.Output, &idemKey, &job.CreatedAt, &startedAt, &completedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Owner = domain.URN(owner)
	job.ProjectID = textOrEmpty(projectID)
	job.FailureType = domain.FailureType(textOrEmpty(failureType))
	job.IdempotencyKey = textOrEmpty(idemKey)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

func textOrEmpty(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
