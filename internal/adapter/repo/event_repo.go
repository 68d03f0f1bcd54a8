package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"renderq/internal/domain"
)

// EventRepositoryPG implements domain.EventRepository. Sequence numbers come
// from a counter on the job row: the UPDATE takes the row lock, which
// serializes concurrent appends for one job and survives event purges.
type EventRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewEventRepository creates an event repository backed by PostgreSQL.
func NewEventRepository(pool *pgxpool.Pool) *EventRepositoryPG {
	return &EventRepositoryPG{pool: pool}
}

func (r *EventRepositoryPG) Append(ctx context.Context, jobID string, t domain.EventType, payload []byte) (domain.JobEvent, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.JobEvent{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// In-flight events advance the counter only while the job is still
	// processing, so a terminal event is always the last sequence issued.
	q := `UPDATE jobs SET last_sequence = last_sequence + 1 WHERE id = $1 RETURNING last_sequence`
	if t.InFlight() {
		q = `UPDATE jobs SET last_sequence = last_sequence + 1 WHERE id = $1 AND status = 'processing' RETURNING last_sequence`
	}

	var seq int64
	err = tx.QueryRow(ctx, q, jobID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qerr := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); qerr != nil {
			return domain.JobEvent{}, fmt.Errorf("check job: %w", qerr)
		}
		if !exists {
			return domain.JobEvent{}, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
		}
		return domain.JobEvent{}, domain.ErrStaleStatus
	}
	if err != nil {
		return domain.JobEvent{}, fmt.Errorf("advance sequence: %w", err)
	}

	ev := domain.JobEvent{JobID: jobID, Sequence: seq, Type: t, Payload: payload}
	err = tx.QueryRow(ctx, `
INSERT INTO job_events (job_id, sequence, event_type, payload)
VALUES ($1, $2, $3, $4)
RETURNING created_at`,
		jobID, seq, t, nullableBytes(payload)).Scan(&ev.CreatedAt)
	if err != nil {
		return domain.JobEvent{}, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.JobEvent{}, fmt.Errorf("commit append: %w", err)
	}
	return ev, nil
}

func (r *EventRepositoryPG) ListSince(ctx context.Context, jobID string, since int64) ([]domain.JobEvent, error) {
	rows, err := r.pool.Query(ctx, `
SELECT job_id, sequence, event_type, payload, created_at
FROM job_events
WHERE job_id = $1 AND sequence > $2
ORDER BY sequence`, jobID, since)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []domain.JobEvent
	for rows.Next() {
		var ev domain.JobEvent
		if err := rows.Scan(&ev.JobID, &ev.Sequence, &ev.Type, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *EventRepositoryPG) HasSequence(ctx context.Context, jobID string, seq int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM job_events WHERE job_id = $1 AND sequence = $2)`,
		jobID, seq).Scan(&exists)
	return exists, err
}

func (r *EventRepositoryPG) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM job_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return tag.RowsAffected(), nil
}
