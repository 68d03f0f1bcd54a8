package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"renderq/internal/domain"
)

// LedgerRepositoryPG implements domain.LedgerRepository. Balance writes
// happen only inside the job repository's admission and transition
// transactions; this side is read-only.
type LedgerRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a ledger repository backed by PostgreSQL.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepositoryPG {
	return &LedgerRepositoryPG{pool: pool}
}

func (r *LedgerRepositoryPG) Balance(ctx context.Context, sourceID string) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM credit_sources WHERE id = $1`, sourceID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("credit source %s: %w", sourceID, domain.ErrNotFound)
	}
	return balance, err
}

func (r *LedgerRepositoryPG) Entries(ctx context.Context, sourceID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
SELECT id, source_id, COALESCE(job_id, ''), delta, reason, created_at
FROM ledger_entries
WHERE source_id = $1
ORDER BY created_at DESC
LIMIT $2`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.SourceID, &e.JobID, &e.Delta, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
