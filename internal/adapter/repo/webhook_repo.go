package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"renderq/internal/domain"
)

// claimLease is how long a claimed delivery stays invisible to other
// workers. A worker that dies mid-attempt loses the lease and the row
// becomes claimable again, preserving at-least-once delivery.
const claimLease = time.Minute

// WebhookRepositoryPG implements domain.WebhookRepository.
type WebhookRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewWebhookRepository creates a webhook repository backed by PostgreSQL.
func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepositoryPG {
	return &WebhookRepositoryPG{pool: pool}
}

func (r *WebhookRepositoryPG) Create(ctx context.Context, w *domain.Webhook) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO webhooks (id, team_id, url, secret, events, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		w.ID, w.TeamID, w.URL, w.Secret, w.Events, w.IsActive, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

const webhookColumns = `id, team_id, url, secret, events, is_active, created_at, updated_at`

func (r *WebhookRepositoryPG) GetWebhook(ctx context.Context, id string) (*domain.Webhook, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)
	w, err := scanWebhook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("webhook %s: %w", id, domain.ErrNotFound)
	}
	return w, err
}

func (r *WebhookRepositoryPG) ListByTeam(ctx context.Context, teamID string) ([]domain.Webhook, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE team_id = $1 ORDER BY created_at`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()
	return collectWebhooks(rows)
}

func (r *WebhookRepositoryPG) ListSubscribed(ctx context.Context, teamID string, e domain.EventType) ([]domain.Webhook, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+webhookColumns+` FROM webhooks
WHERE team_id = $1 AND is_active AND $2 = ANY(events)`, teamID, string(e))
	if err != nil {
		return nil, fmt.Errorf("list subscribed webhooks: %w", err)
	}
	defer rows.Close()
	return collectWebhooks(rows)
}

func (r *WebhookRepositoryPG) Deactivate(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE webhooks SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *WebhookRepositoryPG) CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO webhook_deliveries (id, webhook_id, job_id, event_type, payload,
	status, attempts, max_attempts, next_retry_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		d.ID, d.WebhookID, emptyToNil(d.JobID), d.EventType, d.Payload,
		d.Status, d.Attempts, d.MaxAttempts, d.NextRetryAt, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (r *WebhookRepositoryPG) UpdateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE webhook_deliveries SET
	status = $2, attempts = $3, next_retry_at = $4,
	response_status = $5, response_body = $6, updated_at = NOW()
WHERE id = $1`,
		d.ID, d.Status, d.Attempts, d.NextRetryAt, d.ResponseStatus, d.ResponseBody)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", d.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *WebhookRepositoryPG) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.DueDelivery, error) {
	rows, err := r.pool.Query(ctx, `
WITH due AS (
	SELECT id, webhook_id FROM webhook_deliveries
	WHERE status IN ('pending', 'retrying')
	  AND (next_retry_at IS NULL OR next_retry_at <= $1)
	ORDER BY next_retry_at NULLS FIRST
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE webhook_deliveries d
SET next_retry_at = $1 + $3::interval, updated_at = NOW()
FROM due, webhooks w
WHERE d.id = due.id AND w.id = due.webhook_id
RETURNING d.id, d.webhook_id, COALESCE(d.job_id, ''), d.event_type, d.payload,
	d.status, d.attempts, d.max_attempts, d.next_retry_at,
	d.response_status, d.response_body, d.created_at, d.updated_at,
	w.url, w.secret`,
		now, limit, claimLease.String())
	if err != nil {
		return nil, fmt.Errorf("claim due deliveries: %w", err)
	}
	defer rows.Close()

	var out []domain.DueDelivery
	for rows.Next() {
		var (
			due  domain.DueDelivery
			next pgtype.Timestamptz
		)
		d := &due.Delivery
		err := rows.Scan(&d.ID, &d.WebhookID, &d.JobID, &d.EventType, &d.Payload,
			&d.Status, &d.Attempts, &d.MaxAttempts, &next,
			&d.ResponseStatus, &d.ResponseBody, &d.CreatedAt, &d.UpdatedAt,
			&due.URL, &due.Secret)
		if err != nil {
			return nil, fmt.Errorf("scan due delivery: %w", err)
		}
		if next.Valid {
			t := next.Time
			d.NextRetryAt = &t
		}
		out = append(out, due)
	}
	return out, rows.Err()
}

func (r *WebhookRepositoryPG) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
SELECT id, webhook_id, COALESCE(job_id, ''), event_type, payload, status,
	attempts, max_attempts, next_retry_at, response_status, response_body,
	created_at, updated_at
FROM webhook_deliveries
WHERE webhook_id = $1
ORDER BY created_at DESC
LIMIT $2`, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookDelivery
	for rows.Next() {
		var (
			d    domain.WebhookDelivery
			next pgtype.Timestamptz
		)
		err := rows.Scan(&d.ID, &d.WebhookID, &d.JobID, &d.EventType, &d.Payload,
			&d.Status, &d.Attempts, &d.MaxAttempts, &next,
			&d.ResponseStatus, &d.ResponseBody, &d.CreatedAt, &d.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		if next.Valid {
			t := next.Time
			d.NextRetryAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *WebhookRepositoryPG) PurgeDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
DELETE FROM webhook_deliveries
WHERE status IN ('delivered', 'failed') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanWebhook(row pgx.Row) (*domain.Webhook, error) {
	var w domain.Webhook
	err := row.Scan(&w.ID, &w.TeamID, &w.URL, &w.Secret, &w.Events, &w.IsActive, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func collectWebhooks(rows pgx.Rows) ([]domain.Webhook, error) {
	var out []domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}
