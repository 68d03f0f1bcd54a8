package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied at startup. Statements are idempotent so every replica
// can run them. The users and team_members tables are owned by the
// surrounding CRUD layer; they are declared here only so a fresh database
// works end to end.
const schema = `
CREATE TABLE IF NOT EXISTS credit_sources (
	id          TEXT PRIMARY KEY,
	balance     BIGINT NOT NULL CHECK (balance >= 0),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id          UUID PRIMARY KEY,
	source_id   TEXT NOT NULL REFERENCES credit_sources(id),
	job_id      TEXT,
	delta       BIGINT NOT NULL,
	reason      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS ledger_entries_source ON ledger_entries (source_id, created_at DESC);

CREATE TABLE IF NOT EXISTS jobs (
	id               UUID PRIMARY KEY,
	owner_urn        TEXT NOT NULL,
	scope            TEXT NOT NULL,
	triggered_by     TEXT NOT NULL,
	project_id       TEXT,
	status           TEXT NOT NULL,
	failure_type     TEXT,
	progress_percent INT NOT NULL DEFAULT 0,
	credits_charged  BIGINT NOT NULL,
	credits_refunded BIGINT NOT NULL DEFAULT 0,
	output           JSONB,
	idempotency_key  TEXT,
	last_sequence    BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_idempotency
	ON jobs (triggered_by, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS jobs_scope_active
	ON jobs (scope) WHERE status IN ('queued', 'processing');
CREATE INDEX IF NOT EXISTS jobs_project_active
	ON jobs (project_id) WHERE project_id IS NOT NULL AND status IN ('queued', 'processing');

CREATE TABLE IF NOT EXISTS job_events (
	job_id      UUID NOT NULL,
	sequence    BIGINT NOT NULL,
	event_type  TEXT NOT NULL,
	payload     JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (job_id, sequence)
);
CREATE INDEX IF NOT EXISTS job_events_created ON job_events (created_at);

CREATE TABLE IF NOT EXISTS webhooks (
	id          UUID PRIMARY KEY,
	team_id     TEXT NOT NULL,
	url         TEXT NOT NULL,
	secret      TEXT NOT NULL,
	events      TEXT[] NOT NULL,
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS webhooks_team ON webhooks (team_id);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id              UUID PRIMARY KEY,
	webhook_id      UUID NOT NULL REFERENCES webhooks(id),
	job_id          TEXT,
	event_type      TEXT NOT NULL,
	payload         BYTEA NOT NULL,
	status          TEXT NOT NULL,
	attempts        INT NOT NULL DEFAULT 0,
	max_attempts    INT NOT NULL,
	next_retry_at   TIMESTAMPTZ,
	response_status INT NOT NULL DEFAULT 0,
	response_body   TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS webhook_deliveries_due
	ON webhook_deliveries (next_retry_at) WHERE status IN ('pending', 'retrying');
CREATE INDEX IF NOT EXISTS webhook_deliveries_hook
	ON webhook_deliveries (webhook_id, created_at DESC);

CREATE TABLE IF NOT EXISTS users (
	id    TEXT PRIMARY KEY,
	plan  TEXT NOT NULL DEFAULT 'starter'
);

CREATE TABLE IF NOT EXISTS team_members (
	team_id  TEXT NOT NULL,
	user_id  TEXT NOT NULL,
	role     TEXT NOT NULL,
	PRIMARY KEY (team_id, user_id)
);
`

// RunMigrations applies the schema.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
