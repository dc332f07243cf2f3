// Package postgres implements the store interfaces over PostgreSQL using a
// pgxpool connection pool. All queries are parameterized; the schema is
// created idempotently by [Migrate] on startup.
//
// The semantic memory tables (with their pgvector column) are owned by
// pkg/memory/postgres and migrated separately against the same pool.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTenants = `
CREATE TABLE IF NOT EXISTS tenants (
    id                TEXT         PRIMARY KEY,
    name              TEXT         NOT NULL,
    phone             TEXT         NOT NULL,
    timezone          TEXT         NOT NULL DEFAULT 'UTC',
    interests         TEXT[]       NOT NULL DEFAULT '{}',
    family_info       TEXT         NOT NULL DEFAULT '',
    medical_notes     TEXT         NOT NULL DEFAULT '',
    quiet_hours_start TEXT         NOT NULL DEFAULT '',
    quiet_hours_end   TEXT         NOT NULL DEFAULT '',
    active            BOOLEAN      NOT NULL DEFAULT true,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tenants_phone ON tenants (phone);

CREATE TABLE IF NOT EXISTS caregiver_links (
    user_id    TEXT NOT NULL,
    tenant_id  TEXT NOT NULL REFERENCES tenants (id) ON DELETE CASCADE,
    role       TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (user_id, tenant_id)
);
`

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id               TEXT         PRIMARY KEY,
    tenant_id        TEXT         NOT NULL REFERENCES tenants (id) ON DELETE CASCADE,
    call_sid         TEXT         NOT NULL DEFAULT '',
    started_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at         TIMESTAMPTZ,
    duration_seconds INTEGER      NOT NULL DEFAULT 0,
    status           TEXT         NOT NULL DEFAULT 'in_progress',
    transcript       JSONB        NOT NULL DEFAULT '[]',
    summary          TEXT         NOT NULL DEFAULT '',
    sentiment        TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_conversations_tenant
    ON conversations (tenant_id, started_at DESC);

CREATE INDEX IF NOT EXISTS idx_conversations_call_sid
    ON conversations (call_sid);
`

const ddlReminders = `
CREATE TABLE IF NOT EXISTS reminders (
    id                TEXT         PRIMARY KEY,
    tenant_id         TEXT         NOT NULL REFERENCES tenants (id) ON DELETE CASCADE,
    type              TEXT         NOT NULL DEFAULT 'custom',
    title             TEXT         NOT NULL,
    description       TEXT         NOT NULL DEFAULT '',
    scheduled_time    TIMESTAMPTZ,
    recurrence        TEXT         NOT NULL DEFAULT '',
    active            BOOLEAN      NOT NULL DEFAULT true,
    last_delivered_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_reminders_due
    ON reminders (tenant_id, active, scheduled_time);

CREATE TABLE IF NOT EXISTS deliveries (
    id              TEXT         PRIMARY KEY,
    reminder_id     TEXT         NOT NULL REFERENCES reminders (id) ON DELETE CASCADE,
    scheduled_for   TIMESTAMPTZ  NOT NULL,
    delivered_at    TIMESTAMPTZ,
    acknowledged_at TIMESTAMPTZ,
    status          TEXT         NOT NULL DEFAULT 'pending',
    attempt_count   INTEGER      NOT NULL DEFAULT 0,
    call_sid        TEXT         NOT NULL DEFAULT '',
    user_response   TEXT         NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_deliveries_occurrence
    ON deliveries (reminder_id, scheduled_for);

CREATE INDEX IF NOT EXISTS idx_deliveries_status
    ON deliveries (status, scheduled_for);

CREATE INDEX IF NOT EXISTS idx_deliveries_call_sid
    ON deliveries (call_sid);
`

const ddlAnalyses = `
CREATE TABLE IF NOT EXISTS call_analyses (
    id                    TEXT         PRIMARY KEY,
    conversation_id       TEXT         NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    tenant_id             TEXT         NOT NULL REFERENCES tenants (id) ON DELETE CASCADE,
    summary               TEXT         NOT NULL DEFAULT '',
    topics                TEXT[]       NOT NULL DEFAULT '{}',
    engagement_score      INTEGER      NOT NULL DEFAULT 5,
    concerns              JSONB        NOT NULL DEFAULT '[]',
    positive_observations TEXT[]       NOT NULL DEFAULT '{}',
    follow_up_suggestions TEXT[]       NOT NULL DEFAULT '{}',
    call_quality          TEXT         NOT NULL DEFAULT 'unknown',
    created_at            TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_analyses_tenant
    ON call_analyses (tenant_id, created_at DESC);
`

const ddlDailyContext = `
CREATE TABLE IF NOT EXISTS daily_call_context (
    id                  BIGSERIAL    PRIMARY KEY,
    tenant_id           TEXT         NOT NULL REFERENCES tenants (id) ON DELETE CASCADE,
    call_date           DATE         NOT NULL,
    call_sids           TEXT[]       NOT NULL DEFAULT '{}',
    topics              TEXT[]       NOT NULL DEFAULT '{}',
    reminders_delivered TEXT[]       NOT NULL DEFAULT '{}',
    advice              TEXT[]       NOT NULL DEFAULT '{}',
    highlights          TEXT[]       NOT NULL DEFAULT '{}',
    UNIQUE (tenant_id, call_date)
);
`

// Migrate creates or ensures all runtime tables and indices exist. It is
// idempotent and safe to run on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlTenants,
		ddlConversations,
		ddlReminders,
		ddlAnalyses,
		ddlDailyContext,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
