package storage

import (
	"context"
	"fmt"
)

// schemaSQL is idempotent; Migrate may run on every deploy.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS signals (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    description       TEXT NOT NULL DEFAULT '',
    definition        JSONB NOT NULL,
    webhook_url       TEXT NOT NULL,
    cooldown_minutes  INTEGER NOT NULL DEFAULT 5,
    is_active         BOOLEAN NOT NULL DEFAULT TRUE,
    last_triggered_at TIMESTAMPTZ,
    last_evaluated_at TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS signals_active_idx ON signals (is_active) WHERE is_active;

CREATE TABLE IF NOT EXISTS notification_log (
    id             BIGSERIAL PRIMARY KEY,
    signal_id      TEXT NOT NULL REFERENCES signals (id) ON DELETE CASCADE,
    triggered_at   TIMESTAMPTZ NOT NULL,
    payload        JSONB NOT NULL,
    webhook_status INTEGER,
    duration_ms    BIGINT NOT NULL DEFAULT 0,
    error          TEXT,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS notification_log_signal_idx ON notification_log (signal_id, triggered_at DESC);
CREATE INDEX IF NOT EXISTS notification_log_triggered_idx ON notification_log (triggered_at);

CREATE TABLE IF NOT EXISTS signal_tasks (
    id            UUID PRIMARY KEY,
    signal_id     TEXT NOT NULL,
    attempt       INTEGER NOT NULL DEFAULT 0,
    enqueued_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    available_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    leased_until  TIMESTAMPTZ,
    last_error    TEXT
);

CREATE INDEX IF NOT EXISTS signal_tasks_signal_idx ON signal_tasks (signal_id);
CREATE INDEX IF NOT EXISTS signal_tasks_available_idx ON signal_tasks (available_at);
`

// Migrate creates the tables the service needs.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
