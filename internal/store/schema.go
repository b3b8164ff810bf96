package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS gateway_configs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		provider TEXT NOT NULL,
		api_key TEXT NOT NULL,
		api_secret TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		sender_id TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL DEFAULT '',
		sandbox BOOLEAN NOT NULL DEFAULT FALSE,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS gateway_configs_single_default ON gateway_configs (is_default) WHERE is_default`,
	`CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		template TEXT NOT NULL,
		personalized BOOLEAN NOT NULL DEFAULT FALSE,
		audience_type TEXT NOT NULL,
		audience_selector TEXT NOT NULL DEFAULT '',
		audience_contact_ids TEXT[] NOT NULL DEFAULT '{}',
		gateway_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		send_immediately BOOLEAN NOT NULL DEFAULT TRUE,
		scheduled_at TIMESTAMPTZ,
		total_recipients INTEGER NOT NULL DEFAULT 0,
		sent_count INTEGER NOT NULL DEFAULT 0,
		failed_count INTEGER NOT NULL DEFAULT 0,
		delivered_count INTEGER NOT NULL DEFAULT 0,
		pending_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		dispatch_owner TEXT,
		lease_until TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK (sent_count + failed_count <= total_recipients)
	)`,
	`ALTER TABLE campaigns ADD COLUMN IF NOT EXISTS dispatch_owner TEXT`,
	`ALTER TABLE campaigns ADD COLUMN IF NOT EXISTS lease_until TIMESTAMPTZ`,
	`CREATE INDEX IF NOT EXISTS campaigns_due ON campaigns (scheduled_at) WHERE status = 'scheduled'`,
	`CREATE TABLE IF NOT EXISTS campaign_recipients (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
		phone TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		admission_number TEXT NOT NULL DEFAULT '',
		staff_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		sent_at TIMESTAMPTZ,
		delivered_at TIMESTAMPTZ,
		last_error TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		gateway_message_id TEXT NOT NULL DEFAULT '',
		cost TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		seq BIGSERIAL,
		UNIQUE (campaign_id, phone)
	)`,
	`CREATE INDEX IF NOT EXISTS campaign_recipients_pending ON campaign_recipients (campaign_id, seq) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS suppressions (
		id TEXT PRIMARY KEY,
		phone TEXT NOT NULL UNIQUE,
		reason TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT 'other',
		admission_number TEXT NOT NULL DEFAULT '',
		staff_id TEXT NOT NULL DEFAULT '',
		department_id TEXT NOT NULL DEFAULT '',
		opt_in BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS contacts_department ON contacts (department_id)`,
	`CREATE TABLE IF NOT EXISTS club_members (
		club_id TEXT NOT NULL,
		contact_id TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
		PRIMARY KEY (club_id, contact_id)
	)`,
}

// Migrate creates the schema if it does not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for i, stmt := range schema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return tx.Commit(ctx)
}
