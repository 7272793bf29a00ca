package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Migration struct {
	Version int
	UpSQL   string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS threads (
	thread_id TEXT PRIMARY KEY,
	counterpart_name TEXT NOT NULL,
	platform TEXT NOT NULL CHECK(platform IN ('short_video','photo_feed','long_video')),
	deliverable TEXT NOT NULL,
	campaign_id TEXT,
	round INTEGER NOT NULL DEFAULT 0 CHECK(round >= 0),
	state TEXT NOT NULL CHECK(state IN ('awaiting_reply','counter_received','counter_sent','escalated','agreed','rejected','stalled')),
	engagement_rate REAL NOT NULL DEFAULT 0,
	reach_samples TEXT NOT NULL DEFAULT '[]',
	last_counter TEXT,
	last_reply_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id TEXT NOT NULL,
	from_state TEXT NOT NULL,
	trigger_name TEXT NOT NULL,
	to_state TEXT NOT NULL,
	at TEXT NOT NULL,
	FOREIGN KEY(thread_id) REFERENCES threads(thread_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS transitions_thread ON transitions(thread_id, id);

CREATE TABLE IF NOT EXISTS campaigns (
	campaign_id TEXT PRIMARY KEY,
	floor_cpm TEXT NOT NULL,
	ceiling_cpm TEXT NOT NULL,
	expected_count INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS closed_deals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	campaign_id TEXT NOT NULL,
	price_cpm TEXT NOT NULL,
	engagement REAL NOT NULL,
	closed_at TEXT NOT NULL,
	FOREIGN KEY(campaign_id) REFERENCES campaigns(campaign_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS closed_deals_campaign ON closed_deals(campaign_id, id);

CREATE TABLE IF NOT EXISTS escalations (
	escalation_id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	campaign_id TEXT,
	counterpart TEXT NOT NULL,
	reason_code TEXT NOT NULL,
	draft TEXT NOT NULL DEFAULT '',
	failures TEXT NOT NULL DEFAULT '[]',
	proposed_cpm TEXT,
	floor_cpm TEXT,
	ceiling_cpm TEXT,
	price TEXT,
	created_at TEXT NOT NULL,
	resolved_at TEXT,
	resolution TEXT NOT NULL DEFAULT '',
	FOREIGN KEY(thread_id) REFERENCES threads(thread_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS escalations_open ON escalations(thread_id) WHERE resolved_at IS NULL;

CREATE TABLE IF NOT EXISTS audit_events (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	thread_id TEXT NOT NULL,
	campaign_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	recorded_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS audit_events_thread ON audit_events(thread_id, recorded_at);
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if exists > 0 {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`, m.Version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
