package store

import (
	"context"
	"fmt"
	"strings"
)

// Timestamps are stored as RFC 3339 TEXT on both drivers so that the rows
// read back identically and sort lexically.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS evidence (
		id TEXT PRIMARY KEY,
		source_url TEXT NOT NULL,
		content_type TEXT NOT NULL,
		raw_content {{blob}} NOT NULL,
		content_hash TEXT NOT NULL,
		blob_ref TEXT NOT NULL DEFAULT '',
		fetched_at TEXT NOT NULL,
		UNIQUE (source_url, content_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS source_pointers (
		id TEXT PRIMARY KEY,
		evidence_id TEXT NOT NULL,
		domain TEXT NOT NULL,
		value_type TEXT NOT NULL,
		extracted_value TEXT NOT NULL,
		display_value TEXT NOT NULL DEFAULT '',
		exact_quote TEXT NOT NULL,
		confidence REAL NOT NULL,
		shape TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_source_pointers_evidence ON source_pointers (evidence_id)`,
	`CREATE TABLE IF NOT EXISTS extraction_rejections (
		id TEXT PRIMARY KEY,
		evidence_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		candidate TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		concept_slug TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		applies_when TEXT NOT NULL,
		value TEXT NOT NULL,
		value_type TEXT NOT NULL,
		risk_tier TEXT NOT NULL,
		authority_level TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		effective_from TEXT NOT NULL,
		effective_until TEXT,
		status TEXT NOT NULL,
		approved_by TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL,
		pointer_ids TEXT NOT NULL DEFAULT '[]',
		depends_on TEXT NOT NULL DEFAULT '[]',
		overrides TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_concept ON rules (concept_slug)`,
	`CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		conflict_type TEXT NOT NULL,
		status TEXT NOT NULL,
		concept_slug TEXT NOT NULL DEFAULT '',
		item_ids TEXT NOT NULL DEFAULT '[]',
		description TEXT NOT NULL DEFAULT '',
		resolution TEXT,
		resolved_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS graph_edges (
		from_rule_id TEXT NOT NULL,
		to_rule_id TEXT NOT NULL,
		relation TEXT NOT NULL,
		namespace TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (from_rule_id, to_rule_id, relation)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_graph_edges_to ON graph_edges (to_rule_id, relation)`,
	`CREATE TABLE IF NOT EXISTS releases (
		id TEXT PRIMARY KEY,
		version TEXT NOT NULL UNIQUE,
		content_hash TEXT NOT NULL,
		rule_ids TEXT NOT NULL DEFAULT '[]',
		signature TEXT NOT NULL DEFAULT '',
		released_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS content_sync_events (
		event_id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		concept_id TEXT NOT NULL,
		change_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		source_pointer_ids TEXT NOT NULL DEFAULT '[]',
		signature TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS discovery_records (
		id TEXT PRIMARY KEY,
		endpoint_id TEXT NOT NULL,
		url TEXT NOT NULL,
		discovered_at TEXT NOT NULL,
		UNIQUE (endpoint_id, url)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_entries (
		sequence BIGINT PRIMARY KEY,
		entry_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		type TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT NOT NULL,
		payload TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	)`,
}

// Migrate creates all tables. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	blob := "BLOB"
	if s.driver == DriverPostgres {
		blob = "BYTEA"
	}
	for i, m := range migrations {
		stmt := strings.ReplaceAll(m, "{{blob}}", blob)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
