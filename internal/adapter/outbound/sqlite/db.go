// Package sqlite provides durable store implementations backed by an
// embedded SQLite database. Selected through store.backend in config;
// the memory package provides the non-durable equivalents.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS policy_packs (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	version     TEXT NOT NULL,
	scope       TEXT NOT NULL DEFAULT '',
	rules       TEXT NOT NULL,
	created_by  TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	archived_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_policy_packs_scope
	ON policy_packs(scope, created_at);

CREATE TABLE IF NOT EXISTS decision_records (
	id           TEXT PRIMARY KEY,
	pack_id      TEXT NOT NULL DEFAULT '',
	pack_version TEXT NOT NULL DEFAULT '',
	agent_id     TEXT NOT NULL DEFAULT '',
	task_id      TEXT NOT NULL DEFAULT '',
	checkpoint   TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	reason_codes TEXT NOT NULL,
	context      TEXT,
	decided_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_records_agent
	ON decision_records(agent_id, decided_at);
`

// Open opens (creating if necessary) the database at path and applies
// the schema. The returned handle is limited to one connection; with
// WAL and a busy timeout that is enough for this write load and avoids
// SQLITE_BUSY races entirely.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}
