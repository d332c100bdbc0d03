package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rekal-dev/remi/cmd/remi/cli/versioncheck"
)

// InitSchema creates all tables if they do not exist and stamps the schema
// version. Canonical tables are the source of truth; fts_messages and
// embeddings are derived and can be rebuilt from them at any time.
func InitSchema(d *sql.DB) error {
	if _, err := d.Exec(schemaDDL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := d.Exec(ftsDDL); err != nil {
		return fmt.Errorf("create fts index: %w", err)
	}
	if err := migrateMessageSeq(d); err != nil {
		return err
	}

	found, err := SchemaVersion(d)
	if err != nil {
		return err
	}
	if found != "" {
		if err := versioncheck.Compatible(found, versioncheck.SchemaVersion); err != nil {
			return fmt.Errorf("check schema version: %w", err)
		}
		if !versioncheck.IsOutdated(found, versioncheck.SchemaVersion) {
			return nil
		}
	}
	_, err = d.Exec(
		`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		versioncheck.SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

// migrateMessageSeq rebuilds a messages table that predates the seq column,
// carrying each row's rowid over as its seq, then rebuilds the full-text
// index against the new keys.
func migrateMessageSeq(d *sql.DB) error {
	var n int
	err := d.QueryRow("SELECT count(*) FROM pragma_table_info('messages') WHERE name = 'seq'").Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect messages table: %w", err)
	}
	if n > 0 {
		return nil
	}

	ctx := context.Background()
	conn, err := d.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migrate messages: %w", err)
	}
	defer conn.Close() //nolint:errcheck
	// The table swap would otherwise trip the embeddings foreign key.
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("migrate messages: %w", err)
	}
	defer conn.ExecContext(ctx, "PRAGMA foreign_keys = ON") //nolint:errcheck

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return &StoreWriteError{Op: "begin", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck
	for _, q := range []string{
		"CREATE TABLE messages_new " + messagesColumns,
		`INSERT INTO messages_new (seq, id, session_id, role, content, ts, payload_ref)
		 SELECT rowid, id, session_id, role, content, ts, payload_ref FROM messages`,
		"DROP TABLE messages",
		"ALTER TABLE messages_new RENAME TO messages",
		"CREATE INDEX IF NOT EXISTS idx_messages_session_ts ON messages(session_id, ts)",
	} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return &StoreWriteError{Op: "migrate messages", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &StoreWriteError{Op: "commit", Err: err}
	}
	if _, err := RebuildFTS(ctx, d); err != nil {
		return err
	}
	return nil
}

// SchemaVersion returns the stamped schema version, or "" for a fresh store.
func SchemaVersion(d *sql.DB) (string, error) {
	var v string
	err := d.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// IsInitialized reports whether the schema has been created.
func IsInitialized(ctx context.Context, d *sql.DB) bool {
	var n int
	err := d.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'sessions'",
	).Scan(&n)
	return err == nil && n == 1
}

// messagesColumns gives messages an explicit integer key. VACUUM keeps it,
// so the full-text index can be keyed on it.
const messagesColumns = `(
	seq         INTEGER PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	ts          TEXT NOT NULL,
	payload_ref TEXT NOT NULL DEFAULT ''
)`

const schemaDDL = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	name TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	agent       TEXT NOT NULL REFERENCES agents(name),
	source_ref  TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	source_path TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_agent_updated ON sessions(agent, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages ` + messagesColumns + `;
CREATE INDEX IF NOT EXISTS idx_messages_session_ts ON messages(session_id, ts);

CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	message_id TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '',
	ts         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, ts);

CREATE TABLE IF NOT EXISTS artifacts (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	path       TEXT NOT NULL,
	checksum   TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id);

CREATE TABLE IF NOT EXISTS provenance (
	id            TEXT PRIMARY KEY,
	entity_type   TEXT NOT NULL,
	entity_id     TEXT NOT NULL,
	agent         TEXT NOT NULL REFERENCES agents(name),
	source_path   TEXT NOT NULL,
	source_id     TEXT NOT NULL,
	source_offset INTEGER NOT NULL DEFAULT 0,
	note          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_provenance_entity ON provenance(entity_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	agent      TEXT PRIMARY KEY REFERENCES agents(name),
	cursor     TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS archive_runs (
	id              TEXT PRIMARY KEY,
	created_at      TEXT NOT NULL,
	older_than_secs INTEGER NOT NULL,
	keep_latest     INTEGER NOT NULL,
	cutoff          TEXT NOT NULL,
	state           TEXT NOT NULL,
	bundle_path     TEXT NOT NULL DEFAULT '',
	manifest_path   TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS archive_items (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES archive_runs(id) ON DELETE CASCADE,
	session_id  TEXT NOT NULL,
	agent       TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	source_path TEXT NOT NULL DEFAULT '',
	disposition TEXT NOT NULL DEFAULT 'planned'
);
CREATE INDEX IF NOT EXISTS idx_archive_items_run ON archive_items(run_id);

CREATE TABLE IF NOT EXISTS embeddings (
	message_id TEXT PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
	session_id TEXT NOT NULL,
	model      TEXT NOT NULL,
	dim        INTEGER NOT NULL,
	vector     BLOB NOT NULL
);
`

// fts_messages rowids equal messages.seq so a message's index row can be
// replaced without scanning the UNINDEXED columns.
const ftsDDL = `
CREATE VIRTUAL TABLE IF NOT EXISTS fts_messages USING fts5(
	message_id UNINDEXED,
	session_id UNINDEXED,
	content,
	ts UNINDEXED,
	tokenize = "unicode61 tokenchars '_./:-'"
);
`
