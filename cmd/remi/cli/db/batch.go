package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rekal-dev/remi/cmd/remi/cli/model"
)

// SaveBatch upserts every entity in b in a single transaction and refreshes
// the full-text rows of the messages it touches. Readers never observe a
// partially written batch. Re-saving the same batch is a no-op in row count.
func SaveBatch(ctx context.Context, d *sql.DB, b *model.Batch) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return &StoreWriteError{Op: "begin", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	if err := saveBatchTx(ctx, tx, b); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &StoreWriteError{Op: "commit", Err: err}
	}
	return nil
}

func saveBatchTx(ctx context.Context, tx *sql.Tx, b *model.Batch) error {
	agents := make(map[model.Agent]bool)
	for _, s := range b.Sessions {
		agents[s.Agent] = true
	}
	for _, p := range b.Provenance {
		agents[p.Agent] = true
	}
	for a := range agents {
		if err := ensureAgent(ctx, tx, a); err != nil {
			return err
		}
	}

	for _, s := range b.Sessions {
		if err := upsertSession(ctx, tx, s); err != nil {
			return err
		}
	}
	for _, m := range b.Messages {
		if err := upsertMessage(ctx, tx, m); err != nil {
			return err
		}
	}
	for _, e := range b.Events {
		if err := upsertEvent(ctx, tx, e); err != nil {
			return err
		}
	}
	for _, a := range b.Artifacts {
		if err := upsertArtifact(ctx, tx, a); err != nil {
			return err
		}
	}
	for _, p := range b.Provenance {
		if err := upsertProvenance(ctx, tx, p); err != nil {
			return err
		}
	}
	return nil
}

func ensureAgent(ctx context.Context, tx *sql.Tx, a model.Agent) error {
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO agents (name) VALUES (?)", string(a)); err != nil {
		return &StoreWriteError{Op: "insert agent", Err: err}
	}
	return nil
}

// upsertSession never moves created_at later or updated_at earlier, so
// replaying an older batch cannot regress a session.
func upsertSession(ctx context.Context, tx *sql.Tx, s model.Session) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, agent, source_ref, title, source_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   source_ref  = excluded.source_ref,
		   title       = CASE WHEN excluded.title <> '' THEN excluded.title ELSE sessions.title END,
		   source_path = CASE WHEN excluded.source_path <> '' THEN excluded.source_path ELSE sessions.source_path END,
		   created_at  = min(sessions.created_at, excluded.created_at),
		   updated_at  = max(sessions.updated_at, excluded.updated_at)`,
		s.ID, string(s.Agent), s.SourceRef, s.Title, s.SourcePath, formatTS(s.CreatedAt), formatTS(s.UpdatedAt),
	)
	if err != nil {
		return &StoreWriteError{Op: "upsert session " + s.ID, Err: err}
	}
	return nil
}

func upsertMessage(ctx context.Context, tx *sql.Tx, m model.Message) error {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, ts, payload_ref)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   role        = excluded.role,
		   content     = excluded.content,
		   ts          = excluded.ts,
		   payload_ref = excluded.payload_ref
		 RETURNING seq`,
		m.ID, m.SessionID, m.Role, m.Content, formatTS(m.TS), m.PayloadRef,
	).Scan(&seq)
	if err != nil {
		return &StoreWriteError{Op: "upsert message " + m.ID, Err: err}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM fts_messages WHERE rowid = ?", seq); err != nil {
		return &StoreWriteError{Op: "delete fts row", Err: err}
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO fts_messages (rowid, message_id, session_id, content, ts) VALUES (?, ?, ?, ?, ?)",
		seq, m.ID, m.SessionID, m.Content, formatTS(m.TS),
	)
	if err != nil {
		return &StoreWriteError{Op: "insert fts row", Err: err}
	}
	return nil
}

func upsertEvent(ctx context.Context, tx *sql.Tx, e model.Event) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, session_id, message_id, kind, payload, ts)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   message_id = excluded.message_id,
		   kind       = excluded.kind,
		   payload    = excluded.payload,
		   ts         = excluded.ts`,
		e.ID, e.SessionID, e.MessageID, e.Kind, rawJSON(e.Payload), formatTS(e.TS),
	)
	if err != nil {
		return &StoreWriteError{Op: "upsert event " + e.ID, Err: err}
	}
	return nil
}

func upsertArtifact(ctx context.Context, tx *sql.Tx, a model.Artifact) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO artifacts (id, session_id, path, checksum, metadata)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   path     = excluded.path,
		   checksum = CASE WHEN excluded.checksum <> '' THEN excluded.checksum ELSE artifacts.checksum END,
		   metadata = excluded.metadata`,
		a.ID, a.SessionID, a.Path, a.Checksum, rawJSON(a.Metadata),
	)
	if err != nil {
		return &StoreWriteError{Op: "upsert artifact " + a.ID, Err: err}
	}
	return nil
}

func upsertProvenance(ctx context.Context, tx *sql.Tx, p model.Provenance) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO provenance (id, entity_type, entity_id, agent, source_path, source_id, source_offset, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   source_path   = excluded.source_path,
		   source_id     = excluded.source_id,
		   source_offset = excluded.source_offset,
		   note          = excluded.note`,
		p.ID, p.EntityType, p.EntityID, string(p.Agent), p.SourcePath, p.SourceID, p.Offset, p.Note,
	)
	if err != nil {
		return &StoreWriteError{Op: "upsert provenance " + p.ID, Err: err}
	}
	return nil
}

// DeleteSessions removes sessions and everything derived from them in one
// transaction: messages, events, artifacts (by cascade), their provenance,
// embeddings and full-text rows.
func DeleteSessions(ctx context.Context, d *sql.DB, ids []string) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return &StoreWriteError{Op: "begin", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range ids {
		if err := deleteSessionTx(ctx, tx, id); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return &StoreWriteError{Op: "commit", Err: err}
	}
	return nil
}

func deleteSessionTx(ctx context.Context, tx *sql.Tx, id string) error {
	stmts := []string{
		`DELETE FROM provenance WHERE entity_id = ?1
		   OR entity_id IN (SELECT id FROM messages WHERE session_id = ?1)
		   OR entity_id IN (SELECT id FROM events WHERE session_id = ?1)
		   OR entity_id IN (SELECT id FROM artifacts WHERE session_id = ?1)`,
		`DELETE FROM fts_messages WHERE rowid IN (SELECT seq FROM messages WHERE session_id = ?1)`,
		`DELETE FROM sessions WHERE id = ?1`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return &StoreWriteError{Op: fmt.Sprintf("delete session %s", id), Err: err}
		}
	}
	return nil
}
