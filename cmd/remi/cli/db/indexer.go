package db

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// MessageHit is a message matched by a lexical or substring search.
type MessageHit struct {
	MessageID string
	SessionID string
	Role      string
	Content   string
	TS        time.Time
	Score     float64 // higher is better; 0 for substring hits
}

// SearchLexical runs a sanitized FTS5 match expression and returns message
// hits ordered by BM25 relevance. bm25() is lower-is-better, so Score is its
// negation. Filters are applied inside the query, before ranking.
func SearchLexical(ctx context.Context, d *sql.DB, match string, f Filter, limit int) ([]MessageHit, error) {
	if strings.TrimSpace(match) == "" {
		return nil, nil
	}
	conds, args := f.messageWhere()
	conds = append([]string{"fts_messages MATCH ?"}, conds...)
	args = append([]any{match}, args...)
	args = append(args, limit)

	q := `SELECT m.id, m.session_id, m.role, m.content, m.ts, -bm25(fts_messages) AS score
		FROM fts_messages
		JOIN messages m ON m.seq = fts_messages.rowid
		JOIN sessions s ON s.id = m.session_id` +
		joinWhere(conds) +
		` ORDER BY score DESC, m.ts DESC, m.id LIMIT ?`

	rows, err := d.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return scanHits(rows, true)
}

// SearchSubstring matches messages whose content contains query
// case-insensitively, newest first. It catches phrases and short tokens the
// tokenizer cannot match.
func SearchSubstring(ctx context.Context, d *sql.DB, query string, f Filter, limit int) ([]MessageHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	conds, args := f.messageWhere()
	conds = append([]string{`lower(m.content) LIKE ? ESCAPE '\'`}, conds...)
	args = append([]any{likePattern(query)}, args...)
	args = append(args, limit)

	q := `SELECT m.id, m.session_id, m.role, m.content, m.ts
		FROM messages m
		JOIN sessions s ON s.id = m.session_id` +
		joinWhere(conds) +
		` ORDER BY m.ts DESC, m.id LIMIT ?`

	rows, err := d.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("substring search: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return scanHits(rows, false)
}

func scanHits(rows *sql.Rows, withScore bool) ([]MessageHit, error) {
	var hits []MessageHit
	for rows.Next() {
		var h MessageHit
		var ts string
		dest := []any{&h.MessageID, &h.SessionID, &h.Role, &h.Content, &ts}
		if withScore {
			dest = append(dest, &h.Score)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		h.TS = parseTS(ts)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SessionActivity returns the latest activity time of every session in ids
// that passes f. Sessions rejected by the filter are absent from the result.
func SessionActivity(ctx context.Context, d *sql.DB, f Filter, ids []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(ids))
	err := inChunks(ids, func(part []string, idArgs []any) error {
		conds, args := f.sessionWhere()
		conds = append(conds, "s.id IN ("+placeholders(len(part))+")")
		args = append(args, idArgs...)
		q := `SELECT s.id, max(s.updated_at, COALESCE((SELECT max(m.ts) FROM messages m WHERE m.session_id = s.id), s.updated_at))
			FROM sessions s` + joinWhere(conds)

		rows, err := d.QueryContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("session activity: %w", err)
		}
		defer rows.Close() //nolint:errcheck
		for rows.Next() {
			var id, ts string
			if err := rows.Scan(&id, &ts); err != nil {
				return fmt.Errorf("scan activity: %w", err)
			}
			out[id] = parseTS(ts)
		}
		return rows.Err()
	})
	return out, err
}

// RebuildFTS drops and repopulates the full-text index from the messages
// table in one transaction.
func RebuildFTS(ctx context.Context, d *sql.DB) (int, error) {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return 0, &StoreWriteError{Op: "begin", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM fts_messages"); err != nil {
		return 0, &StoreWriteError{Op: "clear fts", Err: err}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO fts_messages (rowid, message_id, session_id, content, ts)
		 SELECT seq, id, session_id, content, ts FROM messages`)
	if err != nil {
		return 0, &StoreWriteError{Op: "populate fts", Err: err}
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO fts_messages (fts_messages) VALUES ('optimize')"); err != nil {
		return 0, &StoreWriteError{Op: "optimize fts", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, &StoreWriteError{Op: "commit", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// FTSDrift counts messages without a matching index row and index rows
// without a matching message. A row matches when both its key and message id
// agree. Any drift means the index should be rebuilt.
func FTSDrift(ctx context.Context, d *sql.DB) (missing, orphaned int, err error) {
	err = d.QueryRowContext(ctx,
		`SELECT count(*) FROM messages m WHERE NOT EXISTS (SELECT 1 FROM fts_messages f WHERE f.rowid = m.seq AND f.message_id = m.id)`,
	).Scan(&missing)
	if err != nil {
		return 0, 0, fmt.Errorf("count unindexed messages: %w", err)
	}
	err = d.QueryRowContext(ctx,
		`SELECT count(*) FROM fts_messages f WHERE NOT EXISTS (SELECT 1 FROM messages m WHERE m.seq = f.rowid AND m.id = f.message_id)`,
	).Scan(&orphaned)
	if err != nil {
		return 0, 0, fmt.Errorf("count orphaned index rows: %w", err)
	}
	return missing, orphaned, nil
}

// MessageText is the id and content of a message, used to build embeddings.
type MessageText struct {
	ID        string
	SessionID string
	Content   string
}

// AllMessageText streams the content of every message, in id order.
func AllMessageText(ctx context.Context, d *sql.DB) ([]MessageText, error) {
	rows, err := d.QueryContext(ctx, "SELECT id, session_id, content FROM messages ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query message text: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []MessageText
	for rows.Next() {
		var m MessageText
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Content); err != nil {
			return nil, fmt.Errorf("scan message text: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Vector is a stored embedding.
type Vector struct {
	MessageID string
	SessionID string
	Values    []float64
}

// StoreEmbeddings upserts vectors for the given model in one transaction.
func StoreEmbeddings(ctx context.Context, d *sql.DB, model string, vecs []Vector) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return &StoreWriteError{Op: "begin", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	for _, v := range vecs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO embeddings (message_id, session_id, model, dim, vector) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(message_id) DO UPDATE SET
			   session_id = excluded.session_id, model = excluded.model,
			   dim = excluded.dim, vector = excluded.vector`,
			v.MessageID, v.SessionID, model, len(v.Values), encodeVector(v.Values),
		)
		if err != nil {
			return &StoreWriteError{Op: "store embedding " + v.MessageID, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &StoreWriteError{Op: "commit", Err: err}
	}
	return nil
}

// LoadEmbeddings returns every stored vector for model.
func LoadEmbeddings(ctx context.Context, d *sql.DB, model string) ([]Vector, error) {
	rows, err := d.QueryContext(ctx,
		"SELECT message_id, session_id, vector FROM embeddings WHERE model = ? ORDER BY message_id", model)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Vector
	for rows.Next() {
		var v Vector
		var blob []byte
		if err := rows.Scan(&v.MessageID, &v.SessionID, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		v.Values = decodeVector(blob)
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteEmbeddings removes all vectors.
func DeleteEmbeddings(ctx context.Context, d *sql.DB) error {
	if _, err := d.ExecContext(ctx, "DELETE FROM embeddings"); err != nil {
		return &StoreWriteError{Op: "delete embeddings", Err: err}
	}
	return nil
}

func encodeVector(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float64 {
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v
}
