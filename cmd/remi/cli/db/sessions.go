package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rekal-dev/remi/cmd/remi/cli/model"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Filter narrows sessions before ranking or listing. Empty fields match
// everything.
type Filter struct {
	Agent     model.Agent
	Title     string // case-insensitive substring of the session title
	SessionID string // id prefix
	Content   string // case-insensitive substring of any message
	Since     time.Time
}

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return f.Agent == "" && f.Title == "" && f.SessionID == "" && f.Content == "" && f.Since.IsZero()
}

// sessionWhere returns SQL conditions over sessions aliased s. Content and
// Since are expressed as an EXISTS over the session's messages.
func (f Filter) sessionWhere() ([]string, []any) {
	var conds []string
	var args []any
	if f.Agent != "" {
		conds = append(conds, "s.agent = ?")
		args = append(args, string(f.Agent))
	}
	if f.Title != "" {
		conds = append(conds, `lower(s.title) LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(f.Title))
	}
	if f.SessionID != "" {
		conds = append(conds, `s.id LIKE ? ESCAPE '\'`)
		args = append(args, escapeLike(f.SessionID)+"%")
	}
	if f.Content != "" || !f.Since.IsZero() {
		sub := []string{"fm.session_id = s.id"}
		if f.Content != "" {
			sub = append(sub, `lower(fm.content) LIKE ? ESCAPE '\'`)
			args = append(args, likePattern(f.Content))
		}
		if !f.Since.IsZero() {
			sub = append(sub, "fm.ts >= ?")
			args = append(args, formatTS(f.Since))
		}
		conds = append(conds, "EXISTS (SELECT 1 FROM messages fm WHERE "+strings.Join(sub, " AND ")+")")
	}
	return conds, args
}

// messageWhere returns conditions over messages aliased m joined to
// sessions aliased s. Content and Since apply to the message itself.
func (f Filter) messageWhere() ([]string, []any) {
	session := Filter{Agent: f.Agent, Title: f.Title, SessionID: f.SessionID}
	conds, args := session.sessionWhere()
	if f.Content != "" {
		conds = append(conds, `lower(m.content) LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(f.Content))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "m.ts >= ?")
		args = append(args, formatTS(f.Since))
	}
	return conds, args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func likePattern(s string) string {
	return "%" + escapeLike(strings.ToLower(s)) + "%"
}

func joinWhere(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// SessionRow is a session with its message count.
type SessionRow struct {
	model.Session
	MessageCount int
}

const sessionCols = "s.id, s.agent, s.source_ref, s.title, s.source_path, s.created_at, s.updated_at"

func scanSession(sc interface{ Scan(...any) error }, s *model.Session) error {
	var agent, created, updated string
	if err := sc.Scan(&s.ID, &agent, &s.SourceRef, &s.Title, &s.SourcePath, &created, &updated); err != nil {
		return err
	}
	s.Agent = model.Agent(agent)
	s.CreatedAt = parseTS(created)
	s.UpdatedAt = parseTS(updated)
	return nil
}

// ListSessions returns sessions matching f, most recently updated first.
// A limit <= 0 returns all of them.
func ListSessions(ctx context.Context, d *sql.DB, f Filter, limit int) ([]SessionRow, error) {
	conds, args := f.sessionWhere()
	q := "SELECT " + sessionCols + ", (SELECT count(*) FROM messages c WHERE c.session_id = s.id) FROM sessions s" +
		joinWhere(conds) + " ORDER BY s.updated_at DESC, s.id"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := d.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var agent, created, updated string
		if err := rows.Scan(&r.ID, &agent, &r.SourceRef, &r.Title, &r.SourcePath, &created, &updated, &r.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.Agent = model.Agent(agent)
		r.CreatedAt = parseTS(created)
		r.UpdatedAt = parseTS(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetSession returns a session by exact id, or by unique id prefix.
func GetSession(ctx context.Context, d *sql.DB, id string) (*model.Session, error) {
	rows, err := d.QueryContext(ctx,
		"SELECT "+sessionCols+` FROM sessions s WHERE s.id = ? OR s.id LIKE ? ESCAPE '\' ORDER BY s.id = ? DESC LIMIT 2`,
		id, escapeLike(id)+"%", id,
	)
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var found []model.Session
	for rows.Next() {
		var s model.Session
		if err := scanSession(rows, &s); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		found = append(found, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch {
	case len(found) == 0:
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	case found[0].ID == id || len(found) == 1:
		return &found[0], nil
	default:
		return nil, fmt.Errorf("session prefix %q is ambiguous", id)
	}
}

// PageOptions controls pagination and role filtering for SessionMessagesPage.
type PageOptions struct {
	Offset int
	Limit  int
	Role   string
}

// SessionMessages returns all messages of a session in timestamp order.
func SessionMessages(ctx context.Context, d *sql.DB, sessionID string) ([]model.Message, error) {
	msgs, _, err := SessionMessagesPage(ctx, d, sessionID, PageOptions{})
	return msgs, err
}

// SessionMessagesPage returns a page of a session's messages and the total
// count matching the role filter.
func SessionMessagesPage(ctx context.Context, d *sql.DB, sessionID string, opts PageOptions) ([]model.Message, int, error) {
	where := "session_id = ?"
	args := []any{sessionID}
	if opts.Role != "" {
		where += " AND role = ?"
		args = append(args, opts.Role)
	}

	var total int
	if err := d.QueryRowContext(ctx, "SELECT count(*) FROM messages WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	q := "SELECT id, session_id, role, content, ts, payload_ref FROM messages WHERE " + where + " ORDER BY ts, id"
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
		if opts.Offset > 0 {
			q += fmt.Sprintf(" OFFSET %d", opts.Offset)
		}
	} else if opts.Offset > 0 {
		q += fmt.Sprintf(" LIMIT -1 OFFSET %d", opts.Offset)
	}

	rows, err := d.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Message
	for rows.Next() {
		var m model.Message
		var ts string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &ts, &m.PayloadRef); err != nil {
			return nil, 0, fmt.Errorf("scan message: %w", err)
		}
		m.TS = parseTS(ts)
		out = append(out, m)
	}
	return out, total, rows.Err()
}

// SessionEvents returns a session's events in timestamp order.
func SessionEvents(ctx context.Context, d *sql.DB, sessionID string) ([]model.Event, error) {
	rows, err := d.QueryContext(ctx,
		"SELECT id, session_id, message_id, kind, payload, ts FROM events WHERE session_id = ? ORDER BY ts, id",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var payload, ts string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.MessageID, &e.Kind, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = jsonOrNil(payload)
		e.TS = parseTS(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SessionArtifacts returns a session's artifacts ordered by path.
func SessionArtifacts(ctx context.Context, d *sql.DB, sessionID string) ([]model.Artifact, error) {
	rows, err := d.QueryContext(ctx,
		"SELECT id, session_id, path, checksum, metadata FROM artifacts WHERE session_id = ? ORDER BY path, id",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Artifact
	for rows.Next() {
		var a model.Artifact
		var meta string
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Path, &a.Checksum, &meta); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Metadata = jsonOrNil(meta)
		out = append(out, a)
	}
	return out, rows.Err()
}

// SessionProvenance returns provenance rows for a session and every entity
// belonging to it.
func SessionProvenance(ctx context.Context, d *sql.DB, sessionID string) ([]model.Provenance, error) {
	rows, err := d.QueryContext(ctx,
		`SELECT id, entity_type, entity_id, agent, source_path, source_id, source_offset, note
		 FROM provenance
		 WHERE entity_id = ?1
		    OR entity_id IN (SELECT id FROM messages WHERE session_id = ?1)
		    OR entity_id IN (SELECT id FROM events WHERE session_id = ?1)
		    OR entity_id IN (SELECT id FROM artifacts WHERE session_id = ?1)
		 ORDER BY source_path, source_offset, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query provenance: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Provenance
	for rows.Next() {
		var p model.Provenance
		var agent string
		if err := rows.Scan(&p.ID, &p.EntityType, &p.EntityID, &agent, &p.SourcePath, &p.SourceID, &p.Offset, &p.Note); err != nil {
			return nil, fmt.Errorf("scan provenance: %w", err)
		}
		p.Agent = model.Agent(agent)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SessionBatch collects a session and all rows that belong to it.
func SessionBatch(ctx context.Context, d *sql.DB, sessionID string) (*model.Batch, error) {
	s, err := GetSession(ctx, d, sessionID)
	if err != nil {
		return nil, err
	}
	b := &model.Batch{Sessions: []model.Session{*s}}
	if b.Messages, err = SessionMessages(ctx, d, s.ID); err != nil {
		return nil, err
	}
	if b.Events, err = SessionEvents(ctx, d, s.ID); err != nil {
		return nil, err
	}
	if b.Artifacts, err = SessionArtifacts(ctx, d, s.ID); err != nil {
		return nil, err
	}
	if b.Provenance, err = SessionProvenance(ctx, d, s.ID); err != nil {
		return nil, err
	}
	return b, nil
}

// CanonicalTables lists the tables counted by CountRows.
var CanonicalTables = []string{"agents", "sessions", "messages", "events", "artifacts", "provenance"}

// CountRows returns the row count of every canonical table.
func CountRows(ctx context.Context, d *sql.DB) (map[string]int, error) {
	out := make(map[string]int, len(CanonicalTables))
	for _, t := range CanonicalTables {
		var n int
		if err := d.QueryRowContext(ctx, "SELECT count(*) FROM "+t).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", t, err)
		}
		out[t] = n
	}
	return out, nil
}

// SessionsByID returns the sessions with the given ids. Unknown ids are
// absent from the result.
func SessionsByID(ctx context.Context, d *sql.DB, ids []string) (map[string]model.Session, error) {
	out := make(map[string]model.Session, len(ids))
	err := inChunks(ids, func(part []string, args []any) error {
		rows, err := d.QueryContext(ctx, "SELECT "+sessionCols+" FROM sessions s WHERE s.id IN ("+placeholders(len(part))+")", args...)
		if err != nil {
			return fmt.Errorf("query sessions: %w", err)
		}
		defer rows.Close() //nolint:errcheck
		for rows.Next() {
			var s model.Session
			if err := scanSession(rows, &s); err != nil {
				return fmt.Errorf("scan session: %w", err)
			}
			out[s.ID] = s
		}
		return rows.Err()
	})
	return out, err
}

// MessagesByID returns the messages with the given ids.
func MessagesByID(ctx context.Context, d *sql.DB, ids []string) (map[string]model.Message, error) {
	out := make(map[string]model.Message, len(ids))
	err := inChunks(ids, func(part []string, args []any) error {
		rows, err := d.QueryContext(ctx,
			"SELECT id, session_id, role, content, ts, payload_ref FROM messages WHERE id IN ("+placeholders(len(part))+")", args...)
		if err != nil {
			return fmt.Errorf("query messages: %w", err)
		}
		defer rows.Close() //nolint:errcheck
		for rows.Next() {
			var m model.Message
			var ts string
			if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &ts, &m.PayloadRef); err != nil {
				return fmt.Errorf("scan message: %w", err)
			}
			m.TS = parseTS(ts)
			out[m.ID] = m
		}
		return rows.Err()
	})
	return out, err
}

const chunkSize = 500

// inChunks calls fn for consecutive slices of ids small enough to bind as
// query parameters.
func inChunks(ids []string, fn func(part []string, args []any) error) error {
	for start := 0; start < len(ids); start += chunkSize {
		part := ids[start:min(start+chunkSize, len(ids))]
		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}
		if err := fn(part, args); err != nil {
			return err
		}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
