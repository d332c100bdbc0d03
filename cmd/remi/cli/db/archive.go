package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rekal-dev/remi/cmd/remi/cli/model"
)

// ArchiveRunRow is a persisted archive run. State is owned by the archive
// package; the store only records it.
type ArchiveRunRow struct {
	ID           string
	CreatedAt    time.Time
	OlderThan    time.Duration
	KeepLatest   int
	Cutoff       time.Time
	State        string
	BundlePath   string
	ManifestPath string
	Error        string
	UpdatedAt    time.Time
}

// ArchiveItemRow is one session selected by a run.
type ArchiveItemRow struct {
	ID          string
	RunID       string
	SessionID   string
	Agent       model.Agent
	UpdatedAt   time.Time
	SourcePath  string
	Disposition string
}

// CandidateRow is a session considered for archival.
type CandidateRow struct {
	SessionID  string
	Agent      model.Agent
	UpdatedAt  time.Time
	SourcePath string
}

// ArchiveCandidates returns every session grouped by agent, most recently
// updated first within an agent.
func ArchiveCandidates(ctx context.Context, d *sql.DB) ([]CandidateRow, error) {
	rows, err := d.QueryContext(ctx,
		"SELECT id, agent, updated_at, source_path FROM sessions ORDER BY agent, updated_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("query archive candidates: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []CandidateRow
	for rows.Next() {
		var c CandidateRow
		var agent, updated string
		if err := rows.Scan(&c.SessionID, &agent, &updated, &c.SourcePath); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.Agent = model.Agent(agent)
		c.UpdatedAt = parseTS(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertArchiveRun persists a run and its items atomically.
func InsertArchiveRun(ctx context.Context, d *sql.DB, run ArchiveRunRow, items []ArchiveItemRow) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return &StoreWriteError{Op: "begin", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO archive_runs (id, created_at, older_than_secs, keep_latest, cutoff, state, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, formatTS(run.CreatedAt), int64(run.OlderThan/time.Second), run.KeepLatest,
		formatTS(run.Cutoff), run.State, formatTS(run.CreatedAt),
	)
	if err != nil {
		return &StoreWriteError{Op: "insert archive run", Err: err}
	}
	for _, it := range items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO archive_items (id, run_id, session_id, agent, updated_at, source_path, disposition)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			it.ID, run.ID, it.SessionID, string(it.Agent), formatTS(it.UpdatedAt), it.SourcePath, it.Disposition,
		)
		if err != nil {
			return &StoreWriteError{Op: "insert archive item", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &StoreWriteError{Op: "commit", Err: err}
	}
	return nil
}

const archiveRunCols = "id, created_at, older_than_secs, keep_latest, cutoff, state, bundle_path, manifest_path, error, updated_at"

func scanArchiveRun(sc interface{ Scan(...any) error }) (*ArchiveRunRow, error) {
	var r ArchiveRunRow
	var created, cutoff, updated string
	var secs int64
	if err := sc.Scan(&r.ID, &created, &secs, &r.KeepLatest, &cutoff, &r.State, &r.BundlePath, &r.ManifestPath, &r.Error, &updated); err != nil {
		return nil, err
	}
	r.CreatedAt = parseTS(created)
	r.OlderThan = time.Duration(secs) * time.Second
	r.Cutoff = parseTS(cutoff)
	r.UpdatedAt = parseTS(updated)
	return &r, nil
}

// GetArchiveRun returns a run by id.
func GetArchiveRun(ctx context.Context, d *sql.DB, id string) (*ArchiveRunRow, error) {
	row := d.QueryRowContext(ctx, "SELECT "+archiveRunCols+" FROM archive_runs WHERE id = ?", id)
	r, err := scanArchiveRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("archive run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get archive run: %w", err)
	}
	return r, nil
}

// ListArchiveRuns returns all runs, newest first.
func ListArchiveRuns(ctx context.Context, d *sql.DB) ([]ArchiveRunRow, error) {
	rows, err := d.QueryContext(ctx, "SELECT "+archiveRunCols+" FROM archive_runs ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("query archive runs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []ArchiveRunRow
	for rows.Next() {
		r, err := scanArchiveRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archive run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ArchiveItems returns a run's items ordered by agent then recency.
func ArchiveItems(ctx context.Context, d *sql.DB, runID string) ([]ArchiveItemRow, error) {
	rows, err := d.QueryContext(ctx,
		`SELECT id, run_id, session_id, agent, updated_at, source_path, disposition
		 FROM archive_items WHERE run_id = ? ORDER BY agent, updated_at DESC, session_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query archive items: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []ArchiveItemRow
	for rows.Next() {
		var it ArchiveItemRow
		var agent, updated string
		if err := rows.Scan(&it.ID, &it.RunID, &it.SessionID, &agent, &updated, &it.SourcePath, &it.Disposition); err != nil {
			return nil, fmt.Errorf("scan archive item: %w", err)
		}
		it.Agent = model.Agent(agent)
		it.UpdatedAt = parseTS(updated)
		out = append(out, it)
	}
	return out, rows.Err()
}

// UpdateArchiveRun records a run's new state and artifacts.
func UpdateArchiveRun(ctx context.Context, d *sql.DB, id, state, bundlePath, manifestPath, errMsg string) error {
	_, err := d.ExecContext(ctx,
		`UPDATE archive_runs SET state = ?, bundle_path = ?, manifest_path = ?, error = ?, updated_at = ?
		 WHERE id = ?`,
		state, bundlePath, manifestPath, errMsg, formatTS(time.Now()), id,
	)
	if err != nil {
		return &StoreWriteError{Op: "update archive run", Err: err}
	}
	return nil
}

// SetItemDispositions updates the disposition of every item of a run.
func SetItemDispositions(ctx context.Context, d *sql.DB, runID, disposition string) error {
	_, err := d.ExecContext(ctx, "UPDATE archive_items SET disposition = ? WHERE run_id = ?", disposition, runID)
	if err != nil {
		return &StoreWriteError{Op: "update archive items", Err: err}
	}
	return nil
}
