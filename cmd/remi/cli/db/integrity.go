package db

import (
	"context"
	"database/sql"
	"fmt"
)

// IntegrityReport is the outcome of IntegrityCheck.
type IntegrityReport struct {
	Problems    []string // structural corruption; never repaired automatically
	FTSMissing  int      // messages without an index row
	FTSOrphaned int      // index rows without a message
}

// OK reports whether no structural problems were found. Index drift is not a
// structural problem: the index is derived and is rebuilt instead.
func (r *IntegrityReport) OK() bool { return len(r.Problems) == 0 }

// FTSDrifted reports whether the full-text index disagrees with messages.
func (r *IntegrityReport) FTSDrifted() bool { return r.FTSMissing > 0 || r.FTSOrphaned > 0 }

// Err returns an *IntegrityError when problems were found.
func (r *IntegrityReport) Err() error {
	if r.OK() {
		return nil
	}
	return &IntegrityError{Details: r.Problems}
}

// IntegrityCheck runs SQLite's integrity and foreign key checks plus the
// FTS5 internal consistency check, and measures index drift. It only reads.
func IntegrityCheck(ctx context.Context, d *sql.DB) (*IntegrityReport, error) {
	r := &IntegrityReport{}

	rows, err := d.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return nil, fmt.Errorf("integrity check: %w", err)
	}
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan integrity check: %w", err)
		}
		if line != "ok" {
			r.Problems = append(r.Problems, line)
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("integrity check: %w", err)
	}

	fkRows, err := d.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return nil, fmt.Errorf("foreign key check: %w", err)
	}
	for fkRows.Next() {
		var table, parent string
		var rowid sql.NullInt64
		var fkid int
		if err := fkRows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			fkRows.Close()
			return nil, fmt.Errorf("scan foreign key check: %w", err)
		}
		r.Problems = append(r.Problems, fmt.Sprintf("%s row %d references missing %s", table, rowid.Int64, parent))
	}
	err = fkRows.Err()
	fkRows.Close()
	if err != nil {
		return nil, fmt.Errorf("foreign key check: %w", err)
	}

	// FTS5 reports corruption of its shadow tables as an error from this
	// special insert; it does not modify the index.
	if _, err := d.ExecContext(ctx, "INSERT INTO fts_messages (fts_messages) VALUES ('integrity-check')"); err != nil {
		r.Problems = append(r.Problems, "fts_messages: "+err.Error())
	}

	r.FTSMissing, r.FTSOrphaned, err = FTSDrift(ctx, d)
	if err != nil {
		return nil, err
	}
	return r, nil
}
