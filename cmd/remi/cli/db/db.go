package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the store file inside the data directory.
const FileName = "remi.db"

// tsLayout is fixed width so that timestamps order correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Path returns the store path for a data directory.
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

// Open opens (or creates) the store at path with WAL journaling, so searches
// can read the last committed state while a sync is writing.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)"
	d, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := d.Ping(); err != nil {
		d.Close()
		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}
	return d, nil
}

// StoreWriteError is a failed write transaction. The whole batch was rolled
// back; retrying is safe because every row is keyed by a derived id.
type StoreWriteError struct {
	Op  string
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store write %s: %v", e.Op, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// IntegrityError reports structural corruption found by IntegrityCheck.
type IntegrityError struct {
	Details []string
}

func (e *IntegrityError) Error() string {
	return "integrity check failed: " + strings.Join(e.Details, "; ")
}

func formatTS(t time.Time) string {
	if t.IsZero() {
		return time.Unix(0, 0).UTC().Format(tsLayout)
	}
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

// rawJSON stores an empty payload as '' rather than 'null'.
func rawJSON(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return string(b)
}

func jsonOrNil(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

// Query runs a read-only SELECT and returns column names and rows with
// []byte values converted to strings. The statement runs on a connection
// with query_only set, so writes hidden behind a CTE or a second statement
// fail instead of modifying the store.
func Query(ctx context.Context, d *sql.DB, query string) ([]string, []map[string]any, error) {
	normalized := strings.TrimSpace(strings.ToUpper(query))
	if !strings.HasPrefix(normalized, "SELECT") && !strings.HasPrefix(normalized, "WITH") {
		return nil, nil, fmt.Errorf("only SELECT statements are allowed")
	}

	conn, err := d.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("query: %w", err)
	}
	defer conn.Close() //nolint:errcheck
	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		return nil, nil, fmt.Errorf("query: %w", err)
	}
	defer conn.ExecContext(context.Background(), "PRAGMA query_only = OFF") //nolint:errcheck

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return cols, out, rows.Err()
}
