package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rekal-dev/remi/cmd/remi/cli/model"
)

// CheckpointRow is one agent's ingestion watermark.
type CheckpointRow struct {
	Agent     model.Agent
	Cursor    model.Cursor
	UpdatedAt time.Time
}

// GetCheckpoint returns the stored cursor for agent, or the zero cursor if
// the agent has never been synced.
func GetCheckpoint(ctx context.Context, d *sql.DB, agent model.Agent) (model.Cursor, error) {
	var raw string
	err := d.QueryRowContext(ctx, "SELECT cursor FROM checkpoints WHERE agent = ?", string(agent)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Cursor{}, nil
	}
	if err != nil {
		return model.Cursor{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return model.ParseCursor(raw)
}

// AdvanceCheckpoint moves agent's cursor to cur if cur is strictly ahead of
// the stored one. It returns false without writing when cur would move the
// cursor backwards or leave it unchanged.
func AdvanceCheckpoint(ctx context.Context, d *sql.DB, agent model.Agent, cur model.Cursor) (bool, error) {
	if cur.IsZero() {
		return false, nil
	}
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return false, &StoreWriteError{Op: "begin", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	var raw string
	err = tx.QueryRowContext(ctx, "SELECT cursor FROM checkpoints WHERE agent = ?", string(agent)).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("get checkpoint: %w", err)
	}
	prev, err := model.ParseCursor(raw)
	if err != nil {
		return false, err
	}
	if !prev.IsZero() && !prev.Less(cur) {
		return false, nil
	}

	if err := ensureAgent(ctx, tx, agent); err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (agent, cursor, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(agent) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		string(agent), cur.Encode(), formatTS(time.Now()),
	)
	if err != nil {
		return false, &StoreWriteError{Op: "upsert checkpoint", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return false, &StoreWriteError{Op: "commit", Err: err}
	}
	return true, nil
}

// ListCheckpoints returns every agent's watermark ordered by agent.
func ListCheckpoints(ctx context.Context, d *sql.DB) ([]CheckpointRow, error) {
	rows, err := d.QueryContext(ctx, "SELECT agent, cursor, updated_at FROM checkpoints ORDER BY agent")
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []CheckpointRow
	for rows.Next() {
		var agent, raw, updated string
		if err := rows.Scan(&agent, &raw, &updated); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cur, err := model.ParseCursor(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, CheckpointRow{Agent: model.Agent(agent), Cursor: cur, UpdatedAt: parseTS(updated)})
	}
	return out, rows.Err()
}

// ResetCheckpoint forgets agent's cursor so the next sync rescans every
// record. Canonical rows are untouched; re-ingestion is idempotent.
func ResetCheckpoint(ctx context.Context, d *sql.DB, agent model.Agent) error {
	if _, err := d.ExecContext(ctx, "DELETE FROM checkpoints WHERE agent = ?", string(agent)); err != nil {
		return &StoreWriteError{Op: "reset checkpoint", Err: err}
	}
	return nil
}
