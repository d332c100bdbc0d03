package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rekal-dev/remi/cmd/remi/cli/db"
)

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Run read-only SQL against the store",
		Long: `Run raw SQL against the store. Only SELECT and WITH statements are accepted.
Output is one JSON object per row.

SCHEMA (remi.db):

  agents          name
  sessions        id, agent, source_ref, title, source_path, created_at,
                  updated_at
  messages        seq, id, session_id, role, content, ts, payload_ref
  events          id, session_id, message_id, kind, payload, ts
  artifacts       id, session_id, path, checksum, metadata
  provenance      id, entity_type, entity_id, agent, source_path, source_id,
                  source_offset, note
  checkpoints     agent, cursor, updated_at
  archive_runs    id, created_at, older_than_secs, keep_latest, cutoff, state,
                  bundle_path, manifest_path, error, updated_at
  archive_items   id, run_id, session_id, agent, updated_at, source_path,
                  disposition
  embeddings      message_id, session_id, model, dim, vector
  fts_messages    message_id, session_id, content, ts   (FTS5)

Timestamps are RFC 3339 UTC strings and sort lexically.`,
		Example: `  # Recent sessions
  remi query "SELECT id, agent, title, updated_at FROM sessions ORDER BY updated_at DESC LIMIT 5"

  # Sessions per agent
  remi query "SELECT agent, count(*) AS n FROM sessions GROUP BY agent"

  # Most-touched files
  remi query "SELECT path, count(*) AS n FROM artifacts GROUP BY path ORDER BY n DESC LIMIT 10"

  # Tool events of one kind
  remi query "SELECT session_id, ts, payload FROM events WHERE kind = 'tool_use' LIMIT 20"`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			d, err := e.openStore()
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return NewSilentError(err)
			}
			defer d.Close()

			_, rows, err := db.Query(commandContext(cmd), d, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, row := range rows {
				data, err := json.Marshal(row)
				if err != nil {
					return fmt.Errorf("marshal row: %w", err)
				}
				fmt.Fprintln(out, string(data))
			}
			return nil
		},
	}
	return cmd
}
