package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rekal-dev/remi/cmd/remi/cli/db"
	"github.com/rekal-dev/remi/cmd/remi/cli/model"
)

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Show or reset per-agent sync checkpoints",
		Long: `A checkpoint is the (timestamp, id) position of the last record sync
stored for an agent. Sync only reads records beyond it. A checkpoint never
moves backwards except through an explicit reset.`,
	}
	cmd.AddCommand(newCheckpointListCmd(), newCheckpointResetCmd())
	return cmd
}

type checkpointEntry struct {
	Agent     model.Agent `json:"agent"`
	CursorTS  time.Time   `json:"cursor_ts"`
	CursorID  string      `json:"cursor_id"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func newCheckpointListCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored checkpoints",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseFormat(format, formatTable, formatJSON)
			if err != nil {
				return err
			}
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

			rows, err := db.ListCheckpoints(commandContext(cmd), d)
			if err != nil {
				return err
			}
			entries := make([]checkpointEntry, 0, len(rows))
			for _, r := range rows {
				entries = append(entries, checkpointEntry{Agent: r.Agent, CursorTS: r.Cursor.TS, CursorID: r.Cursor.ID, UpdatedAt: r.UpdatedAt})
			}

			w := cmd.OutOrStdout()
			if format == formatJSON {
				return writeJSON(w, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(w, "No checkpoints. Run 'remi sync'.")
				return nil
			}
			st := newStyles(w)
			t := newTable(w, st, "AGENT", "CURSOR", "RECORD", "UPDATED")
			for _, c := range entries {
				t.row(st.agent.Render(string(c.Agent)), st.date.Render(formatTime(c.CursorTS)), st.id.Render(shortID(c.CursorID)), st.date.Render(formatTime(c.UpdatedAt)))
			}
			return t.flush()
		},
	}

	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table|json")
	return cmd
}

func newCheckpointResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <agent>",
		Short: "Forget an agent's checkpoint so the next sync re-reads everything",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := model.ParseAgent(args[0])
			if err != nil {
				return usageErrorf(err)
			}
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

			if err := db.ResetCheckpoint(commandContext(cmd), d, agent); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: checkpoint reset\n", agent)
			return nil
		},
	}
}
