package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rekal-dev/remi/cmd/remi/cli/db"
	"github.com/rekal-dev/remi/cmd/remi/cli/lsa"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect or rebuild the derived search indexes",
		Long: `The full-text index and the embeddings are derived from the canonical
tables and can be rebuilt from them at any time:
  - Full-text search index (BM25) over message content
  - LSA vectors for semantic similarity

Sync keeps both current. Rebuild after a crash left them out of step, or
when 'remi doctor' reports index drift.`,
	}
	cmd.AddCommand(newIndexRebuildCmd(), newIndexStatusCmd())
	return cmd
}

func newIndexRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the full-text index and re-embed messages",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			ctx := commandContext(cmd)
			w := cmd.ErrOrStderr()

			fmt.Fprintln(w, "rebuilding full-text index...")
			n, err := db.RebuildFTS(ctx, d)
			if err != nil {
				return fmt.Errorf("rebuild fts: %w", err)
			}

			vectors := 0
			m, err := lsa.Load(e.modelPath())
			switch {
			case err != nil:
				fmt.Fprintf(w, "remi: warning: embeddings skipped: %v\n", err)
			case m != nil && e.cfg.Semantic.Enabled:
				fmt.Fprintln(w, "re-embedding messages...")
				if err := db.DeleteEmbeddings(ctx, d); err != nil {
					return err
				}
				if vectors, err = embedMissing(ctx, d, m); err != nil {
					return err
				}
			}

			fmt.Fprintf(w, "index rebuilt: %d messages, %d embeddings\n", n, vectors)
			return nil
		},
	}
}

func newIndexStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report index drift and embedding coverage",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			ctx := commandContext(cmd)
			counts, err := db.CountRows(ctx, d)
			if err != nil {
				return err
			}
			missing, orphaned, err := db.FTSDrift(ctx, d)
			if err != nil {
				return err
			}
			vecs, err := db.LoadEmbeddings(ctx, d, lsa.ModelName)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "messages:        %d\n", counts["messages"])
			fmt.Fprintf(out, "fts missing:     %d\n", missing)
			fmt.Fprintf(out, "fts orphaned:    %d\n", orphaned)
			fmt.Fprintf(out, "embeddings:      %d (%s)\n", len(vecs), lsa.ModelName)
			return nil
		},
	}
}
