package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rekal-dev/remi/cmd/remi/cli/db"
	"github.com/rekal-dev/remi/cmd/remi/cli/ingest"
	"github.com/rekal-dev/remi/cmd/remi/cli/model"
	"github.com/rekal-dev/remi/cmd/remi/cli/source"
)

func newSyncCmd() *cobra.Command {
	var (
		agent string
		reset bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Ingest new transcript records from coding assistants",
		Long: `Read every supported assistant's transcript files and store new records
in the canonical store.

Each agent keeps a checkpoint: the position of the last record that was
stored. Sync reads only records beyond it, so running it repeatedly is cheap
and never duplicates data. Unreadable files and records that cannot be
interpreted are skipped and reported; a failed store write stops that
agent's sync without losing what was already stored.

--reset forgets the checkpoint first and re-reads everything. Because every
row has a content-derived id, this rewrites the same rows.

Progress is reported on stderr:
  pi: discovering sources...
  pi: scanning 12 files...
  pi: normalizing 340 records...
  pi: saving 298 messages...
  pi: done, 340 records`,
		Args: noArgs,
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

			srcs, err := e.sources(agent)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			w := cmd.ErrOrStderr()

			if reset {
				for _, s := range srcs {
					if err := db.ResetCheckpoint(ctx, d, s.Agent()); err != nil {
						return err
					}
					fmt.Fprintf(w, "%s: checkpoint reset\n", s.Agent())
				}
			}

			emb, err := e.embedder()
			if err != nil {
				fmt.Fprintf(w, "remi: warning: %v\n", err)
			}
			eng := ingest.New(d, ingest.Options{
				Workers:    e.cfg.Workers,
				Logger:     e.log,
				Embedder:   emb,
				OnProgress: func(p ingest.Progress) { fmt.Fprintln(w, p.String()) },
			})

			results := eng.SyncAll(ctx, srcs)
			return reportSync(cmd, srcs, results)
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "Only sync this agent (claude|pi|droid|codex)")
	cmd.Flags().BoolVar(&reset, "reset", false, "Forget the checkpoint and re-read all records")
	return cmd
}

// reportSync prints a summary per agent in source order and returns an error
// if any agent failed.
func reportSync(cmd *cobra.Command, srcs []source.Source, results map[model.Agent]ingest.Result) error {
	w := cmd.ErrOrStderr()
	var (
		failed   []error
		records  int
		messages int
	)
	for _, s := range srcs {
		res, ok := results[s.Agent()]
		if !ok {
			continue
		}
		if res.SkippedFiles > 0 {
			fmt.Fprintf(w, "remi: warning: %s: %d unreadable file(s) skipped\n", res.Agent, res.SkippedFiles)
		}
		if res.DroppedRecords > 0 {
			fmt.Fprintf(w, "remi: warning: %s: %d record(s) could not be interpreted\n", res.Agent, res.DroppedRecords)
		}
		if res.Err != nil {
			fmt.Fprintf(w, "remi: %s: sync failed: %v\n", res.Agent, res.Err)
			failed = append(failed, fmt.Errorf("sync %s: %w", res.Agent, res.Err))
			continue
		}
		records += res.Committed
		messages += res.Messages
	}

	fmt.Fprintf(w, "remi: synced %d agent(s), %d records, %d messages\n", len(results)-len(failed), records, messages)
	if len(failed) > 0 {
		return NewSilentError(errors.Join(failed...))
	}
	return nil
}
