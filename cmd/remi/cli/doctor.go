package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rekal-dev/remi/cmd/remi/cli/db"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the store for corruption and index drift",
		Long: `Run SQLite's integrity and foreign key checks, the full-text index's own
consistency check and a comparison of the index against messages.

Index drift is repaired with 'remi index rebuild'. Structural problems are
never repaired automatically; doctor exits with status 3 when it finds any.`,
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

			ctx := commandContext(cmd)
			version, err := db.SchemaVersion(d)
			if err != nil {
				return err
			}
			report, err := db.IntegrityCheck(ctx, d)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			st := newStyles(w)
			fmt.Fprintf(w, "store:   %s (schema %s)\n", e.storePath(), version)
			if report.FTSDrifted() {
				fmt.Fprintf(w, "index:   %s %d missing, %d orphaned\n", st.warn.Render("drift"), report.FTSMissing, report.FTSOrphaned)
				fmt.Fprintln(cmd.ErrOrStderr(), "remi: warning: full-text index is out of step; run 'remi index rebuild'")
			} else {
				fmt.Fprintf(w, "index:   %s\n", st.ok.Render("ok"))
			}
			if report.OK() {
				fmt.Fprintf(w, "tables:  %s\n", st.ok.Render("ok"))
				return nil
			}
			fmt.Fprintf(w, "tables:  %s\n", st.bad.Render("CORRUPT"))
			for _, p := range report.Problems {
				fmt.Fprintf(w, "  %s\n", p)
			}
			return NewSilentError(report.Err())
		},
	}
}
