package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rekal-dev/remi/cmd/remi/cli/archive"
	"github.com/rekal-dev/remi/cmd/remi/cli/config"
	"github.com/rekal-dev/remi/cmd/remi/cli/db"
)

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Move old sessions into verified bundles",
		Long: `Archive old sessions out of the store and restore them later.

Archiving is a two-step process:
  remi archive plan    select sessions and record the selection as a run
  remi archive run     carry out a run: dry-run by default, --execute to write

An executed run writes <archive dir>/<run id>/bundle.remi with every stored
row of its sessions, raw copies of their source files and a manifest of
checksums. The directory is re-read and verified before anything else
happens; with --delete-source the sessions are removed from the store only
after verification succeeded. A run that fails verification deletes nothing.`,
	}
	cmd.AddCommand(
		newArchivePlanCmd(),
		newArchiveRunCmd(),
		newArchiveRestoreCmd(),
		newArchiveListCmd(),
		newArchiveVerifyCmd(),
	)
	return cmd
}

func newArchiveEngine(cmd *cobra.Command) (*env, *archive.Engine, func(), error) {
	e, err := loadEnv(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	d, err := e.openStore()
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return nil, nil, nil, NewSilentError(err)
	}
	srcs, err := e.sources("")
	if err != nil {
		d.Close()
		return nil, nil, nil, err
	}
	eng := archive.New(d, archive.Options{Dir: e.cfg.ArchivePath(), Logger: e.log, Sources: srcs})
	return e, eng, func() { d.Close() }, nil
}

func newArchivePlanCmd() *cobra.Command {
	var (
		olderThan  string
		keepLatest int
		format     string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Select sessions for archival and record the plan",
		Long: `Select sessions last active before --older-than, keeping the --keep-latest
most recent sessions of every agent regardless of age. The selection is
stored as a new run; later store changes do not alter it.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseFormat(format, formatTable, formatJSON)
			if err != nil {
				return err
			}
			e, eng, done, err := newArchiveEngine(cmd)
			if err != nil {
				return err
			}
			defer done()

			if !cmd.Flags().Changed("older-than") {
				olderThan = e.cfg.Archive.OlderThan
			}
			if !cmd.Flags().Changed("keep-latest") {
				keepLatest = e.cfg.Archive.KeepLatest
			}
			age, err := config.ParseAge(olderThan)
			if err != nil {
				return usageErrorf(fmt.Errorf("--older-than: %w", err))
			}
			if keepLatest < 0 {
				return usageErrorf(fmt.Errorf("--keep-latest must not be negative"))
			}

			plan, err := eng.Plan(commandContext(cmd), archive.Policy{OlderThan: age, KeepLatest: keepLatest})
			if err != nil {
				return err
			}
			if format == formatJSON {
				return writeJSON(cmd.OutOrStdout(), plan)
			}
			return printPlan(cmd.OutOrStdout(), plan)
		},
	}

	cmd.Flags().StringVar(&olderThan, "older-than", "", "Archive sessions inactive for this long, e.g. 90d (default from config)")
	cmd.Flags().IntVar(&keepLatest, "keep-latest", 0, "Always keep this many recent sessions per agent (default from config)")
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table|json")
	return cmd
}

func printPlan(w io.Writer, plan *archive.Plan) error {
	st := newStyles(w)
	fmt.Fprintf(w, "%s %s\n", st.header.Render("run"), plan.RunID)
	fmt.Fprintf(w, "cutoff %s, %d session(s) selected\n", formatTime(plan.Cutoff), len(plan.Items))
	if len(plan.Items) > 0 {
		fmt.Fprintln(w)
		t := newTable(w, st, "SESSION", "AGENT", "UPDATED")
		for _, it := range plan.Items {
			t.row(st.id.Render(shortID(it.SessionID)), st.agent.Render(string(it.Agent)), st.date.Render(formatTime(it.UpdatedAt)))
		}
		if err := t.flush(); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "\nNext: remi archive run --plan %s [--execute [--delete-source]]\n", plan.RunID)
	return nil
}

func newArchiveRunCmd() *cobra.Command {
	var (
		planID string
		opts   archive.RunOptions
		format string
	)

	cmd := &cobra.Command{
		Use:   "run --plan <run-id>",
		Short: "Carry out a planned run (dry-run unless --execute)",
		Long: `Carry out a planned run.

Without --execute, or with --dry-run, the run only reports what it would do
and writes nothing. --execute writes and verifies the bundle. Add
--delete-source to remove the archived sessions from the store once the
bundle has been verified.

An executed run cannot be executed again. A failed run can be retried.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseFormat(format, formatTable, formatJSON)
			if err != nil {
				return err
			}
			if planID == "" {
				return usageErrorf(fmt.Errorf("--plan is required"))
			}
			if opts.DeleteSource && !opts.Execute && !opts.DryRun {
				fmt.Fprintln(cmd.ErrOrStderr(), "remi: warning: --delete-source without --execute is a dry-run")
			}
			_, eng, done, err := newArchiveEngine(cmd)
			if err != nil {
				return err
			}
			defer done()

			rep, err := eng.Run(commandContext(cmd), planID, opts)
			if errors.Is(err, db.ErrNotFound) {
				return usageErrorf(fmt.Errorf("no archive run %q", planID))
			}
			if rep != nil {
				if perr := printReport(cmd.OutOrStdout(), rep, format); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&planID, "plan", "", "Run id printed by 'remi archive plan'")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Only report what would happen")
	cmd.Flags().BoolVar(&opts.Execute, "execute", false, "Write and verify the bundle")
	cmd.Flags().BoolVar(&opts.DeleteSource, "delete-source", false, "Delete archived sessions from the store after verification")
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table|json")
	return cmd
}

func printReport(w io.Writer, rep *archive.Report, format string) error {
	if format == formatJSON {
		return writeJSON(w, rep)
	}
	st := newStyles(w)
	state := st.ok.Render(string(rep.State))
	if rep.State == archive.StateFailed {
		state = st.bad.Render(string(rep.State))
	}
	if rep.DryRun {
		state = st.warn.Render("dry-run")
	}
	fmt.Fprintf(w, "%s %s: %s\n", st.header.Render("run"), rep.RunID, state)
	for _, a := range rep.Actions {
		target := a.Path
		if target == "" {
			target = a.SessionID
		}
		fmt.Fprintf(w, "  %-8s %-8s %s\n", a.Kind, a.Agent, target)
	}
	fmt.Fprintf(w, "%d session(s) archived, %d deleted\n", rep.Sessions, rep.Deleted)
	if rep.BundlePath != "" {
		fmt.Fprintf(w, "bundle: %s\n", rep.BundlePath)
	}
	return nil
}

func newArchiveRestoreCmd() *cobra.Command {
	var bundle string

	cmd := &cobra.Command{
		Use:   "restore --bundle <path>",
		Short: "Verify a bundle and write its sessions back into the store",
		Long: `Verify a bundle against its manifest and write its rows back into the
store. Restoring is idempotent: restoring the same bundle twice leaves the
store unchanged. Bundles from another store can be restored too.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bundle == "" {
				return usageErrorf(fmt.Errorf("--bundle is required"))
			}
			_, eng, done, err := newArchiveEngine(cmd)
			if err != nil {
				return err
			}
			defer done()

			rep, err := eng.Restore(commandContext(cmd), bundle)
			if archive.IsVerificationError(err) {
				fmt.Fprintf(cmd.ErrOrStderr(), "remi: bundle rejected, nothing restored: %v\n", err)
				return NewSilentError(err)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored run %s: %d session(s), %d message(s)\n", rep.RunID, rep.Sessions, rep.Messages)
			return nil
		},
	}

	cmd.Flags().StringVar(&bundle, "bundle", "", "Path to bundle.remi")
	return cmd
}

type runListEntry struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	Cutoff     time.Time `json:"cutoff"`
	KeepLatest int       `json:"keep_latest"`
	Sessions   int       `json:"sessions"`
	BundlePath string    `json:"bundle_path,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func newArchiveListCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archive runs, newest first",
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

			ctx := commandContext(cmd)
			runs, err := db.ListArchiveRuns(ctx, d)
			if err != nil {
				return err
			}
			entries := make([]runListEntry, 0, len(runs))
			for _, r := range runs {
				items, err := db.ArchiveItems(ctx, d, r.ID)
				if err != nil {
					return err
				}
				entries = append(entries, runListEntry{
					ID: r.ID, State: r.State, CreatedAt: r.CreatedAt, Cutoff: r.Cutoff,
					KeepLatest: r.KeepLatest, Sessions: len(items), BundlePath: r.BundlePath, Error: r.Error,
				})
			}

			w := cmd.OutOrStdout()
			if format == formatJSON {
				return writeJSON(w, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(w, "No archive runs.")
				return nil
			}
			st := newStyles(w)
			t := newTable(w, st, "RUN", "STATE", "CREATED", "SESSIONS", "BUNDLE")
			for _, r := range entries {
				t.row(r.ID, r.State, st.date.Render(formatTime(r.CreatedAt)), st.count.Render(strconv.Itoa(r.Sessions)), r.BundlePath)
			}
			return t.flush()
		},
	}

	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table|json")
	return cmd
}

func newArchiveVerifyCmd() *cobra.Command {
	var bundle string

	cmd := &cobra.Command{
		Use:   "verify --bundle <path>",
		Short: "Check a bundle and its files against the manifest",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bundle == "" {
				return usageErrorf(fmt.Errorf("--bundle is required"))
			}
			st := newStyles(cmd.OutOrStdout())
			m, err := archive.Verify(bundle)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n", st.bad.Render("FAILED"), err)
				return NewSilentError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s run %s: %d session(s), %d raw file(s), %d native export(s)\n",
				st.ok.Render("OK"), m.RunID, len(m.SessionIDs), len(m.Files), len(m.Native))
			return nil
		},
	}

	cmd.Flags().StringVar(&bundle, "bundle", "", "Path to bundle.remi")
	return cmd
}
