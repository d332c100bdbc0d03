package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

const gettingStarted = `

Getting Started:
  remi init            Create the store
  remi sync            Ingest transcripts from every supported assistant
  remi search "query"  Find past sessions
  remi archive plan    Select old sessions for archival
`

// NewRootCmd returns the root command for the remi CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "remi",
		Short:         "remi - one searchable memory for all your coding assistants",
		Long:          "remi ingests the transcripts of Claude Code, pi, droid and codex into one local store, ranks them for recall and archives what is no longer needed." + gettingStarted,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}

	cmd.PersistentFlags().String("config", "", "Config file (default $REMI_CONFIG or <config dir>/remi/config.yaml)")
	cmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config and $REMI_DATA_DIR)")
	cmd.PersistentFlags().String("log-level", "warn", "Log level: debug|info|warn|error")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageErrorf(err)
	})
	cmd.SetVersionTemplate("remi {{.Version}}\n")
	cmd.Version = Version

	coreGroup := &cobra.Group{ID: "core", Title: "Core Commands:"}
	workflowGroup := &cobra.Group{ID: "workflow", Title: "Workflow Commands:"}
	advancedGroup := &cobra.Group{ID: "advanced", Title: "Advanced Commands:"}
	cmd.AddGroup(coreGroup, workflowGroup, advancedGroup)

	initCmd := newInitCmd()
	initCmd.GroupID = "core"
	cleanCmd := newCleanCmd()
	cleanCmd.GroupID = "core"
	versionCmd := newVersionCmd()
	versionCmd.GroupID = "core"

	syncCmd := newSyncCmd()
	syncCmd.GroupID = "workflow"
	searchCmd := newSearchCmd()
	searchCmd.GroupID = "workflow"
	sessionsCmd := newSessionsCmd()
	sessionsCmd.GroupID = "workflow"
	archiveCmd := newArchiveCmd()
	archiveCmd.GroupID = "workflow"

	queryCmd := newQueryCmd()
	queryCmd.GroupID = "advanced"
	indexCmd := newIndexCmd()
	indexCmd.GroupID = "advanced"
	embedCmd := newEmbedCmd()
	embedCmd.GroupID = "advanced"
	checkpointCmd := newCheckpointCmd()
	checkpointCmd.GroupID = "advanced"
	doctorCmd := newDoctorCmd()
	doctorCmd.GroupID = "advanced"

	cmd.AddCommand(initCmd, cleanCmd, versionCmd)
	cmd.AddCommand(syncCmd, searchCmd, sessionsCmd, archiveCmd)
	cmd.AddCommand(queryCmd, indexCmd, embedCmd, checkpointCmd, doctorCmd)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "remi", Version)
			return nil
		},
	}
}

// Execute runs the root command with args and returns the exit code.
func Execute(ctx context.Context, args []string) int {
	rootCmd := NewRootCmd()
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	if !IsSilentError(err) {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "remi:", err)
	}
	if isCobraUsageError(err) {
		return ExitUsage
	}
	return ExitCode(err)
}

// isCobraUsageError recognizes argument errors cobra returns unwrapped.
func isCobraUsageError(err error) bool {
	var ue *UsageError
	if errors.As(err, &ue) {
		return true
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") ||
		strings.HasPrefix(msg, "accepts ") ||
		strings.HasPrefix(msg, "requires at least")
}

// Run executes the root command and exits with the appropriate code.
// Interrupts cancel the running command's context.
func Run() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
