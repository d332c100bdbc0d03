package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rekal-dev/remi/cmd/remi/cli/config"
	"github.com/rekal-dev/remi/cmd/remi/cli/db"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the remi store",
		Long: `Create the remi data directory and store.

Creates:
  <data dir>/remi.db          Canonical store with full-text index
  <data dir>/archive/         Archive run directories
  <config dir>/remi/config.yaml  Default configuration, unless one exists

Running init on an initialized store upgrades an older schema and is
otherwise a no-op.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			w := cmd.ErrOrStderr()

			if err := os.MkdirAll(e.cfg.ArchivePath(), 0o755); err != nil {
				return fmt.Errorf("create archive dir: %w", err)
			}
			d, err := db.Open(e.storePath())
			if err != nil {
				return err
			}
			defer d.Close()
			existed := db.IsInitialized(commandContext(cmd), d)
			if err := db.InitSchema(d); err != nil {
				return fmt.Errorf("init schema: %w", err)
			}

			if _, err := os.Stat(e.cfgPath); os.IsNotExist(err) {
				if err := config.Save(e.cfgPath, e.cfg); err != nil {
					fmt.Fprintf(w, "remi: warning: could not write config: %v\n", err)
				} else {
					fmt.Fprintf(w, "wrote %s\n", e.cfgPath)
				}
			}

			if existed {
				fmt.Fprintf(cmd.OutOrStdout(), "remi is already initialized in %s.\n", e.cfg.DataDir)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "remi initialized in %s.\n", e.cfg.DataDir)
			return nil
		},
	}
}

func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return usageErrorf(err)
	}
	return nil
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageErrorf(err)
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MinimumNArgs(n)(cmd, args); err != nil {
			return usageErrorf(err)
		}
		return nil
	}
}
