package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newCleanCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove the remi store (archives are kept)",
		Long: `Remove the remi store from the data directory.

Removes:
  remi.db (with its WAL and shared-memory files)
  lsa.model

Archive run directories and the config file are left alone; bundles can be
restored into a fresh store with 'remi archive restore'. Run 'remi init' to
reinitialize after cleaning.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			if !yes {
				err := fmt.Errorf("clean deletes %s; pass --yes to confirm", e.storePath())
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return NewSilentError(usageErrorf(err))
			}
			if err := runClean(e); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "remi cleaned. Run `remi init` to reinitialize.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm removal")
	return cmd
}

// runClean removes the store and derived files. Idempotent.
func runClean(e *env) error {
	store := e.storePath()
	for _, p := range []string{store, store + "-wal", store + "-shm", e.modelPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	e.log.Info("store removed", "path", store)
	return nil
}
