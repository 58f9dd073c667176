package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adalundhe/keel/core/repo"
)

var undoDryRun bool

var undoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Undo the last merge, update, revert or stash",
	Args:  cobra.NoArgs,
	RunE:  runUndo,
}

var redoCmd = &cobra.Command{
	Use:   "redo",
	Short: "Redo the last undone operation",
	Args:  cobra.NoArgs,
	RunE:  runRedo,
}

var purgePrivateCmd = &cobra.Command{
	Use:   "purge-private",
	Short: "Delete private check-ins and their content",
	Args:  cobra.NoArgs,
	RunE:  runPurgePrivate,
}

func init() {
	rootCmd.AddCommand(undoCmd)
	rootCmd.AddCommand(redoCmd)
	rootCmd.AddCommand(purgePrivateCmd)

	undoCmd.Flags().BoolVarP(&undoDryRun, "dry-run", "n", false, "Show what would change")
	redoCmd.Flags().BoolVarP(&undoDryRun, "dry-run", "n", false, "Show what would change")
}

func runUndo(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		return tx.Undo.Undo(ctx, undoDryRun)
	})
}

func runRedo(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		return tx.Undo.Redo(ctx, undoDryRun)
	})
}

func runPurgePrivate(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		n, err := tx.Content.PurgePrivate(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d private artifacts\n", n)
		return nil
	})
}
