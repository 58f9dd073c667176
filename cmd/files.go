package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adalundhe/keel/core/repo"
)

var addAll bool

var addCmd = &cobra.Command{
	Use:   "add [path...]",
	Short: "Start tracking files",
	RunE:  runAdd,
}

var rmCmd = &cobra.Command{
	Use:   "rm <path...>",
	Short: "Stop tracking files at the next commit",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRm,
}

var mvCmd = &cobra.Command{
	Use:   "mv <from> <to>",
	Short: "Rename a tracked file",
	Args:  cobra.ExactArgs(2),
	RunE:  runMv,
}

var extrasCmd = &cobra.Command{
	Use:   "extras",
	Short: "List files that are not tracked",
	Args:  cobra.NoArgs,
	RunE:  runExtras,
}

func init() {
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(extrasCmd)

	addCmd.Flags().BoolVar(&addAll, "all", false, "Add every untracked file not matched by ignore_glob")
}

func runAdd(cmd *cobra.Command, args []string) error {
	if !addAll && len(args) == 0 {
		return fmt.Errorf("nothing to add: give paths or --all")
	}
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		if addAll {
			n, err := tx.AddExtras(ctx)
			if err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "added %d files\n", n)
			}
			return err
		}
		for _, p := range args {
			if _, err := tx.Checkout.Add(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func runRm(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		for _, p := range args {
			if err := tx.Checkout.Remove(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func runMv(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		return tx.Checkout.Rename(ctx, args[0], args[1], true)
	})
}

func runExtras(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		extras, err := tx.Extras(ctx)
		if err != nil {
			return err
		}
		for _, p := range extras {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	})
}
