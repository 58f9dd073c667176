package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/adalundhe/keel/core/name"
	"github.com/adalundhe/keel/core/repo"
	"github.com/adalundhe/keel/core/schema"
)

var projectName string

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a repository and checkout",
	Long:  `Create a repository in dir (default: the current directory) with an initial empty check-in on trunk.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

var checkoutForce bool

var checkoutCmd = &cobra.Command{
	Use:     "checkout <version>",
	Aliases: []string{"co"},
	Short:   "Switch the working tree to another check-in",
	Args:    cobra.ExactArgs(1),
	RunE:    runCheckout,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current check-in and local changes",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(checkoutCmd)
	rootCmd.AddCommand(statusCmd)

	initCmd.Flags().StringVar(&projectName, "name", "", "Project name (default: directory name)")
	checkoutCmd.Flags().BoolVarP(&checkoutForce, "force", "f", false, "Discard local changes")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := workDir
	if len(args) > 0 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	settings, _, err := loadSettings()
	if err != nil {
		return err
	}
	if projectName == "" {
		projectName = filepath.Base(abs)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	r, err := repo.Init(ctx, abs, projectName, repoConfig(cmd, settings))
	if err != nil {
		return err
	}
	defer r.Close()
	fmt.Fprintf(cmd.OutOrStdout(), "initialized %s in %s\n", projectName, abs)
	return nil
}

func runCheckout(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		rid, err := tx.Names.Resolve(ctx, args[0], name.CheckIn)
		if err != nil {
			return err
		}
		return tx.Checkout.Switch(ctx, rid, checkoutForce)
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo, tx *repo.Tx) error {
		out := cmd.OutOrStdout()
		vid, err := tx.Checkout.Current(ctx)
		if err != nil {
			return err
		}
		d, err := tx.Names.Describe(ctx, vid)
		if err != nil {
			return err
		}
		code, err := tx.Setting(ctx, schema.ConfigProjectCode)
		if err != nil {
			return err
		}
		branch, err := tx.Graph.BranchOf(ctx, vid)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "repository:   %s\n", r.Root())
		fmt.Fprintf(out, "project-code: %s\n", code)
		fmt.Fprintf(out, "checkout:     %s %s\n", d.UUID, d.Time.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "branch:       %s\n", branch)
		fmt.Fprintf(out, "comment:      %s (user: %s)\n", d.Comment, d.User)

		changes, err := tx.Checkout.Changes(ctx)
		if err != nil {
			return err
		}
		for _, group := range []struct {
			label string
			paths []string
		}{
			{"EDITED", changes.Edited},
			{"ADDED", changes.Added},
			{"DELETED", changes.Removed},
			{"RENAMED", changes.Renamed},
			{"MERGED", changes.Merged},
			{"MISSING", changes.Missing},
		} {
			for _, p := range group.paths {
				fmt.Fprintf(out, "%-10s %s\n", group.label, p)
			}
		}
		if changes.Merging {
			fmt.Fprintln(out, "merge in progress")
		}
		return nil
	})
}
