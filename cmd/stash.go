package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/adalundhe/keel/core/repo"
)

var stashComment string

var stashCmd = &cobra.Command{
	Use:   "stash",
	Short: "Set aside and restore uncommitted changes",
}

var stashSaveCmd = &cobra.Command{
	Use:   "save [path...]",
	Short: "Save changes to the stash and revert them",
	RunE:  stashSaver(true),
}

var stashSnapshotCmd = &cobra.Command{
	Use:   "snapshot [path...]",
	Short: "Save changes to the stash and keep them",
	RunE:  stashSaver(false),
}

var stashListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List stash entries, newest first",
	Args:    cobra.NoArgs,
	RunE:    runStashList,
}

var stashShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the files of a stash entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runStashShow,
}

var stashApplyCmd = &cobra.Command{
	Use:   "apply <id>",
	Short: "Apply a stash entry and keep it",
	Args:  cobra.ExactArgs(1),
	RunE:  runStashApply,
}

var stashPopCmd = &cobra.Command{
	Use:   "pop",
	Short: "Apply the newest stash entry and drop it",
	Args:  cobra.NoArgs,
	RunE:  runStashPop,
}

var stashDropCmd = &cobra.Command{
	Use:   "drop <id>",
	Short: "Delete a stash entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runStashDrop,
}

var stashDiffCmd = &cobra.Command{
	Use:   "diff <id>",
	Short: "Show a stash entry as a unified diff",
	Args:  cobra.ExactArgs(1),
	RunE:  runStashDiff,
}

func init() {
	rootCmd.AddCommand(stashCmd)
	for _, c := range []*cobra.Command{
		stashSaveCmd, stashSnapshotCmd, stashListCmd, stashShowCmd,
		stashApplyCmd, stashPopCmd, stashDropCmd, stashDiffCmd,
	} {
		stashCmd.AddCommand(c)
	}
	stashSaveCmd.Flags().StringVarP(&stashComment, "message", "m", "", "Stash comment")
	stashSnapshotCmd.Flags().StringVarP(&stashComment, "message", "m", "", "Stash comment")
}

func stashSaver(revert bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
			save := tx.Stash.Save
			if !revert {
				save = tx.Stash.Snapshot
			}
			id, err := save(ctx, stashComment, args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stash %d saved\n", id)
			return nil
		})
	}
}

func stashID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stash id %q", arg)
	}
	return id, nil
}

func runStashList(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		entries, err := tx.Stash.List(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, e := range entries {
			fmt.Fprintf(out, "%5d: [%.10s] on %s (%d files)\n",
				e.ID, e.UUID, e.Created.UTC().Format("2006-01-02 15:04:05"), e.Files)
			if e.Comment != "" {
				fmt.Fprintf(out, "       %s\n", e.Comment)
			}
		}
		return nil
	})
}

func runStashShow(cmd *cobra.Command, args []string) error {
	id, err := stashID(args[0])
	if err != nil {
		return err
	}
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		e, files, err := tx.Stash.Info(ctx, id)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "stash %d on [%.10s]: %s\n", e.ID, e.UUID, e.Comment)
		for _, f := range files {
			if f.IsRenamed() {
				fmt.Fprintf(out, "  %-8s %s -> %s\n", "RENAMED", f.OrigName, f.NewName)
				continue
			}
			fmt.Fprintf(out, "  %-8s %s\n", f.Kind, f.NewName)
		}
		return nil
	})
}

func runStashApply(cmd *cobra.Command, args []string) error {
	id, err := stashID(args[0])
	if err != nil {
		return err
	}
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		_, err := tx.Stash.Apply(ctx, id)
		return err
	})
}

func runStashPop(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		_, err := tx.Stash.Pop(ctx)
		return err
	})
}

func runStashDrop(cmd *cobra.Command, args []string) error {
	id, err := stashID(args[0])
	if err != nil {
		return err
	}
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		return tx.Stash.Drop(ctx, id)
	})
}

func runStashDiff(cmd *cobra.Command, args []string) error {
	id, err := stashID(args[0])
	if err != nil {
		return err
	}
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		diff, err := tx.Stash.Diff(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), diff)
		return nil
	})
}
