package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adalundhe/keel/core/name"
	"github.com/adalundhe/keel/core/repo"
	"github.com/adalundhe/keel/core/tag"
)

var (
	tagPropagate bool
	tagRaw       bool
)

var tagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Add, cancel and list tags on check-ins",
}

var tagAddCmd = &cobra.Command{
	Use:   "add <name> <version> [value]",
	Short: "Tag a check-in",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runTagAdd,
}

var tagCancelCmd = &cobra.Command{
	Use:   "cancel <name> <version>",
	Short: "Cancel a tag on a check-in and, if it propagates, on its descendants",
	Args:  cobra.ExactArgs(2),
	RunE:  runTagCancel,
}

var tagListCmd = &cobra.Command{
	Use:   "list <version>",
	Short: "List the tags of a check-in",
	Args:  cobra.ExactArgs(1),
	RunE:  runTagList,
}

func init() {
	rootCmd.AddCommand(tagCmd)
	tagCmd.AddCommand(tagAddCmd)
	tagCmd.AddCommand(tagCancelCmd)
	tagCmd.AddCommand(tagListCmd)

	tagAddCmd.Flags().BoolVar(&tagPropagate, "propagate", false, "Propagate the tag to descendants")
	tagAddCmd.Flags().BoolVar(&tagRaw, "raw", false, "Use the tag name as given instead of a symbolic name")
}

// tagName maps a user tag to the stored name. Plain names become symbolic
// so that they resolve as version names.
func tagName(n string) string {
	if tagRaw || tag.IsSymbolic(n) {
		return n
	}
	return tag.SymbolicName(n)
}

func runTagAdd(cmd *cobra.Command, args []string) error {
	t := tag.ApplyOnce
	if tagPropagate {
		t = tag.Propagate
	}
	var value string
	if len(args) == 3 {
		value = args[2]
	}
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		rid, err := tx.Names.Resolve(ctx, args[1], name.CheckIn)
		if err != nil {
			return err
		}
		_, err = tx.Tags.Add(ctx, tagName(args[0]), rid, t, value)
		return err
	})
}

func runTagCancel(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		rid, err := tx.Names.Resolve(ctx, args[1], name.CheckIn)
		if err != nil {
			return err
		}
		_, err = tx.Tags.Cancel(ctx, tagName(args[0]), rid)
		return err
	})
}

func runTagList(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		rid, err := tx.Names.Resolve(ctx, args[0], name.CheckIn)
		if err != nil {
			return err
		}
		applied, err := tx.Tags.List(ctx, rid)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, a := range applied {
			if !a.Type.Active() {
				continue
			}
			line := a.Name
			if a.Value != "" {
				line += "=" + a.Value
			}
			if a.Propagated() {
				line += " (inherited)"
			}
			fmt.Fprintln(out, line)
		}
		return nil
	})
}
