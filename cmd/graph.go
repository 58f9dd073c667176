package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/adalundhe/keel/core/dag"
	"github.com/adalundhe/keel/core/name"
	"github.com/adalundhe/keel/core/repo"
)

var (
	leavesAll    bool
	leavesClosed bool
	walkLimit    int
	resolveKind  string
)

var leavesCmd = &cobra.Command{
	Use:   "leaves",
	Short: "List check-ins without children on their branch",
	Args:  cobra.NoArgs,
	RunE:  runLeaves,
}

var ancestorsCmd = &cobra.Command{
	Use:   "ancestors <version>",
	Short: "List ancestors of a check-in, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runAncestors,
}

var descendantsCmd = &cobra.Command{
	Use:   "descendants <version>",
	Short: "List descendants of a check-in, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runDescendants,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <name>",
	Short: "Show which artifact a name refers to",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

func init() {
	rootCmd.AddCommand(leavesCmd)
	rootCmd.AddCommand(ancestorsCmd)
	rootCmd.AddCommand(descendantsCmd)
	rootCmd.AddCommand(resolveCmd)

	leavesCmd.Flags().BoolVar(&leavesAll, "all", false, "Include closed leaves")
	leavesCmd.Flags().BoolVar(&leavesClosed, "closed", false, "Show only closed leaves")
	for _, c := range []*cobra.Command{ancestorsCmd, descendantsCmd} {
		c.Flags().IntVar(&walkLimit, "limit", 0, "Stop after this many check-ins (0 for no limit)")
	}
	resolveCmd.Flags().StringVar(&resolveKind, "kind", "*", "Restrict to an artifact kind (ci, w, t, e, g)")
}

func runLeaves(cmd *cobra.Command, args []string) error {
	mode := dag.LeavesOpen
	switch {
	case leavesClosed:
		mode = dag.LeavesClosed
	case leavesAll:
		mode = dag.LeavesAll
	}
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		leaves, err := tx.Graph.ComputeLeaves(ctx, 0, mode)
		if err != nil {
			return err
		}
		return printCheckIns(ctx, cmd.OutOrStdout(), tx, leaves)
	})
}

func runAncestors(cmd *cobra.Command, args []string) error {
	return walk(cmd, args[0], (*dag.Graph).ComputeAncestors)
}

func runDescendants(cmd *cobra.Command, args []string) error {
	return walk(cmd, args[0], (*dag.Graph).ComputeDescendants)
}

type walkFunc func(*dag.Graph, context.Context, repo.RID, int) ([]repo.RID, error)

func walk(cmd *cobra.Command, version string, fn walkFunc) error {
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		rid, err := tx.Names.Resolve(ctx, version, name.CheckIn)
		if err != nil {
			return err
		}
		rids, err := fn(tx.Graph, ctx, rid, walkLimit)
		if err != nil {
			return err
		}
		return printCheckIns(ctx, cmd.OutOrStdout(), tx, rids)
	})
}

func runResolve(cmd *cobra.Command, args []string) error {
	kind, err := name.ParseKind(resolveKind)
	if err != nil {
		return err
	}
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		rid, err := tx.Names.Resolve(ctx, args[0], kind)
		if err != nil {
			return err
		}
		d, err := tx.Names.Describe(ctx, rid)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "rid:     %d\n", d.RID)
		fmt.Fprintf(out, "uuid:    %s\n", d.UUID)
		if d.Phantom {
			fmt.Fprintln(out, "phantom: content not yet received")
			return nil
		}
		fmt.Fprintf(out, "kind:    %s\n", d.Kind)
		if !d.Time.IsZero() {
			fmt.Fprintf(out, "time:    %s\n", d.Time.UTC().Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "user:    %s\n", d.User)
			fmt.Fprintf(out, "comment: %s\n", d.Comment)
		}
		return nil
	})
}

func printCheckIns(ctx context.Context, w io.Writer, tx *repo.Tx, rids []repo.RID) error {
	for _, rid := range rids {
		d, err := tx.Names.Describe(ctx, rid)
		if err != nil {
			return err
		}
		branch, err := tx.Graph.BranchOf(ctx, rid)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%.10s %s [%s] %s\n",
			d.UUID, d.Time.UTC().Format("2006-01-02 15:04"), branch, d.Comment)
	}
	return nil
}
