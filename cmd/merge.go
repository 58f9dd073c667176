package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/adalundhe/keel/core/merge"
	"github.com/adalundhe/keel/core/repo"
)

var mergeOpts merge.Options

var mergeCmd = &cobra.Command{
	Use:   "merge <version>",
	Short: "Merge another check-in into the working tree",
	Long: `Merge the changes between a baseline and <version> into the working tree.
The baseline defaults to the most recent common ancestor. Conflicts are
marked in the files and counted; they never abort the merge.`,
	Args: cobra.ExactArgs(1),
	RunE: runMerge,
}

func init() {
	rootCmd.AddCommand(mergeCmd)

	f := mergeCmd.Flags()
	f.BoolVar(&mergeOpts.Cherrypick, "cherrypick", false, "Apply only the changes of <version> against its parent")
	f.BoolVar(&mergeOpts.Backout, "backout", false, "Reverse the changes of <version>")
	f.BoolVar(&mergeOpts.Integrate, "integrate", false, "Close the merged branch at the next commit")
	f.StringVar(&mergeOpts.Pivot, "baseline", "", "Use this check-in as the merge baseline")
	f.BoolVarP(&mergeOpts.DryRun, "dry-run", "n", false, "Report what would change without changing it")
	f.BoolVarP(&mergeOpts.Force, "force", "f", false, "Merge even if it is a no-op")
}

func runMerge(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo, tx *repo.Tx) error {
		opts := mergeOpts
		opts.Target = args[0]
		opts.BinaryGlob = r.BinaryGlob()
		_, err := tx.Merge.Merge(ctx, opts)
		return err
	})
}
