package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/adalundhe/keel/core/repo"
)

var commitOpts repo.CheckinOptions

var commitCmd = &cobra.Command{
	Use:     "commit",
	Aliases: []string{"ci"},
	Short:   "Record the working tree as a new check-in",
	Args:    cobra.NoArgs,
	RunE:    runCommit,
}

func init() {
	rootCmd.AddCommand(commitCmd)

	f := commitCmd.Flags()
	f.StringVarP(&commitOpts.Comment, "message", "m", "", "Check-in comment")
	f.StringVar(&commitOpts.User, "user", "", "Override the configured user")
	f.StringVar(&commitOpts.Branch, "branch", "", "Start a new branch with this check-in")
	f.BoolVar(&commitOpts.Private, "private", false, "Keep the check-in private")
	f.BoolVar(&commitOpts.AllowEmpty, "allow-empty", false, "Commit even if nothing changed")
	f.BoolVar(&commitOpts.AllowConflict, "allow-conflict", false, "Commit files with merge conflict markers")
	f.BoolVar(&commitOpts.AllowFork, "allow-fork", false, "Commit even if this forks the branch")
	_ = commitCmd.MarkFlagRequired("message")
}

func runCommit(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, _ *repo.Repo, tx *repo.Tx) error {
		_, err := tx.Checkin(ctx, commitOpts)
		return err
	})
}
