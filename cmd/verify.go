package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adalundhe/keel/core/errors"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the repository database and every stored artifact",
	Args:  cobra.NoArgs,
	RunE:  runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx, r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()

	rep, err := r.Verify(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, rid := range rep.Corrupt {
		fmt.Fprintf(out, "CORRUPT %d\n", rid)
	}
	fmt.Fprintf(out, "verified %d artifacts\n", rep.Artifacts)
	if len(rep.Corrupt) > 0 {
		return errors.Corrupt(int64(rep.Corrupt[0]), "%d corrupt artifacts", len(rep.Corrupt))
	}
	return nil
}
