package cmd

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adalundhe/keel/core/config"
	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/repo"
	"github.com/adalundhe/keel/core/report"
	"github.com/adalundhe/keel/core/storage"
)

var (
	verbose bool
	workDir string
)

var rootCmd = &cobra.Command{
	Use:           "keel",
	Short:         "Keel - a distributed version-control engine",
	Long:          `Keel stores check-ins as content-addressed artifacts and merges them three ways.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
	rootCmd.PersistentFlags().StringVarP(&workDir, "dir", "C", ".", "Run as if started in this directory")
}

func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps the error Execute returned to the process exit status:
// 2 when the user can fix the problem and retry, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Classify(err) == errors.TierUserFixable {
		return 2
	}
	return 1
}

// loadSettings reads the user and checkout configuration for the checkout
// containing workDir. A missing checkout is not an error here.
func loadSettings() (*config.Config, string, error) {
	dirs, err := storage.ResolveDirs()
	if err != nil {
		return nil, "", err
	}
	root, err := storage.FindProjectRoot(workDir)
	if err != nil {
		root = ""
	}
	mgr := config.NewManager(dirs, root)
	if err := mgr.Load(); err != nil {
		return nil, "", err
	}
	return mgr.Get(), root, nil
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func repoConfig(cmd *cobra.Command, settings *config.Config) repo.Config {
	return repo.Config{
		Settings: settings,
		Logger:   newLogger(settings.Log.Level),
		Reporter: report.NewWriter(cmd.OutOrStdout()),
	}
}

// openRepo opens the checkout containing workDir. The caller closes it.
func openRepo(cmd *cobra.Command) (context.Context, *repo.Repo, error) {
	settings, _, err := loadSettings()
	if err != nil {
		return nil, nil, err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	r, err := repo.Open(ctx, workDir, repoConfig(cmd, settings))
	if err != nil {
		return nil, nil, err
	}
	return ctx, r, nil
}

// withRepo opens the checkout containing workDir and runs fn in one
// transaction.
func withRepo(cmd *cobra.Command, fn func(ctx context.Context, r *repo.Repo, tx *repo.Tx) error) error {
	ctx, r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	return r.Update(ctx, func(tx *repo.Tx) error {
		return fn(ctx, r, tx)
	})
}
