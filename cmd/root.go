// Package cmd defines and implements the CLI commands for the mdscrape
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/mdscrape/internal/app"
	"github.com/JakeFAU/mdscrape/internal/config"
	"github.com/JakeFAU/mdscrape/internal/logging"
)

// Runner is the part of app.App the commands use. Tests inject a fake.
type Runner interface {
	Run(ctx context.Context, req app.Request) (app.Result, error)
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace
// it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger, out io.Writer) (Runner, error) {
	return app.New(ctx, cfg, logger, app.WithOutput(out), app.WithVersion(version))
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

type rootOptions struct {
	configPath string
	verbose    bool
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "mdscrape",
		Short: "Download manga chapters page by page with bounded concurrency.",
		Long: `mdscrape resolves a MangaDex chapter or title id into a list of pages and
downloads them concurrently, never exceeding a global connection cap or a
per-host cap. Every page ends up in the run report as downloaded, failed
or skipped; pages already on disk are skipped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (yaml, toml or json)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging and the full failure list")

	cmd.AddCommand(newFetchCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	return execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	var exitErr *exitError
	switch {
	case err == nil:
		return app.ExitOK
	case errors.As(err, &exitErr):
		if exitErr.err != nil {
			fmt.Fprintln(stderr, "Error:", exitErr.err)
		}
		return exitErr.code
	default:
		fmt.Fprintln(stderr, "Error:", err)
		return app.ExitFatal
	}
}

// loadConfigAndLogger resolves configuration with flag overrides and builds
// the process logger.
func loadConfigAndLogger(opts *rootOptions, overrides map[string]any) (config.Config, *zap.Logger, error) {
	if opts.verbose {
		overrides["logging.level"] = "debug"
		overrides["report.verbose"] = true
	}
	cfg, err := config.Load(opts.configPath, overrides)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}
