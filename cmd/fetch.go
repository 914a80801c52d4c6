package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/mdscrape/internal/app"
	"github.com/JakeFAU/mdscrape/internal/plan"
)

type fetchOptions struct {
	chapter       bool
	title         bool
	lang          string
	start         int
	end           int
	info          bool
	ignoredGroups []int
	noProgress    bool
	global        int
	perOrigin     int
	output        string
}

// newFetchCmd creates the 'fetch' subcommand.
func newFetchCmd(root *rootOptions) *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch <resource-id>",
		Short: "Download a chapter (-c, default) or a whole title (-t)",
		Long: `Downloads every page of a chapter into the output directory, or every
selected chapter of a title into one directory per chapter. With -i the
plan is printed and nothing is downloaded.

Exit status is 0 when no page failed permanently, 1 when some did, 2 when
the run was interrupted and 3 on a setup error.`,
		Example: `  mdscrape fetch 1234
  mdscrape fetch -t 77 -l gb -s 1200 -e 1300 --ignored-groups 5,9
  mdscrape fetch -t 77 -i`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, root, opts, args[0])
		},
	}

	f := cmd.Flags()
	f.BoolVarP(&opts.chapter, "chapter", "c", false, "resource id is a chapter (default)")
	f.BoolVarP(&opts.title, "title", "t", false, "resource id is a title; download its chapters")
	f.StringVarP(&opts.lang, "lang", "l", "", "chapter language code for title mode (default from config, gb)")
	f.IntVarP(&opts.start, "start", "s", 0, "first chapter id to download in title mode")
	f.IntVarP(&opts.end, "end", "e", 0, "chapter id to stop before in title mode")
	f.BoolVarP(&opts.info, "info", "i", false, "print the plan without downloading")
	f.IntSliceVar(&opts.ignoredGroups, "ignored-groups", nil, "scanlation group ids to leave out")
	f.BoolVar(&opts.noProgress, "no-progress", false, "do not print a line per page")
	f.IntVar(&opts.global, "global", 0, "global connection cap")
	f.IntVar(&opts.perOrigin, "per-origin", 0, "connection cap per host")
	f.StringVarP(&opts.output, "output", "o", "", "destination directory")
	cmd.MarkFlagsMutuallyExclusive("chapter", "title")
	return cmd
}

// overrides maps the flags the user actually set onto config keys.
func (o *fetchOptions) overrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("lang") {
		out["output.lang"] = o.lang
	}
	if flags.Changed("ignored-groups") {
		out["output.ignored_groups"] = o.ignoredGroups
	}
	if flags.Changed("output") {
		out["output.dir"] = o.output
	}
	if flags.Changed("global") {
		out["scheduler.global_threshold"] = o.global
	}
	if flags.Changed("per-origin") {
		out["scheduler.per_origin_threshold"] = o.perOrigin
	}
	if o.noProgress {
		out["progress.console"] = false
	}
	return out
}

func (o *fetchOptions) mode() plan.Mode {
	if o.title {
		return plan.ModeTitle
	}
	return plan.ModeChapter
}

func runFetch(cmd *cobra.Command, root *rootOptions, opts *fetchOptions, rawID string) error {
	id, err := strconv.Atoi(rawID)
	if err != nil || id <= 0 {
		return &exitError{code: app.ExitFatal, err: fmt.Errorf("resource id must be a positive integer, got %q", rawID)}
	}
	if opts.mode() == plan.ModeChapter && (opts.start != 0 || opts.end != 0) {
		return &exitError{code: app.ExitFatal, err: errors.New("--start and --end apply to title mode (-t)")}
	}

	cfg, logger, err := loadConfigAndLogger(root, opts.overrides(cmd))
	if err != nil {
		return &exitError{code: app.ExitFatal, err: err}
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := newApp(ctx, cfg, logger, cmd.OutOrStdout())
	if err != nil {
		return &exitError{code: app.ExitFatal, err: fmt.Errorf("initialize application services: %w", err)}
	}
	defer func() {
		if cerr := runner.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("failed to close application services", zap.Error(cerr))
		}
	}()

	req := app.Request{
		Mode:       opts.mode(),
		ResourceID: id,
		Info:       opts.info,
		Selection: plan.Options{
			Lang:          cfg.Output.Lang,
			IgnoredGroups: cfg.Output.IgnoredGroups,
			Start:         opts.start,
			End:           opts.end,
		},
	}
	res, err := runner.Run(ctx, req)
	if err != nil {
		code := res.Code
		if code == app.ExitOK {
			code = app.ExitFatal
		}
		return &exitError{code: code, err: err}
	}
	if res.Code != app.ExitOK {
		return &exitError{code: res.Code}
	}
	return nil
}
