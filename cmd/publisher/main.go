package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/samvad-hq/dashboard-publisher/internal/app"
	"github.com/samvad-hq/dashboard-publisher/internal/config"
	"github.com/samvad-hq/dashboard-publisher/internal/logger"
	"github.com/samvad-hq/dashboard-publisher/pkg/restcall"
	"github.com/spf13/cobra"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "publisher failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.Init(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Close()

	logger.InfoObj("publisher starting", "config", map[string]any{
		"app_env":          cfg.Env,
		"dashboard_url":    cfg.DashboardURL,
		"use_proxy":        cfg.UseProxy,
		"proxy_configured": cfg.HasProxy(),
		"publishers_file":  cfg.PublishersFile,
		"storage_type":     cfg.StorageType,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(cfg, log)
	root.SetContext(ctx)
	return root.Execute()
}

func newRootCmd(cfg *config.Config, log logger.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "publisher",
		Short:         "Report CI build events to the dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "get <url>",
			Short: "GET a dashboard URL (Basic auth when dashboard_user/token are set)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				res := app.Probe(cmd.Context(), cfg, app.NewExecutor(cfg, log), args[0])
				return printResult(cmd.OutOrStdout(), res)
			},
		},
		&cobra.Command{
			Use:   "post <url> <json> [correlation-id]",
			Short: "POST a JSON body, optionally with a correlation id",
			Args:  cobra.RangeArgs(2, 3),
			RunE: func(cmd *cobra.Command, args []string) error {
				exec := app.NewExecutor(cfg, log)
				var res restcall.CallResult
				if len(args) == 3 {
					res = exec.PostWithCorrelation(cmd.Context(), args[0], args[1], args[2])
				} else {
					res = exec.Post(cmd.Context(), args[0], args[1])
				}
				return printResult(cmd.OutOrStdout(), res)
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Probe dashboard_url",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if cfg.DashboardURL == "" {
					return fmt.Errorf("dashboard_url is not configured")
				}
				res := app.Probe(cmd.Context(), cfg, app.NewExecutor(cfg, log), cfg.DashboardURL)
				return printResult(cmd.OutOrStdout(), res)
			},
		},
		&cobra.Command{
			Use:   "report <build.json>",
			Short: "Report a single build to every configured sink",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withReporter(cmd.Context(), cfg, log, func(r *app.Reporter) error {
					build, err := r.ReportFile(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "reported build %s\n", build.ID)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "watch",
			Short: "Report builds dropped into spool_dir until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withReporter(cmd.Context(), cfg, log, func(r *app.Reporter) error {
					return r.Run(cmd.Context())
				})
			},
		},
	)
	return root
}

func withReporter(ctx context.Context, cfg *config.Config, log logger.Logger, fn func(*app.Reporter) error) error {
	r, err := app.NewReporter(ctx, cfg, log)
	if err != nil {
		log.ErrorObj("failed to initialize reporter", "error", err)
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			log.ErrorObj("reporter close failed", "error", err)
		}
	}()
	return fn(r)
}

func printResult(w io.Writer, res restcall.CallResult) error {
	if _, err := fmt.Fprintf(w, "status=%d\n%s\n", res.StatusCode, res.Body); err != nil {
		return err
	}
	if !res.IsSuccess() {
		return fmt.Errorf("request returned status %d", res.StatusCode)
	}
	return nil
}
