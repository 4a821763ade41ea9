package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/quietrefresh/internal/config"
	"github.com/GriffinCanCode/quietrefresh/internal/history"
	"github.com/GriffinCanCode/quietrefresh/internal/metrics"
	"github.com/GriffinCanCode/quietrefresh/internal/orchestrator"
	"github.com/GriffinCanCode/quietrefresh/internal/server"
)

// defaultHistory selects history.DefaultPath for history.path.
const defaultHistory = "default"

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch the screen and refresh after changes settle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, v, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, v)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, v *viper.Viper) error {
	live := config.NewLive(cfg)
	config.Watch(v, live)
	m := metrics.New()

	deps := orchestrator.Deps{Metrics: m}
	var hist server.HistoryReader
	if cfg.HistoryPath != "" {
		path := cfg.HistoryPath
		if path == defaultHistory {
			p, err := history.DefaultPath()
			if err != nil {
				return err
			}
			path = p
		}
		db, err := history.Open(path)
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(); err != nil {
				slog.Warn("closing history database", "error", err)
			}
		}()
		repo := history.NewRepository(db)
		deps.History, hist = repo, repo
		slog.Info("fire history enabled", "path", path)
	}

	mgr, err := orchestrator.New(cfg, live, deps)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	if cfg.HTTPAddr != "" {
		srv := server.New(mgr, hist, m)
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.HTTPAddr) })
	}

	err = g.Wait()
	slog.Info("shutdown complete")
	return err
}
