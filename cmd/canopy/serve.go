package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360/canopy/config"
	"github.com/c360/canopy/service"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the canopy server",
		Long: `Run the canopy server: telemetry ingestion, rule evaluation,
output dispatch, the agent gateway, and the operations API on one listener.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(opts)
		},
	}
}

func runServe(opts *rootOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	logger := config.NewLogger(cfg.Logging, os.Stderr)
	logger.Info("starting canopy", "version", version, "config", opts.ConfigPath)

	svc, err := service.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		_ = svc.Stop()
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return svc.Stop()
}
