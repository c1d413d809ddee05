package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/c360/canopy/catalog"
	"github.com/c360/canopy/config"
	"github.com/c360/canopy/eventstore"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Long: `Apply the event store and catalog schema to the configured SQLite
database. Safe to run repeatedly; serve also applies the schema on startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			logger := config.NewLogger(cfg.Logging, os.Stderr)

			store, err := eventstore.Open(cfg.Database.Path, logger, nil)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			cat, err := catalog.Open(cfg.Database.Path, logger)
			if err != nil {
				return err
			}
			defer func() { _ = cat.Close() }()

			logger.Info("schema applied", "path", cfg.Database.Path)
			return nil
		},
	}
}
