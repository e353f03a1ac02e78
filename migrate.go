package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskboard/config"
	"taskboard/events"
	"taskboard/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the tables, indexes and queue the configured backend needs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadStorage(configPath)
		if err != nil {
			return err
		}
		setupLogging(cfg)
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return migrate(ctx, cfg)
	},
}

func migrate(ctx context.Context, cfg config.Config) error {
	store, err := storage.Open(ctx, storageOptions(cfg))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	log.WithField("driver", cfg.StorageDriver).Info("storage ready")

	if cfg.ChangesQueue == "" {
		return nil
	}
	queue, err := events.NewQueuePublisher(cfg.ConnectionString, cfg.ChangesQueue)
	if err != nil {
		return err
	}
	if err := queue.EnsureQueue(ctx); err != nil {
		return err
	}
	log.WithField("queue", cfg.ChangesQueue).Info("changes queue ready")
	return nil
}
