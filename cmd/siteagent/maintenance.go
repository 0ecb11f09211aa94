package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-site-agent/internal/repo"
	"github.com/tbourn/go-site-agent/internal/services"
)

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete dedup records older than DEDUP_RETENTION",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := repo.Open(repo.Options{Driver: cfg.DBDriver, Path: cfg.DBPath, DSN: cfg.DatabaseURL})
			if err != nil {
				return err
			}
			p := &services.PurgeService{DB: db, Retention: cfg.DedupRetention, Log: log.Logger}
			n, err := p.PurgeOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d dedup records\n", n)
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := repo.Open(repo.Options{Driver: cfg.DBDriver, Path: cfg.DBPath, DSN: cfg.DatabaseURL})
			if err != nil {
				return err
			}
			if err := repo.AutoMigrate(db); err != nil {
				return err
			}
			log.Info().Str("driver", cfg.DBDriver).Msg("schema migrated")
			return nil
		},
	}
}
