package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	pgstore "github.com/JakeFAU/jobpost-crawler/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			db := e.cfg.Database
			if db.DSN == "" {
				return errors.New("database.dsn must be set to migrate")
			}
			store, err := pgstore.NewPostingStore(cmd.Context(), pgstore.Config{
				DSN:             db.DSN,
				MaxConns:        db.MaxConns,
				MinConns:        db.MinConns,
				MaxConnLifetime: time.Duration(db.MaxConnLifetimeMinutes) * time.Minute,
			})
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			e.logger.Info("schema applied")
			return nil
		},
	}
}
