package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Consult/internal/adapters/store/pgstore"
	"github.com/dkeye/Consult/internal/config"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the session table and its change trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := pgstore.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.MaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := pgstore.New(pool).Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info().Msg("migration applied")
			return nil
		},
	}
}
