package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/koobs1993/mindwell/config"
	"github.com/koobs1993/mindwell/db"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			if err := db.Migrate(cfg.PostgresURL()); err != nil {
				return err
			}
			fmt.Println("Database is up to date.")
			return nil
		},
	}
}
