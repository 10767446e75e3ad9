package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vyvo/studio/backend/pkg/config"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the postgres schema",
		Long:  "Applies the instance, execution, generation and workflow tables. Only the postgres driver has a schema.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if cfg.Storage.Driver != "postgres" {
				fmt.Fprintf(out, "storage driver %q has no schema to migrate\n", cfg.Storage.Driver)
				return nil
			}
			db, err := openPostgres(cfg.Storage.DSN)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := migrate(db); err != nil {
				return err
			}
			fmt.Fprintln(out, "schema up to date")
			return nil
		},
	}
}
