package main

import (
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/threatmatch/internal/repository"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the run history store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Database.Type != "postgres" {
				return a.fail("migrate requires database.type postgres (configured: %s)", a.cfg.Database.Type)
			}
			if err := repository.Migrate(a.cfg.Database.Postgres.ConnString()); err != nil {
				return a.fail("%v", err)
			}
			a.printer.Success("Database migrations applied")
			return nil
		},
	}
}
