package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vendorflow/vendorflow/internal/platform/config"
	"github.com/vendorflow/vendorflow/internal/store"
	"github.com/vendorflow/vendorflow/internal/store/postgres"
	"github.com/vendorflow/vendorflow/internal/store/postgres/migrations"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema",
		Long: "Manage the postgres schema. The DSN comes from [storage.drivers.postgres] " +
			"or VENDORFLOW_POSTGRES_DSN; the other drivers manage their own schema.",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPostgres(func(db *sql.DB) error {
				if err := migrations.Up(db); err != nil {
					return err
				}
				return printStatus(cmd, db)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPostgres(func(db *sql.DB) error {
				if err := migrations.Down(db); err != nil {
					return err
				}
				return printStatus(cmd, db)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the applied and latest schema versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPostgres(func(db *sql.DB) error {
				return printStatus(cmd, db)
			})
		},
	})
	return cmd
}

// withPostgres opens the configured postgres pool without running its
// startup schema check and hands it to fn.
func withPostgres(fn func(db *sql.DB) error) error {
	cfg, _, err := loadConfig(config.FlagOverrides{})
	if err != nil {
		return err
	}
	d, err := store.New(&store.DriverConfig{
		Driver:  "postgres",
		Drivers: cfg.Storage.Drivers,
	})
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(d.(*postgres.Driver).DB())
}

func printStatus(cmd *cobra.Command, db *sql.DB) error {
	st, err := migrations.Check(db)
	if err != nil {
		return err
	}
	state := "current"
	switch {
	case st.Dirty:
		state = "dirty"
	case !st.Current():
		state = "pending"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "version %d of %d (%s)\n", st.Version, st.Latest, state)
	return nil
}
