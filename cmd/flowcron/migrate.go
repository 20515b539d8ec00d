package main

import (
	"fmt"

	"github.com/RealZimboGuy/flowcron/internal/migrations"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return flowcron.Migrate()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := flowcron.DatabaseFromConfig()
			if err != nil {
				return err
			}
			return migrations.Down(d.MigrationDir, d.MigrateURL)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := flowcron.DatabaseFromConfig()
			if err != nil {
				return err
			}
			v, dirty, err := migrations.Version(d.MigrationDir, d.MigrateURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", v, dirty)
			return nil
		},
	})
	return cmd
}
