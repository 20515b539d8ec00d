package main

import (
	"fmt"
	"os"

	"github.com/RealZimboGuy/flowcron/internal/definitions"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
	"github.com/spf13/cobra"
)

func newDefinitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "definitions",
		Aliases: []string{"defs"},
		Short:   "Register and list workflow definitions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "register <file-or-dir>",
		Short: "Validate and store YAML definitions, versioning the ones that changed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := loadDefinitions(args[0])
			if err != nil {
				return err
			}
			return withApp(func(app *flowcron.App) error {
				for _, def := range defs {
					created, err := app.Manager.SaveDefinition(cmd.Context(), def)
					if err != nil {
						return fmt.Errorf("register %s: %w", def.Name, err)
					}
					state := "unchanged"
					if created {
						state = "stored"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s v%d %s\n", def.Name, def.Version, state)
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the latest version of every definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(app *flowcron.App) error {
				defs, err := app.Manager.ListDefinitions()
				if err != nil {
					return err
				}
				for _, def := range defs {
					fmt.Fprintf(cmd.OutOrStdout(), "%s v%d (%d steps)\n", def.Name, def.Version, len(def.Steps))
				}
				return nil
			})
		},
	})
	return cmd
}

func loadDefinitions(path string) ([]*domain.WorkflowDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return definitions.LoadDir(path)
	}
	def, err := definitions.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return []*domain.WorkflowDefinition{def}, nil
}
