package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/RealZimboGuy/flowcron/internal/config"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "flowcron",
		Short:         "Multi-mode workflow scheduler",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				config.SetSystemSetting(config.LOG_LEVEL, logLevel)
			}
			if err := config.LoadConfigFile(); err != nil {
				return err
			}
			flowcron.SetupLogger()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newSchedulesCmd(),
		newEnqueueCmd(),
		newCancelCmd(),
		newExecutionCmd(),
		newHealthCmd(),
		newDefinitionsCmd(),
	)
	return root
}

// withApp opens the configured database for one admin command.
func withApp(fn func(app *flowcron.App) error) error {
	db, err := flowcron.OpenDatabase()
	if err != nil {
		return err
	}
	defer func(db *sql.DB) { _ = db.Close() }(db)
	return fn(flowcron.New(db, nil))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}
