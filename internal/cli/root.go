// Package cli is the command tree of the demo host binary.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"auditlog/internal/platform/config"
)

// NewRootCommand builds the command tree. Configuration is read once per
// invocation from AUDIT_LOG_CONFIG and the environment, or from --config.
func NewRootCommand() *cobra.Command {
	var configPath string
	load := func() (config.Config, error) {
		if configPath == "" {
			return config.FromEnv()
		}
		return config.Load(configPath, os.LookupEnv)
	}

	root := &cobra.Command{
		Use:           "auditlog",
		Short:         "Audit log demo host",
		Long:          "Runs the audit log demo host and its maintenance tasks.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides AUDIT_LOG_CONFIG)")

	root.AddCommand(
		newServeCommand(load),
		newPurgeCommand(load),
		newConfigCommand(load),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		root.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
