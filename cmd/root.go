// Package cmd provides the command-line interface for the audit center core.
package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

// NewRootCmd builds the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bkaudit",
		Short: "Audit center core: strategy lifecycle, detection and risk tickets",
		Long: `bkaudit runs the audit center core service. It manages audit strategy
lifecycles, schedules detections over the event store, turns detection
hits into risk tickets and reconciles strategies against new solution
releases.

Run without a subcommand to start the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file (env overrides with BKAUDIT_ prefix)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newToolsCmd())
	return root
}
