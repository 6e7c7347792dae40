package cmd

import (
	"fmt"
	"text/tabwriter"

	"bkaudit/config"
	"bkaudit/tool"

	"github.com/spf13/cobra"
)

func newToolsCmd() *cobra.Command {
	toolsCmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the risk-handling tool catalog",
	}
	toolsCmd.AddCommand(newToolsListCmd())
	toolsCmd.AddCommand(newToolsValidateCmd())
	return toolsCmd
}

func catalogPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return "", err
	}
	if cfg.Tool.CatalogPath == "" {
		return "", fmt.Errorf("no catalog path given and tool.catalog_path is not configured")
	}
	return cfg.Tool.CatalogPath, nil
}

func newToolsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [catalog.yaml]",
		Short: "List the tools in the catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := catalogPath(args)
			if err != nil {
				return err
			}
			catalog, err := tool.LoadCatalog(path)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTERMINAL ACTION\tAPPROVAL\tPARAMS")
			for _, t := range catalog.All() {
				approval := "-"
				if t.NeedsApproval {
					approval = "required"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", t.Name, t.TerminalAction, approval, len(t.Params))
			}
			return w.Flush()
		},
	}
}

func newToolsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [catalog.yaml]",
		Short: "Validate a tool catalog file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := catalogPath(args)
			if err != nil {
				return err
			}
			catalog, err := tool.LoadCatalog(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "catalog OK: %d tools\n", len(catalog.All()))
			return nil
		},
	}
}
