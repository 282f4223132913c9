package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/cmd/internal/config"
	"github.com/Kdotu/2025-web-testing-mcp-sub002/tools"
)

func newConfigCmd() *cobra.Command {
	var format string
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return cfg.Encode(cmd.OutOrStdout(), format)
		},
	}
	configCmd.Flags().StringVar(&format, "format", "yaml", "Output format (yaml or toml)")

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default webtestd.yaml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(flagWorkspace, "webtestd.yaml")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			cfg := config.Default(".")
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			if err := cfg.Encode(f, "yaml"); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	selectCmd := &cobra.Command{
		Use:   "engines",
		Short: "Show which launch mode each engine would use",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sel := cfg.Selector()
			for _, kind := range tools.Kinds() {
				server, mode, err := sel.Select(kind)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-9s %s %v\n", kind, mode, server.Command, server.Args)
			}
			return nil
		},
	}

	configCmd.AddCommand(initCmd, selectCmd)
	return configCmd
}
