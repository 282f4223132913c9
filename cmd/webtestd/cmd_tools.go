package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/tools"
)

func newCallCmd() *cobra.Command {
	var params string
	var paramsPath string
	cmd := &cobra.Command{
		Use:   "call <tool> <method>",
		Short: "Send one raw method to an engine and print its response",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			raw, err := readJSONArg(params, paramsPath)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := cliLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			st, err := openStack(cfg, logger, stackOptions{})
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, st.Close()) }()

			client, ok := st.suite.Client(args[0])
			if !ok {
				return fmt.Errorf("unknown tool %q (supported: %v)", args[0], tools.SupportedKeys())
			}
			ctx, stop := commandContext(cmd)
			defer stop()

			var payload any
			if len(raw) > 0 {
				payload = raw
			}
			res, err := client.CallTool(ctx, args[1], payload)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&params, "params", "", "Method parameters as inline JSON")
	cmd.Flags().StringVarP(&paramsPath, "file", "f", "", "Method parameters JSON file ('-' for stdin)")
	return cmd
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Start every engine, ping it, and report reachability",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := cliLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			st, err := openStack(cfg, logger, stackOptions{})
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, st.Close()) }()

			ctx, stop := commandContext(cmd)
			defer stop()

			checks := st.suite.CheckConnections(ctx)
			return writeChecks(cmd, checks, st.suite)
		},
	}
}

func writeChecks(cmd *cobra.Command, checks map[string]bool, suite *tools.Suite) error {
	kinds := make([]string, 0, len(checks))
	for kind := range checks {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	var down []string
	for _, kind := range kinds {
		state := "ok"
		if !checks[kind] {
			state = "unreachable"
			down = append(down, kind)
		}
		mode := ""
		if client, ok := suite.Client(kind); ok {
			if provider, ok := client.(tools.ProcessMetadataProvider); ok {
				mode = string(provider.ProcessMetadata().Mode)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-12s %s\n", kind, state, mode)
	}
	if len(down) > 0 {
		return fmt.Errorf("unreachable engines: %v", down)
	}
	return nil
}
