package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/internal/toolhost"
)

// reportedError has already been written to stderr; main only sets the exit
// status.
type reportedError struct{ err error }

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

func newToolhostCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "toolhost <kind>",
		Short:  "Serve one engine request read from stdin (local fallback mode)",
		Args:   cobra.ExactArgs(1),
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stderr is read by the supervisor's classifier; keep it quiet
			// unless debugging.
			logger := zap.NewNop()
			if flagLogLevel == "debug" {
				var err error
				if logger, err = cliLogger(); err != nil {
					return err
				}
				defer func() { _ = logger.Sync() }()
			}
			host, err := toolhost.New(args[0], logger)
			if err != nil {
				return err
			}
			ctx, stop := commandContext(cmd)
			defer stop()
			if err := host.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr()); err != nil {
				return reportedError{err: err}
			}
			return nil
		},
	}
}
