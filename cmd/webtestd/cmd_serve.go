package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/server"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and supervise the test engines",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			logger, err := cliLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			st, err := openStack(cfg, logger, stackOptions{withStore: true})
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, st.Close()) }()

			ctx, stop := commandContext(cmd)
			defer stop()

			api := &server.APIServer{Service: st.service, Logger: logger}
			logger.Info("webtestd starting",
				zap.String("addr", cfg.Addr),
				zap.String("store", cfg.StoreDriver),
				zap.String("workspace", cfg.Workspace))
			return ignoreCanceled(api.ServeContext(ctx, cfg.Addr))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envOrDefault("WEBTESTD_ADDR", ""), "Address for the HTTP API (overrides config)")
	return cmd
}

func newRPCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rpc",
		Short: "Serve JSON-RPC 2.0 on stdin/stdout",
		Long:  "Serve the test service as JSON-RPC 2.0 with Content-Length framing on stdin/stdout. Logs go to stderr.",
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

			st, err := openStack(cfg, logger, stackOptions{withStore: true})
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, st.Close()) }()

			ctx, stop := commandContext(cmd)
			defer stop()

			rpc := &server.RPCServer{Service: st.service, Logger: logger}
			return ignoreCanceled(rpc.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout()))
		},
	}
}

// commandContext ends on SIGINT or SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
