package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/internal/monitor"
)

func newMonitorCmd() *cobra.Command {
	var addr string
	var interval time.Duration
	var limit int
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch a running daemon's processes, tests and events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Addr
			}
			src := monitor.HTTPSource{
				BaseURL:     baseURL(addr),
				EventLog:    cfg.EventLog,
				ResultLimit: limit,
			}
			ctx, stop := commandContext(cmd)
			defer stop()
			return monitor.Run(ctx, src, monitor.Options{Interval: interval})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envOrDefault("WEBTESTD_ADDR", ""), "Daemon address (defaults to the configured addr)")
	cmd.Flags().DurationVar(&interval, "interval", monitor.DefaultInterval, "Refresh interval")
	cmd.Flags().IntVar(&limit, "limit", 10, "Recent tests to show")
	return cmd
}

// baseURL turns a listen address into a URL a client can dial.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1" + strings.TrimPrefix(addr, "0.0.0.0")
	}
	return "http://" + addr
}
