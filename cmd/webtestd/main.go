package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/cmd/internal/config"
)

var (
	flagWorkspace string
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		var reported reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "webtestd",
		Short:         "Supervise k6, Lighthouse and browser test engines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagWorkspace, "workspace", envOrDefault("WEBTESTD_WORKSPACE", "."), "Workspace root (config, state and engine servers)")
	root.PersistentFlags().StringVar(&flagConfig, "config", envOrDefault("WEBTESTD_CONFIG", ""), "Config file (defaults to webtestd.yaml|yml|toml in the workspace)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", envOrDefault("WEBTESTD_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "json", "Log format (json or console)")

	root.AddCommand(
		newServeCmd(),
		newRPCCmd(),
		newRunCmd(),
		newResultsCmd(),
		newCallCmd(),
		newCheckCmd(),
		newConfigCmd(),
		newMonitorCmd(),
		newToolhostCmd(),
	)
	return root
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadConfig resolves the config file from --config or the workspace.
func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = config.Find(flagWorkspace)
	}
	return config.Load(flagWorkspace, path)
}

// newLogger writes to stderr; stdout carries protocol traffic in rpc and
// toolhost mode.
func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	var cfg zap.Config
	switch format {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

func cliLogger() (*zap.Logger, error) {
	return newLogger(flagLogLevel, flagLogFormat)
}
