package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/persistence"
	"github.com/Kdotu/2025-web-testing-mcp-sub002/server"
)

func newRunCmd() *cobra.Command {
	var configJSON string
	var configPath string
	cmd := &cobra.Command{
		Use:   "run <load|audit|browser|scenario>",
		Short: "Run one test in-process and print its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			raw, err := readJSONArg(configJSON, configPath)
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

			st, err := openStack(cfg, logger, stackOptions{withStore: true})
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, st.Close()) }()

			ctx, stop := commandContext(cmd)
			defer stop()

			result, err := st.service.Run(ctx, server.RunRequest{Type: args[0], Config: raw})
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("test %s %s: %s", result.ID, result.Status, result.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configJSON, "config-json", "", "Test configuration as inline JSON")
	cmd.Flags().StringVarP(&configPath, "file", "f", "", "Test configuration JSON file ('-' for stdin)")
	return cmd
}

func newResultsCmd() *cobra.Command {
	var testType, status string
	var limit int
	resultsCmd := &cobra.Command{Use: "results", Short: "Inspect stored test results"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored test results, newest first",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			st, err := openResultStore(false)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, st.release()) }()
			results, err := st.store.List(cmd.Context(), persistence.ListOptions{
				TestType: testType,
				Status:   persistence.ResultStatus(status),
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			return writeResultTable(cmd.OutOrStdout(), results)
		},
	}
	listCmd.Flags().StringVar(&testType, "type", "", "Filter by test type")
	listCmd.Flags().StringVar(&status, "status", "", "Filter by status")
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum results (0 for all)")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one test result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			st, err := openResultStore(false)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, st.release()) }()
			result, ok, err := st.store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: %w", args[0], persistence.ErrResultNotFound)
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete test results (the daemon must be stopped)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			st, err := openResultStore(true)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, st.release()) }()
			for _, id := range args {
				if err := st.store.Delete(cmd.Context(), id); err != nil {
					return err
				}
			}
			return nil
		},
	}

	resultsCmd.AddCommand(listCmd, showCmd, deleteCmd)
	return resultsCmd
}

// openResultStore opens the configured store without the supervisor. Reads
// tolerate a running daemon; exclusive also takes the workspace lock.
func openResultStore(exclusive bool) (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	st := &stack{cfg: cfg}
	if exclusive {
		if err := st.acquireLock(); err != nil {
			return nil, err
		}
	}
	store, err := openStore(cfg)
	if err != nil {
		_ = st.release()
		return nil, err
	}
	st.store = store
	return st, nil
}

func writeResultTable(w io.Writer, results []persistence.TestResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tTARGET\tUPDATED")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.TestType, r.Status, r.Target, r.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// readJSONArg returns inline JSON or the contents of path, validated.
func readJSONArg(inline, path string) (json.RawMessage, error) {
	if inline != "" && path != "" {
		return nil, errors.New("use either --config-json or --file, not both")
	}
	var data []byte
	switch {
	case inline != "":
		data = []byte(inline)
	case path == "-":
		var err error
		if data, err = io.ReadAll(os.Stdin); err != nil {
			return nil, err
		}
	case path != "":
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	default:
		return nil, nil
	}
	data = []byte(strings.TrimSpace(string(data)))
	if !json.Valid(data) {
		return nil, errors.New("configuration is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
