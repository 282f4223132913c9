// Package toolhost is the in-repo fallback server for each testing engine.
// It answers exactly one JSON-line request and exits, matching the
// supervisor's one-command-per-process protocol.
package toolhost

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultRunTimeout bounds one engine run.
const DefaultRunTimeout = 10 * time.Minute

type request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (map[string]any, error)

// Host serves one engine kind.
type Host struct {
	Kind    string
	Runner  CommandRunner
	Browser Browser
	Getenv  func(string) string
	Logger  *zap.Logger
	Timeout time.Duration

	handlers map[string]handlerFunc
}

// New builds a host for kind with the local runner and a rod-driven
// browser.
func New(kind string, logger *zap.Logger) (*Host, error) {
	h := &Host{
		Kind:    kind,
		Runner:  LocalCommandRunner{},
		Browser: &RodBrowser{Bin: os.Getenv("CHROME_BIN")},
		Getenv:  os.Getenv,
		Logger:  logger,
	}
	if err := h.init(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Host) init() error {
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	if h.Getenv == nil {
		h.Getenv = os.Getenv
	}
	if h.Runner == nil {
		h.Runner = LocalCommandRunner{}
	}
	if h.Timeout <= 0 {
		h.Timeout = DefaultRunTimeout
	}
	h.handlers = map[string]handlerFunc{"ping": h.ping}
	switch h.Kind {
	case "k6":
		h.handlers["execute_k6_test"] = h.executeLoadTest
		h.handlers["execute_k6_test_with_options"] = h.executeLoadTest
	case "lighthouse":
		h.handlers["run_audit"] = h.runAudit
	case "playwright":
		h.handlers["run_test"] = h.runPageTest
		h.handlers["execute_scenario"] = h.executeScenario
	default:
		return fmt.Errorf("unsupported tool kind %q", h.Kind)
	}
	return nil
}

// Methods lists the methods this host answers.
func (h *Host) Methods() []string {
	out := make([]string, 0, len(h.handlers))
	for m := range h.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Serve reads one request from in and writes the response to out. Failures
// are reported on errOut with an "Error:" prefix and returned.
func (h *Host) Serve(ctx context.Context, in io.Reader, out, errOut io.Writer) error {
	if h.handlers == nil {
		if err := h.init(); err != nil {
			return err
		}
	}
	err := h.serve(ctx, in, out)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
	}
	return err
}

func (h *Host) serve(ctx context.Context, in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read request: %w", err)
	}
	if len(strings.TrimSpace(string(line))) == 0 {
		return errors.New("no request received")
	}
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	handler, ok := h.handlers[req.Method]
	if !ok {
		return fmt.Errorf("unknown method %q for %s", req.Method, h.Kind)
	}
	h.Logger.Debug("handling request", zap.String("kind", h.Kind), zap.String("method", req.Method))
	result, err := handler(ctx, req.Params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	_, err = out.Write(append(data, '\n'))
	return err
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

func (h *Host) ping(ctx context.Context, _ json.RawMessage) (map[string]any, error) {
	return map[string]any{"result": "pong", "kind": h.Kind}, nil
}

// binary splits an engine command from the environment, which may carry
// extra words such as "npx lighthouse".
func (h *Host) binary(env, fallback string) []string {
	fields := strings.Fields(h.Getenv(env))
	if len(fields) == 0 {
		return []string{fallback}
	}
	return fields
}
