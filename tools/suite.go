package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/framework"
	"github.com/Kdotu/2025-web-testing-mcp-sub002/supervisor"
)

// Engine method names.
const (
	MethodLoadTest            = "execute_k6_test"
	MethodLoadTestWithOptions = "execute_k6_test_with_options"
	MethodAudit               = "run_audit"
	MethodBrowserTest         = "run_test"
	MethodScenario            = "execute_scenario"
)

const navigationFailureMessage = "Navigation timeout or network error detected"

// TestOutcome is the interpreted result of one engine run.
type TestOutcome struct {
	Success bool               `json:"success"`
	Data    json.RawMessage    `json:"data,omitempty"`
	Output  string             `json:"output,omitempty"`
	Logs    []string           `json:"logs,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// LoadTestConfig parameterizes a k6 run.
type LoadTestConfig struct {
	ScriptPath string `json:"script_path"`
	Duration   string `json:"duration,omitempty"`
	VUs        int    `json:"vus,omitempty"`
	// Options are extra k6 flags; setting any selects the options method.
	Options map[string]any `json:"options,omitempty"`
}

// AuditConfig parameterizes a Lighthouse audit.
type AuditConfig struct {
	URL        string   `json:"url"`
	Device     string   `json:"device,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// BrowserTestConfig parameterizes a browser-automation page test.
type BrowserTestConfig struct {
	URL    string         `json:"url"`
	Config map[string]any `json:"config,omitempty"`
}

// Suite runs tests across the three engines and interprets their
// responses.
type Suite struct {
	Load    ToolClient
	Audit   ToolClient
	Browser ToolClient
	logger  *zap.Logger
}

// NewSuite wires pre-built clients.
func NewSuite(load, audit, browser ToolClient, logger *zap.Logger) *Suite {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Suite{Load: load, Audit: audit, Browser: browser, logger: logger.Named("suite")}
}

// BuildSuite selects a client per engine with sel.
func BuildSuite(runner Runner, sel Selector, logger *zap.Logger) (*Suite, error) {
	clients := make([]ToolClient, 0, 3)
	for _, kind := range Kinds() {
		client, err := NewClient(runner, kind, sel, logger)
		if err != nil {
			return nil, fmt.Errorf("build %s client: %w", kind, err)
		}
		clients = append(clients, client)
	}
	return NewSuite(clients[0], clients[1], clients[2], logger), nil
}

// Client returns the client for an engine kind or alias.
func (s *Suite) Client(kind string) (ToolClient, bool) {
	desc, ok := LookupDescriptor(kind)
	if !ok {
		return nil, false
	}
	switch desc.Kind {
	case KindLoad:
		return s.Load, s.Load != nil
	case KindAudit:
		return s.Audit, s.Audit != nil
	case KindBrowser:
		return s.Browser, s.Browser != nil
	}
	return nil, false
}

// ExecuteLoadTest runs a k6 script and flags network or threshold failures
// found in its output.
func (s *Suite) ExecuteLoadTest(ctx context.Context, cfg LoadTestConfig) TestOutcome {
	params := map[string]any{
		"script_file": cfg.ScriptPath,
		"duration":    valueOr(cfg.Duration, "30s"),
		"vus":         cfg.VUs,
	}
	if cfg.VUs <= 0 {
		params["vus"] = 10
	}
	method := MethodLoadTest
	if len(cfg.Options) > 0 {
		method = MethodLoadTestWithOptions
		params["options"] = cfg.Options
	}
	s.logger.Info("executing load test", zap.String("script", cfg.ScriptPath), zap.String("method", method))
	res, err := s.Load.CallTool(ctx, method, params)
	if err != nil {
		return failed(err)
	}
	view, data := responseView(res)
	output := view.Get("output").String()
	if output == "" {
		output = view.Get("result").String()
	}
	outcome := TestOutcome{
		Success: true,
		Data:    data,
		Output:  output,
		Metrics: metricsOf(res, view, output),
	}
	if failure := supervisor.ClassifyLoadOutput(output); failure != supervisor.LoadOK {
		outcome.Success = false
		outcome.Error = failure.Message()
	}
	return outcome
}

// ExecuteAudit runs a Lighthouse audit.
func (s *Suite) ExecuteAudit(ctx context.Context, cfg AuditConfig) TestOutcome {
	categories := cfg.Categories
	if len(categories) == 0 {
		categories = []string{"performance"}
	}
	s.logger.Info("executing audit", zap.String("url", cfg.URL))
	res, err := s.Audit.CallTool(ctx, MethodAudit, map[string]any{
		"url":        cfg.URL,
		"device":     valueOr(cfg.Device, "desktop"),
		"categories": categories,
	})
	if err != nil {
		return failed(err)
	}
	view, data := responseView(res)
	return reported(TestOutcome{Success: true, Data: data, Output: view.Get("output").String(), Metrics: metricsOf(res, view, "")}, view)
}

// ExecuteBrowserTest runs a page-level browser test.
func (s *Suite) ExecuteBrowserTest(ctx context.Context, cfg BrowserTestConfig) TestOutcome {
	config := cfg.Config
	if config == nil {
		config = map[string]any{}
	}
	s.logger.Info("executing browser test", zap.String("url", cfg.URL))
	res, err := s.Browser.CallTool(ctx, MethodBrowserTest, map[string]any{"url": cfg.URL, "config": config})
	if err != nil {
		return failed(err)
	}
	view, data := responseView(res)
	return reported(TestOutcome{Success: true, Data: data, Output: view.Get("output").String(), Metrics: metricsOf(res, view, "")}, view)
}

// ExecuteScenario runs user-supplied browser scenario code. The run fails
// when the tool says so or when its error or logs show a navigation
// timeout.
func (s *Suite) ExecuteScenario(ctx context.Context, code string, config map[string]any) TestOutcome {
	if config == nil {
		config = map[string]any{}
	}
	if err := s.Browser.Initialize(ctx); err != nil {
		s.logger.Warn("browser client initialization failed, continuing", zap.Error(err))
	}
	s.logger.Info("executing scenario", zap.Int("code_bytes", len(code)))
	res, err := s.Browser.CallTool(ctx, MethodScenario, map[string]any{"scenarioCode": code, "config": config})
	if err != nil {
		return failed(err)
	}
	view, data := responseView(res)
	logs := scenarioLogs(view)
	s.logger.Debug("scenario finished", zap.Int("log_lines", len(logs)))

	output := view.Get("output").String()
	joined := strings.Join(logs, "\n")
	if len(logs) == 0 {
		joined = output
	}
	errMsg := view.Get("data.error").String()
	if errMsg == "" {
		errMsg = view.Get("error").String()
	}
	timedOut := supervisor.DetectNavigationTimeout(errMsg, joined)

	outcome := TestOutcome{
		Success: view.Get("data.success").Type != gjson.False && view.Get("success").Type != gjson.False && !timedOut,
		Data:    data,
		Output:  valueOr(output, joined),
		Logs:    logs,
		Metrics: metricsOf(res, view, ""),
		Error:   errMsg,
	}
	if outcome.Error == "" && timedOut {
		outcome.Error = navigationFailureMessage
	}
	return outcome
}

// CheckConnections initializes every client and reports which succeeded.
func (s *Suite) CheckConnections(ctx context.Context) map[string]bool {
	results := make(map[string]bool, 3)
	for _, kind := range Kinds() {
		client, ok := s.Client(kind)
		if !ok {
			results[kind] = false
			continue
		}
		if err := client.Initialize(ctx); err != nil {
			s.logger.Warn("client connection failed", zap.String("kind", kind), zap.Error(err))
			results[kind] = false
			continue
		}
		results[kind] = true
	}
	return results
}

// Cleanup closes every client.
func (s *Suite) Cleanup(ctx context.Context) error {
	var err error
	for _, kind := range Kinds() {
		if client, ok := s.Client(kind); ok {
			err = multierr.Append(err, client.Close(ctx))
		}
	}
	if err != nil {
		s.logger.Warn("cleanup failed", zap.Error(err))
	}
	return err
}

// reported marks the outcome failed when the tool answered with
// "success": false.
func reported(outcome TestOutcome, view gjson.Result) TestOutcome {
	if view.Get("success").Type == gjson.False {
		outcome.Success = false
		outcome.Error = valueOr(view.Get("error").String(), "tool reported failure")
	}
	return outcome
}

func failed(err error) TestOutcome {
	return TestOutcome{Success: false, Error: err.Error()}
}

// responseView returns the document to read fields from: the tool's own
// JSON when it sent one, otherwise the synthesized result.
func responseView(res *framework.CommandResult) (gjson.Result, json.RawMessage) {
	if res.Structured() {
		return gjson.ParseBytes(res.Raw), res.Raw
	}
	data, err := json.Marshal(res)
	if err != nil {
		return gjson.Result{}, nil
	}
	return gjson.ParseBytes(data), data
}

// metricsOf prefers metrics the supervisor extracted, then a numeric
// "metrics" object in the response, then metrics parsed from fallback text.
func metricsOf(res *framework.CommandResult, view gjson.Result, fallback string) map[string]float64 {
	if len(res.Metrics) > 0 {
		return res.Metrics
	}
	metrics := map[string]float64{}
	view.Get("metrics").ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.Number {
			metrics[key.String()] = value.Num
		}
		return true
	})
	if len(metrics) == 0 && fallback != "" {
		metrics = supervisor.ParseMetrics(fallback)
	}
	if len(metrics) == 0 {
		return nil
	}
	return metrics
}

func scenarioLogs(view gjson.Result) []string {
	for _, path := range []string{"logs", "data.logs", "result.data.logs"} {
		field := view.Get(path)
		if !field.IsArray() {
			continue
		}
		var logs []string
		for _, item := range field.Array() {
			logs = append(logs, item.String())
		}
		return logs
	}
	return nil
}
