// Package server is the orchestration boundary: it runs tests through the
// tool suite, persists their results, and exposes both over HTTP and
// JSON-RPC.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/framework"
	"github.com/Kdotu/2025-web-testing-mcp-sub002/persistence"
	"github.com/Kdotu/2025-web-testing-mcp-sub002/supervisor"
	"github.com/Kdotu/2025-web-testing-mcp-sub002/tools"
)

// Test types accepted by Run and Submit.
const (
	TestTypeLoad     = "load"
	TestTypeAudit    = "audit"
	TestTypeBrowser  = "browser"
	TestTypeScenario = "scenario"
)

// ErrUnknownTestType reports a run request naming no known engine.
var ErrUnknownTestType = errors.New("unknown test type")

// RunRequest asks for one test run. Config is decoded according to Type.
type RunRequest struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

// ScenarioConfig parameterizes a browser scenario run.
type ScenarioConfig struct {
	Code   string         `json:"code"`
	Config map[string]any `json:"config,omitempty"`
}

// ProcessView reports the supervisor's live processes.
type ProcessView struct {
	Processes []supervisor.Status      `json:"processes"`
	Usage     supervisor.ResourceUsage `json:"usage"`
}

// ProcessSource is the read side of the supervisor.
type ProcessSource interface {
	GetAllServerStatuses() []supervisor.Status
	GetResourceUsage() supervisor.ResourceUsage
}

// Service runs tests and records them in a ResultStore.
type Service struct {
	suite     *tools.Suite
	store     persistence.ResultStore
	processes ProcessSource
	logger    *zap.Logger
	newID     func() string

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewService wires the suite, the store, and an optional process source.
func NewService(suite *tools.Suite, store persistence.ResultStore, processes ProcessSource, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		suite:     suite,
		store:     store,
		processes: processes,
		logger:    logger.Named("service"),
		newID:     uuid.NewString,
		running:   make(map[string]context.CancelFunc),
	}
}

// normalizeType maps engine names and aliases onto test types.
func normalizeType(kind string) (string, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == TestTypeScenario {
		return TestTypeScenario, nil
	}
	switch kind {
	case TestTypeLoad, TestTypeAudit, TestTypeBrowser:
		return kind, nil
	}
	if desc, ok := tools.LookupDescriptor(kind); ok {
		switch desc.Kind {
		case tools.KindLoad:
			return TestTypeLoad, nil
		case tools.KindAudit:
			return TestTypeAudit, nil
		case tools.KindBrowser:
			return TestTypeBrowser, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownTestType, kind)
}

// plan is a validated request ready to execute.
type plan struct {
	testType string
	target   string
	run      func(ctx context.Context) tools.TestOutcome
}

func (s *Service) prepare(req RunRequest) (plan, error) {
	testType, err := normalizeType(req.Type)
	if err != nil {
		return plan{}, err
	}
	decode := func(v any) error {
		if len(req.Config) == 0 {
			return nil
		}
		if err := json.Unmarshal(req.Config, v); err != nil {
			return fmt.Errorf("decode %s config: %w", testType, err)
		}
		return nil
	}
	switch testType {
	case TestTypeLoad:
		var cfg tools.LoadTestConfig
		if err := decode(&cfg); err != nil {
			return plan{}, err
		}
		if cfg.ScriptPath == "" {
			return plan{}, errors.New("load test requires script_path")
		}
		return plan{testType, cfg.ScriptPath, func(ctx context.Context) tools.TestOutcome {
			return s.suite.ExecuteLoadTest(ctx, cfg)
		}}, nil
	case TestTypeAudit:
		var cfg tools.AuditConfig
		if err := decode(&cfg); err != nil {
			return plan{}, err
		}
		if cfg.URL == "" {
			return plan{}, errors.New("audit requires url")
		}
		return plan{testType, cfg.URL, func(ctx context.Context) tools.TestOutcome {
			return s.suite.ExecuteAudit(ctx, cfg)
		}}, nil
	case TestTypeBrowser:
		var cfg tools.BrowserTestConfig
		if err := decode(&cfg); err != nil {
			return plan{}, err
		}
		if cfg.URL == "" {
			return plan{}, errors.New("browser test requires url")
		}
		return plan{testType, cfg.URL, func(ctx context.Context) tools.TestOutcome {
			return s.suite.ExecuteBrowserTest(ctx, cfg)
		}}, nil
	default:
		var cfg ScenarioConfig
		if err := decode(&cfg); err != nil {
			return plan{}, err
		}
		if strings.TrimSpace(cfg.Code) == "" {
			return plan{}, errors.New("scenario requires code")
		}
		target, _ := cfg.Config["url"].(string)
		return plan{testType, target, func(ctx context.Context) tools.TestOutcome {
			return s.suite.ExecuteScenario(ctx, cfg.Code, cfg.Config)
		}}, nil
	}
}

func (s *Service) create(ctx context.Context, req RunRequest) (*persistence.TestResult, plan, error) {
	p, err := s.prepare(req)
	if err != nil {
		return nil, plan{}, err
	}
	result := &persistence.TestResult{
		ID:       s.newID(),
		TestType: p.testType,
		Target:   p.target,
		Config:   req.Config,
	}
	if err := s.store.Create(ctx, result); err != nil {
		return nil, plan{}, fmt.Errorf("record test: %w", err)
	}
	return result, p, nil
}

// Run executes a test and returns its final record.
func (s *Service) Run(ctx context.Context, req RunRequest) (*persistence.TestResult, error) {
	result, p, err := s.create(ctx, req)
	if err != nil {
		return nil, err
	}
	s.execute(ctx, result.ID, p)
	final, _, err := s.store.Get(ctx, result.ID)
	if err != nil {
		return nil, err
	}
	return final, nil
}

// Submit records a pending test and runs it in the background. The run
// outlives ctx; Cancel or Close stops it.
func (s *Service) Submit(ctx context.Context, req RunRequest) (*persistence.TestResult, error) {
	result, p, err := s.create(ctx, req)
	if err != nil {
		return nil, err
	}
	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(runCtx, result.ID, p)
	}()
	return result, nil
}

func (s *Service) execute(ctx context.Context, id string, p plan) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.running[id] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()

	logger := s.logger.With(zap.String("test_id", id), zap.String("type", p.testType))
	if err := s.store.UpdateStatus(ctx, id, persistence.ResultStatusRunning, "executing "+p.testType); err != nil {
		logger.Warn("test could not start", zap.Error(err))
		return
	}
	logger.Info("test started", zap.String("target", p.target))
	outcome := p.run(ctx)

	// the store write must land even when the run was cancelled
	err := s.store.Finish(context.WithoutCancel(ctx), id, persistence.Outcome{
		Success: outcome.Success,
		Output:  outcome.Output,
		Logs:    outcome.Logs,
		Metrics: outcome.Metrics,
		Data:    outcome.Data,
		Error:   outcome.Error,
	})
	switch {
	case errors.Is(err, persistence.ErrInvalidTransition):
		logger.Debug("test already settled", zap.Error(err))
	case err != nil:
		logger.Error("recording outcome failed", zap.Error(err))
	case outcome.Success:
		logger.Info("test completed")
	default:
		logger.Warn("test failed", zap.String("error", outcome.Error))
	}
}

// Cancel stops a pending or running test and marks it cancelled.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.store.UpdateStatus(ctx, id, persistence.ResultStatusCancelled, "cancelled"); err != nil {
		return err
	}
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	s.logger.Info("test cancelled", zap.String("test_id", id))
	return nil
}

// Result returns one recorded test.
func (s *Service) Result(ctx context.Context, id string) (*persistence.TestResult, error) {
	result, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", persistence.ErrResultNotFound, id)
	}
	return result, nil
}

// Results lists recorded tests, newest first.
func (s *Service) Results(ctx context.Context, opts persistence.ListOptions) ([]persistence.TestResult, error) {
	return s.store.List(ctx, opts)
}

// Call sends a raw method to one engine.
func (s *Service) Call(ctx context.Context, kind, method string, params json.RawMessage) (*framework.CommandResult, error) {
	client, ok := s.suite.Client(kind)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTestType, kind)
	}
	if method == "" {
		return nil, errors.New("method required")
	}
	var payload any
	if len(params) > 0 {
		payload = params
	}
	return client.CallTool(ctx, method, payload)
}

// Check reports which engines are reachable.
func (s *Service) Check(ctx context.Context) map[string]bool {
	return s.suite.CheckConnections(ctx)
}

// Processes reports the supervisor's live processes.
func (s *Service) Processes() ProcessView {
	if s.processes == nil {
		return ProcessView{Processes: []supervisor.Status{}}
	}
	return ProcessView{Processes: s.processes.GetAllServerStatuses(), Usage: s.processes.GetResourceUsage()}
}

// Close cancels background runs, waits for them, and closes the suite's
// clients.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	return multierr.Append(err, s.suite.Cleanup(ctx))
}
