package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/framework"
)

// PingMethod is the trial round-trip a local client performs on Initialize.
const PingMethod = "ping"

// ProcessClient runs commands against a supervisor-managed process. The
// process is started lazily and revived by the supervisor when a command
// finds it dead or spent.
type ProcessClient struct {
	kind   string
	mode   Mode
	cfg    framework.ServerConfig
	runner Runner
	owner  string
	logger *zap.Logger

	mu        sync.Mutex
	processID string
}

// NewProcessClient builds a client for cfg. Nothing is launched until
// Initialize or the first CallTool.
func NewProcessClient(runner Runner, kind string, mode Mode, cfg framework.ServerConfig, logger *zap.Logger) (*ProcessClient, error) {
	if runner == nil {
		return nil, errors.New("runner required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessClient{
		kind:   kind,
		mode:   mode,
		cfg:    cfg,
		runner: runner,
		owner:  uuid.NewString(),
		logger: logger.Named("client").With(zap.String("name", cfg.Name), zap.String("mode", string(mode))),
	}, nil
}

// NewClient applies the selector's external-first policy once and returns
// the resulting client.
func NewClient(runner Runner, kind string, sel Selector, logger *zap.Logger) (*ProcessClient, error) {
	cfg, mode, err := sel.Select(kind)
	if err != nil {
		return nil, err
	}
	desc, _ := LookupDescriptor(kind)
	if logger != nil {
		logger.Info("tool client selected",
			zap.String("kind", desc.Kind),
			zap.String("mode", string(mode)),
			zap.String("command", cfg.Command))
	}
	return NewProcessClient(runner, desc.Kind, mode, cfg, logger)
}

// Name returns the logical server name.
func (c *ProcessClient) Name() string {
	return c.cfg.Name
}

// Mode reports whether the client uses the external server or the local
// tool host.
func (c *ProcessClient) Mode() Mode {
	return c.mode
}

// ProcessMetadata implements ProcessMetadataProvider.
func (c *ProcessClient) ProcessMetadata() ProcessMetadata {
	c.mu.Lock()
	id := c.processID
	c.mu.Unlock()
	return ProcessMetadata{
		Name:      c.cfg.Name,
		Kind:      c.kind,
		Mode:      c.mode,
		Command:   c.cfg.Command,
		Args:      append([]string(nil), c.cfg.Args...),
		Dir:       c.cfg.Dir,
		ProcessID: id,
	}
}

// Initialize starts or adopts the process. Local clients also confirm the
// tool host answers a ping.
func (c *ProcessClient) Initialize(ctx context.Context) error {
	id, err := c.ensure(ctx)
	if err != nil {
		return err
	}
	if c.mode != ModeLocal {
		c.logger.Debug("client initialized", zap.String("process_id", id))
		return nil
	}
	res, err := c.runner.ExecuteCommand(ctx, id, PingMethod, nil)
	c.track(res, err)
	if err != nil {
		return fmt.Errorf("%s ping: %w", c.cfg.Name, err)
	}
	c.logger.Debug("client initialized", zap.String("process_id", c.currentID()))
	return nil
}

// CallTool sends one command, starting the process on first use.
func (c *ProcessClient) CallTool(ctx context.Context, method string, params any) (*framework.CommandResult, error) {
	id, err := c.ensure(ctx)
	if err != nil {
		return nil, err
	}
	res, err := c.runner.ExecuteCommand(ctx, id, method, params)
	c.track(res, err)
	if err != nil {
		c.logger.Warn("tool call failed", zap.String("method", method), zap.Error(err))
		return nil, err
	}
	return res, nil
}

// Close stops the process if this client launched it. A process adopted
// from another client is left running.
func (c *ProcessClient) Close(ctx context.Context) error {
	c.mu.Lock()
	id := c.processID
	c.processID = ""
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	status, ok := c.runner.GetServerStatus(id)
	if !ok {
		return nil
	}
	if status.Owner != c.owner {
		c.logger.Debug("leaving shared process running", zap.String("process_id", id))
		return nil
	}
	c.runner.StopServer(ctx, id)
	return nil
}

func (c *ProcessClient) ensure(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.processID != "" {
		return c.processID, nil
	}
	id, err := c.runner.StartOwnedServer(ctx, c.cfg, c.owner)
	if err != nil {
		return "", err
	}
	c.processID = id
	return id, nil
}

// track follows the supervisor to the record that served the last command,
// whether it succeeded or failed.
func (c *ProcessClient) track(res *framework.CommandResult, err error) {
	var id string
	var cmdErr *framework.CommandError
	switch {
	case res != nil:
		id = res.ProcessID
	case errors.As(err, &cmdErr):
		id = cmdErr.ProcessID
	}
	if id == "" {
		return
	}
	c.mu.Lock()
	c.processID = id
	c.mu.Unlock()
}

func (c *ProcessClient) currentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processID
}
