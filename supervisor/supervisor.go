// Package supervisor launches external testing-tool processes, watches their
// health, and runs one JSON-line command at a time against each of them.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/framework"
)

const (
	DefaultHealthThreshold    = 60 * time.Second
	DefaultGracePeriod        = 5 * time.Second
	DefaultMemoryPerProcessMB = 50
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTelemetry sets the sink for supervision events.
func WithTelemetry(t framework.Telemetry) Option {
	return func(s *Supervisor) {
		if t != nil {
			s.telemetry = t
		}
	}
}

// WithHealthThreshold sets how long a process may stay silent before it is
// reported unhealthy.
func WithHealthThreshold(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.healthThreshold = d
		}
	}
}

// WithGracePeriod sets how long StopServer waits after SIGTERM.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.gracePeriod = d
		}
	}
}

// WithCommandTimeout bounds every ExecuteCommand call.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.commandTimeout = d
		}
	}
}

// WithMemoryEstimate sets the per-process figure used by GetResourceUsage.
func WithMemoryEstimate(mb int) Option {
	return func(s *Supervisor) {
		if mb > 0 {
			s.memoryPerProcessMB = mb
		}
	}
}

// WithClassifier registers or replaces the classifier for a tool kind.
func WithClassifier(kind string, c Classifier) Option {
	return func(s *Supervisor) {
		s.classifiers[kind] = c
	}
}

// issue remembers how an id was launched so a dead id can be revived.
type issue struct {
	config framework.ServerConfig
	owner  string
}

// crashState is the per-name restart budget. An explicit start re-arms an
// exhausted budget; the retry inside ExecuteCommand does not.
type crashState struct {
	count     int
	exhausted bool
}

// Supervisor owns every launched tool process. Build one with New and
// release it with Shutdown.
type Supervisor struct {
	mu        sync.RWMutex
	processes map[string]*Record
	issued    map[string]issue
	crashes   map[string]*crashState

	starts singleflight.Group

	logger    *zap.Logger
	telemetry framework.Telemetry

	healthThreshold    time.Duration
	gracePeriod        time.Duration
	commandTimeout     time.Duration
	memoryPerProcessMB int
	classifiers        map[string]Classifier

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New builds a supervisor with no running processes.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		processes:          make(map[string]*Record),
		issued:             make(map[string]issue),
		crashes:            make(map[string]*crashState),
		logger:             zap.NewNop(),
		telemetry:          framework.NopTelemetry{},
		healthThreshold:    DefaultHealthThreshold,
		gracePeriod:        DefaultGracePeriod,
		commandTimeout:     DefaultCommandTimeout,
		memoryPerProcessMB: DefaultMemoryPerProcessMB,
		classifiers:        DefaultClassifiers(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("supervisor")
	return s
}

// StartServer launches cfg unless a healthy process with the same name is
// already running, in which case its id is returned.
func (s *Supervisor) StartServer(ctx context.Context, cfg framework.ServerConfig) (string, error) {
	return s.startOwned(ctx, cfg, "", true)
}

// StartOwnedServer is StartServer with an owner token recorded on a newly
// launched process. An adopted process keeps its original owner.
func (s *Supervisor) StartOwnedServer(ctx context.Context, cfg framework.ServerConfig, owner string) (string, error) {
	return s.startOwned(ctx, cfg, owner, true)
}

func (s *Supervisor) startOwned(ctx context.Context, cfg framework.ServerConfig, owner string, explicit bool) (string, error) {
	if s.closed.Load() {
		return "", framework.ErrSupervisorClosed
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if id, ok := s.GetRunningServerID(cfg.Name); ok {
		return id, nil
	}
	v, err, _ := s.starts.Do(cfg.Name, func() (any, error) {
		if id, ok := s.GetRunningServerID(cfg.Name); ok {
			return id, nil
		}
		return s.spawn(ctx, cfg, owner, explicit)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Supervisor) spawn(ctx context.Context, cfg framework.ServerConfig, owner string, explicit bool) (string, error) {
	id := newProcessID(cfg.Name)
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Environ(id)
	cmd.WaitDelay = s.gracePeriod
	setSysProcAttr(cmd)

	rec := newRecord(id, cfg, owner, cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", s.startFailed(rec, fmt.Errorf("%s stdin: %w", cfg.Name, err))
	}
	rec.stdin = stdin
	rec.sink = s.observeOutput
	cmd.Stdout = streamWriter{rec: rec}
	cmd.Stderr = streamWriter{rec: rec, stderr: true}
	if explicit {
		s.rearm(cfg.Name)
	}
	rec.restartCount = s.crashCount(cfg.Name)

	started := make(chan error, 1)
	go func() { started <- cmd.Start() }()

	timer := time.NewTimer(cfg.SpawnTimeout())
	defer timer.Stop()
	select {
	case err := <-started:
		if err != nil {
			return "", s.startFailed(rec, fmt.Errorf("start %s: %w", cfg.Name, err))
		}
	case <-timer.C:
		go reapLate(cmd, started)
		return "", s.startFailed(rec, fmt.Errorf("%s after %s: %w", cfg.Name, cfg.SpawnTimeout(), framework.ErrStartTimeout))
	case <-ctx.Done():
		go reapLate(cmd, started)
		return "", s.startFailed(rec, fmt.Errorf("start %s: %w", cfg.Name, ctx.Err()))
	}
	rec.startTime = time.Now()
	rec.touch()

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = killGroup(cmd.Process.Pid)
		_ = cmd.Wait()
		return "", framework.ErrSupervisorClosed
	}
	s.processes[id] = rec
	s.issued[id] = issue{config: cfg, owner: owner}
	s.wg.Add(2)
	s.mu.Unlock()

	go s.wait(rec)
	go s.healthLoop(rec)

	s.emit(framework.EventServerStarted, rec, "", map[string]any{"pid": rec.PID()})
	return id, nil
}

// reapLate cleans up a process whose start outlived the caller.
func reapLate(cmd *exec.Cmd, started <-chan error) {
	if err := <-started; err == nil {
		_ = killGroup(cmd.Process.Pid)
		_ = cmd.Wait()
	}
}

func (s *Supervisor) startFailed(rec *Record, err error) error {
	s.telemetry.Emit(framework.Event{
		Type:      framework.EventServerStartFailed,
		ProcessID: rec.ID,
		Name:      rec.Name,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
	return err
}

// wait reaps the process and runs exit handling.
func (s *Supervisor) wait(rec *Record) {
	defer s.wg.Done()
	err := rec.cmd.Wait()
	code := exitCode(err)
	if pending := rec.markExited(code); pending != nil {
		pending.onClose(code)
	}
	s.handleExit(rec, code)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// handleExit removes the record and signals restart intent for crashes. The
// supervisor never restarts a process by itself.
func (s *Supervisor) handleExit(rec *Record, code int) {
	s.remove(rec)
	rec.stopHealth()
	intentional := rec.isStopping()

	s.telemetry.Emit(framework.Event{
		Type:         framework.EventServerExited,
		ProcessID:    rec.ID,
		Name:         rec.Name,
		ExitCode:     code,
		RestartCount: rec.restartCount,
		Timestamp:    time.Now(),
		Metadata:     map[string]any{"intentional": intentional},
	})
	if intentional {
		return
	}

	s.mu.Lock()
	state := s.crashStateLocked(rec.Name)
	if code == 0 {
		state.count = 0
		state.exhausted = false
		s.mu.Unlock()
		return
	}
	var event framework.EventType
	if state.count < rec.maxRestarts {
		state.count++
		event = framework.EventServerRestarting
	} else if !state.exhausted {
		state.exhausted = true
		event = framework.EventServerMaxRestartsExceeded
	}
	count := state.count
	s.mu.Unlock()

	if event == "" {
		return
	}
	s.telemetry.Emit(framework.Event{
		Type:         event,
		ProcessID:    rec.ID,
		Name:         rec.Name,
		ExitCode:     code,
		RestartCount: count,
		Timestamp:    time.Now(),
		Metadata:     map[string]any{"max_restarts": rec.maxRestarts},
	})
}

func (s *Supervisor) crashStateLocked(name string) *crashState {
	state, ok := s.crashes[name]
	if !ok {
		state = &crashState{}
		s.crashes[name] = state
	}
	return state
}

// rearm restores an exhausted restart budget.
func (s *Supervisor) rearm(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.crashes[name]; ok && state.exhausted {
		state.count = 0
		state.exhausted = false
	}
}

func (s *Supervisor) crashCount(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if state, ok := s.crashes[name]; ok {
		return state.count
	}
	return 0
}

// remove deletes rec from the live set if it is still registered. It
// reports whether this call did the removal.
func (s *Supervisor) remove(rec *Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processes[rec.ID] != rec {
		return false
	}
	delete(s.processes, rec.ID)
	return true
}

// StopServer terminates the process and removes it. It returns false for an
// unknown id, and otherwise whether the process exited within the grace
// period after SIGTERM. The record is removed either way, and the id can no
// longer be revived by ExecuteCommand.
func (s *Supervisor) StopServer(ctx context.Context, processID string) bool {
	graceful := s.stop(ctx, processID)
	s.forget(processID)
	return graceful
}

func (s *Supervisor) stop(ctx context.Context, processID string) bool {
	rec := s.lookup(processID)
	if rec == nil {
		return false
	}
	if !rec.beginStop() {
		<-rec.Done()
		return false
	}
	s.remove(rec)

	graceful := s.terminate(ctx, rec)
	s.emit(framework.EventServerStopped, rec, "", map[string]any{"graceful": graceful})
	return graceful
}

func (s *Supervisor) terminate(ctx context.Context, rec *Record) bool {
	select {
	case <-rec.Done():
		return true
	default:
	}
	pid := rec.PID()
	if err := terminateGroup(pid); err != nil {
		s.logger.Debug("terminate signal failed", zap.String("process_id", rec.ID), zap.Error(err))
	}
	grace := time.NewTimer(s.gracePeriod)
	defer grace.Stop()
	select {
	case <-rec.Done():
		return true
	case <-grace.C:
	case <-ctx.Done():
	}
	if err := killGroup(pid); err != nil {
		s.logger.Debug("kill failed", zap.String("process_id", rec.ID), zap.Error(err))
		s.emit(framework.EventServerStopFailed, rec, err.Error(), nil)
	}
	<-rec.Done()
	return false
}

// StopAllServers stops every process concurrently. A process that had to be
// force-killed still counts as stopped; the kill is visible as a
// server_stopped event with graceful=false.
func (s *Supervisor) StopAllServers(ctx context.Context) {
	s.stopAll(ctx)
}

func (s *Supervisor) stopAll(ctx context.Context) (forced int) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.processes))
	for id := range s.processes {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, id := range ids {
		g.Go(func() error {
			if !s.StopServer(ctx, id) {
				mu.Lock()
				forced++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return forced
}

// Shutdown stops every process and waits for the supervisor's goroutines.
// The supervisor rejects new starts afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	if forced := s.stopAll(ctx); forced > 0 {
		s.logger.Warn("processes force-killed during shutdown", zap.Int("count", forced))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for supervisor goroutines: %w", ctx.Err())
	}
}

// RestartServer stops the process and starts a new one with the same
// configuration. The returned id differs from the old one.
func (s *Supervisor) RestartServer(ctx context.Context, processID string) (string, error) {
	rec := s.lookup(processID)
	if rec == nil {
		return "", fmt.Errorf("%s: %w", processID, framework.ErrProcessNotFound)
	}
	s.stop(ctx, processID)
	newID, err := s.startOwned(ctx, rec.Config, rec.Owner, true)
	if err != nil {
		return "", err
	}
	if newID != processID {
		s.forget(processID)
	}
	return newID, nil
}

func (s *Supervisor) lookup(processID string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processes[processID]
}

// template returns the launch configuration of any id this supervisor has
// issued, live or not.
func (s *Supervisor) template(processID string) (framework.ServerConfig, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	is, ok := s.issued[processID]
	return is.config, is.owner, ok
}

// forget drops the revival template of an id that has been replaced or
// stopped.
func (s *Supervisor) forget(processID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.issued, processID)
}

// GetServerStatus returns a snapshot of one live process.
func (s *Supervisor) GetServerStatus(processID string) (Status, bool) {
	rec := s.lookup(processID)
	if rec == nil {
		return Status{}, false
	}
	return rec.Snapshot(), true
}

// GetAllServerStatuses returns snapshots of every live process ordered by
// start time.
func (s *Supervisor) GetAllServerStatuses() []Status {
	s.mu.RLock()
	out := make([]Status, 0, len(s.processes))
	for _, rec := range s.processes {
		out = append(out, rec.Snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// IsServerRunning reports whether any live process carries name.
func (s *Supervisor) IsServerRunning(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.processes {
		if rec.Name == name && rec.alive() {
			return true
		}
	}
	return false
}

// GetRunningServerID returns the healthy, running process for name that can
// still take a command. Processes whose stdin was consumed are skipped.
func (s *Supervisor) GetRunningServerID(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, rec := range s.processes {
		if rec.Name == name && rec.usable() && rec.Healthy() {
			return id, true
		}
	}
	return "", false
}

// ResourceUsage is a coarse view of what the supervisor holds.
type ResourceUsage struct {
	TotalProcesses   int `json:"total_processes"`
	HealthyProcesses int `json:"healthy_processes"`
	MemoryUsageMB    int `json:"memory_usage_mb"`
}

// GetResourceUsage counts processes and estimates their memory with a fixed
// per-process figure.
func (s *Supervisor) GetResourceUsage() ResourceUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	usage := ResourceUsage{TotalProcesses: len(s.processes)}
	for _, rec := range s.processes {
		if rec.Healthy() {
			usage.HealthyProcesses++
		}
	}
	usage.MemoryUsageMB = usage.TotalProcesses * s.memoryPerProcessMB
	return usage
}

func (s *Supervisor) observeOutput(rec *Record, chunk string, stderr bool) {
	kind := framework.EventServerOutput
	if stderr {
		kind = framework.EventServerError
	}
	s.emit(kind, rec, chunk, nil)
}

func (s *Supervisor) emit(kind framework.EventType, rec *Record, message string, metadata map[string]any) {
	s.telemetry.Emit(framework.Event{
		Type:         kind,
		ProcessID:    rec.ID,
		Name:         rec.Name,
		Message:      message,
		RestartCount: rec.restartCount,
		Timestamp:    time.Now(),
		Metadata:     metadata,
	})
}
