package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/framework"
)

// DefaultCommandTimeout bounds a single command.
const DefaultCommandTimeout = 10 * time.Minute

// request is the single line written to a tool's stdin.
type request struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

func encodeRequest(method string, params any) ([]byte, error) {
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(request{Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

type outcome struct {
	result *framework.CommandResult
	err    error
}

// execution assembles one command's output into a result. Exactly one
// resolution is accepted; later ones are ignored.
type execution struct {
	tool       string
	method     string
	processID  string
	classifier Classifier

	mu        sync.Mutex
	stdout    strings.Builder
	stderr    strings.Builder
	completed bool
	done      chan outcome
}

func newExecution(rec *Record, classifier Classifier, method string) *execution {
	return &execution{
		tool:       rec.Name,
		method:     method,
		processID:  rec.ID,
		classifier: classifier,
		done:       make(chan outcome, 1),
	}
}

func (e *execution) onStdout(chunk string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completed {
		return
	}
	e.stdout.WriteString(chunk)
	buf := e.stdout.String()
	switch verdict, raw := e.classifier.Stdout(buf); verdict {
	case VerdictStructured:
		e.resolveLocked(&framework.CommandResult{Success: true, Raw: raw, ProcessID: e.processID}, nil)
	case VerdictMarker:
		e.resolveLocked(e.textResultLocked(), nil)
	}
}

func (e *execution) onStderr(chunk string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completed {
		return
	}
	e.stderr.WriteString(chunk)
	if excerpt, ok := e.classifier.Stderr(e.stderr.String()); ok {
		e.resolveLocked(nil, &framework.CommandError{Tool: e.tool, Kind: framework.FailureToolError, Detail: excerpt})
	}
}

// onClose handles process exit when no other path has completed the command.
func (e *execution) onClose(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completed {
		return
	}
	if code == 0 {
		e.resolveLocked(e.textResultLocked(), nil)
		return
	}
	e.resolveLocked(nil, &framework.CommandError{
		Tool:   e.tool,
		Kind:   framework.FailureExit,
		Code:   code,
		Detail: e.stderr.String(),
	})
}

func (e *execution) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolveLocked(nil, err)
}

func (e *execution) textResultLocked() *framework.CommandResult {
	out := e.stdout.String()
	return &framework.CommandResult{
		Success:   true,
		Output:    out,
		Metrics:   ParseMetrics(out),
		ProcessID: e.processID,
	}
}

func (e *execution) resolveLocked(res *framework.CommandResult, err error) {
	if e.completed {
		return
	}
	e.completed = true
	var cmdErr *framework.CommandError
	if errors.As(err, &cmdErr) && cmdErr.ProcessID == "" {
		cmdErr.ProcessID = e.processID
	}
	e.done <- outcome{result: res, err: err}
}

// ExecuteCommand sends one request to the process and waits for its result.
// A record that already exited, or whose stdin an earlier command consumed,
// is restarted under the same name and the command retried exactly once.
func (s *Supervisor) ExecuteCommand(ctx context.Context, processID, method string, params any) (*framework.CommandResult, error) {
	payload, err := encodeRequest(method, params)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	rec := s.lookup(processID)
	if rec != nil {
		res, err := s.runCommand(ctx, rec, method, payload)
		if !errors.Is(err, errNotAlive) {
			return res, err
		}
	}
	cfg, owner, ok := s.template(processID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", processID, framework.ErrProcessNotFound)
	}
	s.logger.Info("process not running, restarting before retry",
		zap.String("process_id", processID),
		zap.String("name", cfg.Name),
		zap.String("method", method))
	if rec != nil && s.lookup(rec.ID) == rec {
		s.stop(ctx, rec.ID)
	}
	s.retireSpent(ctx, cfg.Name, owner)
	newID, err := s.startOwned(ctx, cfg, owner, false)
	if err != nil {
		return nil, err
	}
	if newID != processID {
		s.forget(processID)
	}
	fresh := s.lookup(newID)
	if fresh == nil {
		return nil, fmt.Errorf("%s: %w", cfg.Name, framework.ErrProcessNotRunning)
	}
	res, err := s.runCommand(ctx, fresh, method, payload)
	if errors.Is(err, errNotAlive) {
		return nil, fmt.Errorf("%s: %w", cfg.Name, framework.ErrProcessNotRunning)
	}
	return res, err
}

// retireSpent stops idle records of name launched for owner whose stdin is
// already consumed. They can never take another command.
func (s *Supervisor) retireSpent(ctx context.Context, name, owner string) {
	s.mu.RLock()
	var stale []string
	for id, rec := range s.processes {
		if rec.Name == name && rec.Owner == owner && rec.idleSpent() {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range stale {
		s.logger.Debug("stopping spent process", zap.String("process_id", id))
		s.StopServer(ctx, id)
	}
}

func (s *Supervisor) runCommand(ctx context.Context, rec *Record, method string, payload []byte) (*framework.CommandResult, error) {
	exec := newExecution(rec, s.classifierFor(rec.Config), method)
	if err := rec.attach(exec); err != nil {
		if errors.Is(err, framework.ErrBusy) {
			return nil, &framework.CommandError{Tool: rec.Name, Kind: framework.FailureBusy, Detail: "command already in flight", ProcessID: rec.ID}
		}
		return nil, err
	}
	defer rec.detach(exec)

	timer := time.NewTimer(s.commandTimeout)
	defer timer.Stop()

	s.logger.Debug("sending command",
		zap.String("process_id", rec.ID),
		zap.String("method", method))
	if err := rec.send(payload); err != nil {
		exec.fail(&framework.CommandError{Tool: rec.Name, Kind: framework.FailureWrite, Detail: err.Error()})
	}

	select {
	case out := <-exec.done:
		return out.result, out.err
	case <-timer.C:
		exec.fail(&framework.CommandError{Tool: rec.Name, Kind: framework.FailureTimeout})
	case <-ctx.Done():
		exec.fail(fmt.Errorf("%s %s: %w", rec.Name, method, ctx.Err()))
	}
	out := <-exec.done
	if out.err != nil {
		s.logger.Warn("command failed",
			zap.String("process_id", rec.ID),
			zap.String("method", method),
			zap.Error(out.err))
	}
	return out.result, out.err
}

func (s *Supervisor) classifierFor(cfg framework.ServerConfig) Classifier {
	kind := strings.ToLower(cfg.Tool)
	if c, ok := s.classifiers[kind]; ok {
		return c
	}
	if kind == "" {
		name := strings.ToLower(cfg.Name)
		for key, c := range s.classifiers {
			if strings.Contains(name, key) {
				return c
			}
		}
	}
	return GenericClassifier()
}
