// Package persistence stores test runs and their outcomes.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ResultStatus enumerates test run states.
type ResultStatus string

const (
	ResultStatusPending   ResultStatus = "pending"
	ResultStatusRunning   ResultStatus = "running"
	ResultStatusCompleted ResultStatus = "completed"
	ResultStatusFailed    ResultStatus = "failed"
	ResultStatusCancelled ResultStatus = "cancelled"
)

var (
	// ErrResultNotFound reports an unknown result id.
	ErrResultNotFound = errors.New("test result not found")
	// ErrInvalidTransition reports a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Terminal reports whether no further transitions are allowed.
func (s ResultStatus) Terminal() bool {
	switch s {
	case ResultStatusCompleted, ResultStatusFailed, ResultStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a run in status s may move to next.
func (s ResultStatus) CanTransition(next ResultStatus) bool {
	switch s {
	case ResultStatusPending:
		return next == ResultStatusRunning || next == ResultStatusFailed || next == ResultStatusCancelled
	case ResultStatusRunning:
		return next.Terminal()
	}
	return false
}

// TestResult is one test run.
type TestResult struct {
	ID          string             `json:"id"`
	TestType    string             `json:"test_type"`
	Target      string             `json:"target"`
	Status      ResultStatus       `json:"status"`
	CurrentStep string             `json:"current_step,omitempty"`
	Config      json.RawMessage    `json:"config,omitempty"`
	Success     bool               `json:"success"`
	Output      string             `json:"output,omitempty"`
	Logs        []string           `json:"logs,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Data        json.RawMessage    `json:"data,omitempty"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	FinishedAt  *time.Time         `json:"finished_at,omitempty"`
}

// Outcome is the terminal payload recorded by Finish.
type Outcome struct {
	Success bool
	Output  string
	Logs    []string
	Metrics map[string]float64
	Data    json.RawMessage
	Error   string
}

// ListOptions filters List. Zero values match everything.
type ListOptions struct {
	TestType string
	Status   ResultStatus
	Limit    int
}

// ResultStore persists test runs through their lifecycle
// pending → running → completed/failed.
type ResultStore interface {
	Create(ctx context.Context, result *TestResult) error
	Get(ctx context.Context, id string) (*TestResult, bool, error)
	UpdateStatus(ctx context.Context, id string, status ResultStatus, step string) error
	Finish(ctx context.Context, id string, outcome Outcome) error
	List(ctx context.Context, opts ListOptions) ([]TestResult, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

func prepareCreate(result *TestResult, now time.Time) error {
	if result == nil {
		return errors.New("nil result")
	}
	if result.ID == "" {
		return errors.New("result id required")
	}
	if result.TestType == "" {
		return errors.New("result test type required")
	}
	if result.Status == "" {
		result.Status = ResultStatusPending
	}
	if result.Status != ResultStatusPending {
		return fmt.Errorf("%w: new result must be pending, got %s", ErrInvalidTransition, result.Status)
	}
	result.CreatedAt = now
	result.UpdatedAt = now
	return nil
}

// advance applies a status change to r in place.
func advance(r *TestResult, status ResultStatus, step string, now time.Time) error {
	if !r.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, status)
	}
	r.Status = status
	if step != "" {
		r.CurrentStep = step
	}
	r.UpdatedAt = now
	if status.Terminal() {
		finished := now
		r.FinishedAt = &finished
	}
	return nil
}

// finish records the outcome and moves r to completed or failed.
func finish(r *TestResult, outcome Outcome, now time.Time) error {
	status := ResultStatusCompleted
	if !outcome.Success {
		status = ResultStatusFailed
	}
	if err := advance(r, status, "", now); err != nil {
		return err
	}
	r.Success = outcome.Success
	r.Output = outcome.Output
	r.Logs = outcome.Logs
	r.Metrics = outcome.Metrics
	r.Data = outcome.Data
	r.Error = outcome.Error
	return nil
}

func (o ListOptions) match(r TestResult) bool {
	if o.TestType != "" && r.TestType != o.TestType {
		return false
	}
	if o.Status != "" && r.Status != o.Status {
		return false
	}
	return true
}

// newestFirst sorts by creation time, newest first, then by id.
func newestFirst(results []TestResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].ID < results[j].ID
	})
}
