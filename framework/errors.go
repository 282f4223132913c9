package framework

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	ErrProcessNotFound   = errors.New("process not found")
	ErrStartTimeout      = errors.New("process start timeout")
	ErrSupervisorClosed  = errors.New("supervisor is shut down")
	ErrNotStructured     = errors.New("result is not structured json")
	ErrToolError         = errors.New("tool reported an error")
	ErrProcessExited     = errors.New("process exited")
	ErrCommandTimeout    = errors.New("command timed out")
	ErrProcessStopped    = errors.New("process stopped")
	ErrBusy              = errors.New("command already in flight")
	ErrRequestWrite      = errors.New("request write failed")
	ErrProcessNotRunning = errors.New("process not running")
)

// FailureKind classifies a CommandError.
type FailureKind int

const (
	FailureToolError FailureKind = iota
	FailureExit
	FailureTimeout
	FailureStopped
	FailureBusy
	FailureWrite
)

// String returns the category word used in error messages.
func (k FailureKind) String() string {
	switch k {
	case FailureToolError:
		return "execution error"
	case FailureExit:
		return "process exited"
	case FailureTimeout:
		return "execution timeout"
	case FailureStopped:
		return "process stopped"
	case FailureBusy:
		return "busy"
	case FailureWrite:
		return "request write failed"
	default:
		return "unknown failure"
	}
}

// CommandError is the failure of one command against a tool process. Its
// message always starts with the tool name and a category.
type CommandError struct {
	Tool   string
	Kind   FailureKind
	Code   int
	Detail string
	// ProcessID names the process the command ran against, which may be a
	// replacement for the one the caller asked for.
	ProcessID string
}

func (e *CommandError) Error() string {
	detail := strings.TrimSpace(e.Detail)
	switch e.Kind {
	case FailureExit:
		return fmt.Sprintf("%s process exited with code %d: %s", e.Tool, e.Code, detail)
	case FailureTimeout, FailureStopped, FailureBusy:
		if detail == "" {
			return fmt.Sprintf("%s %s", e.Tool, e.Kind)
		}
		return fmt.Sprintf("%s %s: %s", e.Tool, e.Kind, detail)
	default:
		return fmt.Sprintf("%s %s: %s", e.Tool, e.Kind, detail)
	}
}

// Unwrap maps the kind to its sentinel so errors.Is works.
func (e *CommandError) Unwrap() error {
	switch e.Kind {
	case FailureToolError:
		return ErrToolError
	case FailureExit:
		return ErrProcessExited
	case FailureTimeout:
		return ErrCommandTimeout
	case FailureStopped:
		return ErrProcessStopped
	case FailureBusy:
		return ErrBusy
	case FailureWrite:
		return ErrRequestWrite
	default:
		return nil
	}
}
