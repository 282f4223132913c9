package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/framework"
)

// errNotAlive marks a record that can no longer accept a command: it exited,
// is being stopped, or its stdin was already consumed by an earlier command.
var errNotAlive = errors.New("process record not alive")

// Record is the supervisor's handle on one launched tool process. A Record
// is never reused; restarts produce a new Record with a new ID.
type Record struct {
	ID     string
	Name   string
	Config framework.ServerConfig
	// Owner is the token of the client that launched the process, if any.
	Owner string

	cmd   *exec.Cmd
	stdin io.WriteCloser
	// sink receives output notifications; set before the process starts.
	sink func(rec *Record, chunk string, stderr bool)

	startTime    time.Time
	lastActivity atomic.Int64
	healthy      atomic.Bool
	restartCount int
	maxRestarts  int

	mu       sync.Mutex
	listener *execution
	spent    bool
	stopping bool
	exited   bool
	exitCode int

	done       chan struct{}
	healthStop chan struct{}
	healthOnce sync.Once
}

func newRecord(id string, cfg framework.ServerConfig, owner string, cmd *exec.Cmd) *Record {
	rec := &Record{
		ID:          id,
		Name:        cfg.Name,
		Config:      cfg,
		Owner:       owner,
		cmd:         cmd,
		maxRestarts: cfg.RestartLimit(),
		done:        make(chan struct{}),
		healthStop:  make(chan struct{}),
	}
	rec.healthy.Store(true)
	return rec
}

// newProcessID composes name, launch time, and a random suffix.
func newProcessID(name string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s-%d-%s", name, time.Now().UnixMilli(), suffix)
}

// touch advances LastActivity to now; it never moves backwards.
func (r *Record) touch() {
	now := time.Now().UnixNano()
	for {
		prev := r.lastActivity.Load()
		if now <= prev {
			return
		}
		if r.lastActivity.CompareAndSwap(prev, now) {
			return
		}
	}
}

// LastActivity returns the time the process last produced output.
func (r *Record) LastActivity() time.Time {
	return time.Unix(0, r.lastActivity.Load())
}

// Healthy reports the last health-check verdict.
func (r *Record) Healthy() bool {
	return r.healthy.Load()
}

// Done is closed once the process has exited and been reaped.
func (r *Record) Done() <-chan struct{} {
	return r.done
}

// PID returns the OS process id, or 0 before start.
func (r *Record) PID() int {
	if r.cmd == nil || r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

// alive reports whether the process is running and not being stopped.
func (r *Record) alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.exited && !r.stopping
}

// usable reports whether the record can still accept a command.
func (r *Record) usable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.exited && !r.stopping && !r.spent
}

// idleSpent reports whether the record consumed its stdin and has no
// command in flight.
func (r *Record) idleSpent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spent && r.listener == nil && !r.stopping && !r.exited
}

func (r *Record) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

// attach installs the in-flight execution. Only one may be attached.
func (r *Record) attach(e *execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exited || r.stopping {
		return errNotAlive
	}
	if r.listener != nil {
		return framework.ErrBusy
	}
	if r.spent {
		return errNotAlive
	}
	r.listener = e
	r.spent = true
	return nil
}

// detach removes e if it is still the attached execution.
func (r *Record) detach(e *execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == e {
		r.listener = nil
	}
}

func (r *Record) current() *execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listener
}

// send writes one request line and closes stdin.
func (r *Record) send(payload []byte) error {
	if r.stdin == nil {
		return errors.New("stdin not available")
	}
	if _, err := r.stdin.Write(payload); err != nil {
		_ = r.stdin.Close()
		return err
	}
	return r.stdin.Close()
}

// beginStop flags the record as intentionally stopped and fails any pending
// command. It reports false if a stop was already under way.
func (r *Record) beginStop() bool {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return false
	}
	r.stopping = true
	pending := r.listener
	r.mu.Unlock()
	r.stopHealth()
	if pending != nil {
		pending.fail(&framework.CommandError{Tool: r.Name, Kind: framework.FailureStopped})
	}
	return true
}

func (r *Record) stopHealth() {
	r.healthOnce.Do(func() { close(r.healthStop) })
}

// markExited records the exit code and hands back the execution that was in
// flight, if any.
func (r *Record) markExited(code int) *execution {
	r.mu.Lock()
	r.exited = true
	r.exitCode = code
	pending := r.listener
	r.mu.Unlock()
	close(r.done)
	return pending
}

// ExitCode is valid once Done is closed.
func (r *Record) ExitCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode
}

// deliver routes a stream chunk to the activity clock, the event sink, and
// the in-flight execution.
func (r *Record) deliver(p []byte, stderr bool) {
	chunk := string(p)
	r.touch()
	if r.sink != nil {
		r.sink(r, chunk, stderr)
	}
	if e := r.current(); e != nil {
		if stderr {
			e.onStderr(chunk)
		} else {
			e.onStdout(chunk)
		}
	}
}

// streamWriter adapts a record stream to io.Writer so os/exec performs the
// copying and Wait covers it.
type streamWriter struct {
	rec    *Record
	stderr bool
}

func (w streamWriter) Write(p []byte) (int, error) {
	w.rec.deliver(p, w.stderr)
	return len(p), nil
}

// Status is an immutable snapshot of a Record.
type Status struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Tool         string    `json:"tool,omitempty"`
	Owner        string    `json:"owner,omitempty"`
	PID          int       `json:"pid"`
	StartTime    time.Time `json:"start_time"`
	LastActivity time.Time `json:"last_activity"`
	Healthy      bool      `json:"healthy"`
	Busy         bool      `json:"busy"`
	Spent        bool      `json:"spent"`
	RestartCount int       `json:"restart_count"`
	MaxRestarts  int       `json:"max_restarts"`
}

// Snapshot captures the record's current state.
func (r *Record) Snapshot() Status {
	r.mu.Lock()
	busy := r.listener != nil
	spent := r.spent
	r.mu.Unlock()
	return Status{
		ID:           r.ID,
		Name:         r.Name,
		Tool:         r.Config.Tool,
		Owner:        r.Owner,
		PID:          r.PID(),
		StartTime:    r.startTime,
		LastActivity: r.LastActivity(),
		Healthy:      r.Healthy(),
		Busy:         busy,
		Spent:        spent,
		RestartCount: r.restartCount,
		MaxRestarts:  r.maxRestarts,
	}
}
