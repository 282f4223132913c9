package supervisor

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/framework"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []framework.Event
}

func (r *eventRecorder) Emit(event framework.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) count(kind framework.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) find(match func(framework.Event) bool) (framework.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if match(e) {
			return e, true
		}
	}
	return framework.Event{}, false
}

func (r *eventRecorder) waitFor(t *testing.T, match func(framework.Event) bool) framework.Event {
	t.Helper()
	var found framework.Event
	require.Eventually(t, func() bool {
		e, ok := r.find(match)
		found = e
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	return found
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process tests use /bin/sh")
	}
}

func shellConfig(name, tool, script string) framework.ServerConfig {
	return framework.ServerConfig{
		Name:    name,
		Tool:    tool,
		Command: "/bin/sh",
		Args:    []string{"-c", script},
	}
}

func newTestSupervisor(t *testing.T, opts ...Option) (*Supervisor, *eventRecorder) {
	t.Helper()
	events := &eventRecorder{}
	opts = append([]Option{WithTelemetry(events), WithGracePeriod(500 * time.Millisecond)}, opts...)
	sup := New(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return sup, events
}

func isEvent(kind framework.EventType, processID string) func(framework.Event) bool {
	return func(e framework.Event) bool {
		return e.Type == kind && e.ProcessID == processID
	}
}

func TestStartServerIdempotentUnderRace(t *testing.T) {
	requireShell(t)
	sup, _ := newTestSupervisor(t)
	cfg := shellConfig("k6", "k6", "cat")

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := sup.StartServer(context.Background(), cfg)
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	statuses := sup.GetAllServerStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, ids[0], statuses[0].ID)
	assert.True(t, strings.HasPrefix(ids[0], "k6-"))
	assert.True(t, sup.IsServerRunning("k6"))
}

func TestStartServerSpawnFailure(t *testing.T) {
	sup, events := newTestSupervisor(t)
	_, err := sup.StartServer(context.Background(), framework.ServerConfig{
		Name:    "lighthouse",
		Command: "/definitely/not/a/binary",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lighthouse")
	assert.Empty(t, sup.GetAllServerStatuses())
	assert.Equal(t, 1, events.count(framework.EventServerStartFailed))
	assert.Zero(t, events.count(framework.EventServerStarted))
}

func TestStartServerRejectsInvalidConfig(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	_, err := sup.StartServer(context.Background(), framework.ServerConfig{Name: "k6"})
	require.Error(t, err)
}

func TestStopServerUnknownID(t *testing.T) {
	sup, events := newTestSupervisor(t)
	assert.False(t, sup.StopServer(context.Background(), "k6-1-abc"))
	assert.Zero(t, events.count(framework.EventServerStopped))
}

func TestStopServerRemovesRecord(t *testing.T) {
	requireShell(t)
	sup, events := newTestSupervisor(t)
	id, err := sup.StartServer(context.Background(), shellConfig("playwright", "playwright", "cat"))
	require.NoError(t, err)

	assert.True(t, sup.StopServer(context.Background(), id))
	_, ok := sup.GetServerStatus(id)
	assert.False(t, ok)
	assert.Empty(t, sup.GetAllServerStatuses())
	assert.Equal(t, 1, events.count(framework.EventServerStopped))
	assert.Zero(t, events.count(framework.EventServerRestarting))
}

func TestStopServerForceKillStillRemoves(t *testing.T) {
	requireShell(t)
	sup, events := newTestSupervisor(t, WithGracePeriod(200*time.Millisecond))
	id, err := sup.StartServer(context.Background(), shellConfig("stubborn", "", "trap '' TERM; echo ready; sleep 30"))
	require.NoError(t, err)
	events.waitFor(t, func(e framework.Event) bool {
		return e.Type == framework.EventServerOutput && e.ProcessID == id && strings.Contains(e.Message, "ready")
	})

	assert.False(t, sup.StopServer(context.Background(), id))
	_, ok := sup.GetServerStatus(id)
	assert.False(t, ok)
}

func TestRestartServer(t *testing.T) {
	requireShell(t)
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	_, err := sup.RestartServer(ctx, "missing")
	require.ErrorIs(t, err, framework.ErrProcessNotFound)

	id, err := sup.StartServer(ctx, shellConfig("k6", "k6", "cat"))
	require.NoError(t, err)
	newID, err := sup.RestartServer(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	statuses := sup.GetAllServerStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, newID, statuses[0].ID)

	_, _, ok := sup.template(id)
	assert.False(t, ok)
	_, _, ok = sup.template(newID)
	assert.True(t, ok)
}

func TestMaxRestartsExceededFiresOnce(t *testing.T) {
	requireShell(t)
	sup, events := newTestSupervisor(t)
	cfg := shellConfig("k6", "k6", "exit 1")
	cfg.MaxRestarts = framework.IntPtr(2)

	for range 3 {
		id, err := sup.StartServer(context.Background(), cfg)
		require.NoError(t, err)
		events.waitFor(t, isEvent(framework.EventServerExited, id))
	}
	exceeded := events.waitFor(t, func(e framework.Event) bool {
		return e.Type == framework.EventServerMaxRestartsExceeded
	})
	assert.Equal(t, 2, exceeded.RestartCount)

	// give the last exit a moment to emit anything it was going to
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, events.count(framework.EventServerRestarting))
	assert.Equal(t, 1, events.count(framework.EventServerMaxRestartsExceeded))
}

func TestExplicitStartRearmsExhaustedBudget(t *testing.T) {
	requireShell(t)
	sup, events := newTestSupervisor(t)
	ctx := context.Background()
	cfg := shellConfig("k6", "k6", "exit 1")
	cfg.MaxRestarts = framework.IntPtr(1)

	var last string
	for range 2 {
		id, err := sup.StartServer(ctx, cfg)
		require.NoError(t, err)
		events.waitFor(t, isEvent(framework.EventServerExited, id))
		last = id
	}
	events.waitFor(t, func(e framework.Event) bool {
		return e.Type == framework.EventServerMaxRestartsExceeded
	})

	// the retry inside ExecuteCommand is not an explicit start
	_, _ = sup.ExecuteCommand(ctx, last, "execute_k6_test", nil)
	require.Eventually(t, func() bool {
		return events.count(framework.EventServerExited) == 3
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, events.count(framework.EventServerRestarting))

	id, err := sup.StartServer(ctx, cfg)
	require.NoError(t, err)
	restarting := events.waitFor(t, isEvent(framework.EventServerRestarting, id))
	assert.Equal(t, 1, restarting.RestartCount)
	assert.Equal(t, 1, events.count(framework.EventServerMaxRestartsExceeded))
}

func TestZeroMaxRestartsGoesStraightToExceeded(t *testing.T) {
	requireShell(t)
	sup, events := newTestSupervisor(t)
	cfg := shellConfig("lighthouse", "lighthouse", "exit 1")
	cfg.MaxRestarts = framework.IntPtr(0)

	id, err := sup.StartServer(context.Background(), cfg)
	require.NoError(t, err)

	exceeded := events.waitFor(t, isEvent(framework.EventServerMaxRestartsExceeded, id))
	assert.Equal(t, 0, exceeded.RestartCount)
	assert.Equal(t, 1, exceeded.ExitCode)
	assert.Zero(t, events.count(framework.EventServerRestarting))
	assert.False(t, sup.IsServerRunning("lighthouse"))
}

func TestCleanExitResetsCrashCounter(t *testing.T) {
	requireShell(t)
	sup, events := newTestSupervisor(t)
	failing := shellConfig("k6", "k6", "exit 1")
	failing.MaxRestarts = framework.IntPtr(1)
	clean := failing
	clean.Args = []string{"-c", "exit 0"}

	for _, cfg := range []framework.ServerConfig{failing, clean, failing} {
		id, err := sup.StartServer(context.Background(), cfg)
		require.NoError(t, err)
		events.waitFor(t, isEvent(framework.EventServerExited, id))
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, events.count(framework.EventServerRestarting))
	assert.Zero(t, events.count(framework.EventServerMaxRestartsExceeded))
}

func TestResourceUsage(t *testing.T) {
	requireShell(t)
	sup, _ := newTestSupervisor(t, WithMemoryEstimate(64))
	for _, name := range []string{"k6", "lighthouse"} {
		_, err := sup.StartServer(context.Background(), shellConfig(name, name, "cat"))
		require.NoError(t, err)
	}
	usage := sup.GetResourceUsage()
	assert.Equal(t, 2, usage.TotalProcesses)
	assert.Equal(t, 2, usage.HealthyProcesses)
	assert.Equal(t, 128, usage.MemoryUsageMB)
}

func TestCheckHealthMarksSilentProcess(t *testing.T) {
	requireShell(t)
	sup, events := newTestSupervisor(t, WithHealthThreshold(time.Minute))
	id, err := sup.StartServer(context.Background(), shellConfig("k6", "k6", "cat"))
	require.NoError(t, err)
	rec := sup.lookup(id)
	require.NotNil(t, rec)

	assert.False(t, sup.checkHealth(rec, time.Now().Add(2*time.Minute)))
	assert.False(t, rec.Healthy())
	assert.Equal(t, 1, events.count(framework.EventServerUnhealthy))
	_, ok := sup.GetRunningServerID("k6")
	assert.False(t, ok)
	assert.True(t, sup.IsServerRunning("k6"))
	assert.Equal(t, 0, sup.GetResourceUsage().HealthyProcesses)

	assert.True(t, sup.checkHealth(rec, time.Now()))
	assert.True(t, rec.Healthy())
}

func TestStartServerSkipsSpentProcess(t *testing.T) {
	requireShell(t)
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()
	cfg := shellConfig("lighthouse", "lighthouse", `read line; echo '{"ok":true}'; sleep 30`)
	id, err := sup.StartServer(ctx, cfg)
	require.NoError(t, err)
	_, err = sup.ExecuteCommand(ctx, id, "run_audit", nil)
	require.NoError(t, err)

	assert.True(t, sup.IsServerRunning("lighthouse"))
	_, ok := sup.GetRunningServerID("lighthouse")
	assert.False(t, ok)

	next, err := sup.StartServer(ctx, cfg)
	require.NoError(t, err)
	assert.NotEqual(t, id, next)
	running, ok := sup.GetRunningServerID("lighthouse")
	require.True(t, ok)
	assert.Equal(t, next, running)
}

func TestLifecycleIsLoggedOnce(t *testing.T) {
	requireShell(t)
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	sup := New(
		WithLogger(logger),
		WithTelemetry(framework.LoggerTelemetry{Logger: logger.Named("supervisor")}),
		WithGracePeriod(500*time.Millisecond),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := sup.StartServer(ctx, shellConfig("k6", "k6", "cat"))
	require.NoError(t, err)
	require.True(t, sup.StopServer(ctx, id))
	require.NoError(t, sup.Shutdown(ctx))

	assert.Equal(t, 1, logs.FilterMessageSnippet("started").Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("stopped").Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("exited").Len())
	started := logs.FilterMessage(string(framework.EventServerStarted)).All()
	require.Len(t, started, 1)
	assert.Equal(t, id, started[0].ContextMap()["process_id"])
}

func TestShutdownForceKillIsNotAnError(t *testing.T) {
	requireShell(t)
	events := &eventRecorder{}
	sup := New(WithTelemetry(events), WithGracePeriod(200*time.Millisecond))
	id, err := sup.StartServer(context.Background(), shellConfig("stubborn", "", "trap '' TERM; echo ready; sleep 30"))
	require.NoError(t, err)
	events.waitFor(t, func(e framework.Event) bool {
		return e.Type == framework.EventServerOutput && e.ProcessID == id && strings.Contains(e.Message, "ready")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(ctx))
	stopped := events.waitFor(t, isEvent(framework.EventServerStopped, id))
	assert.Equal(t, false, stopped.Metadata["graceful"])
	assert.Empty(t, sup.GetAllServerStatuses())
}

func TestShutdownRejectsNewStarts(t *testing.T) {
	requireShell(t)
	sup := New()
	_, err := sup.StartServer(context.Background(), shellConfig("k6", "k6", "cat"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(ctx))
	assert.Empty(t, sup.GetAllServerStatuses())

	_, err = sup.StartServer(context.Background(), shellConfig("k6", "k6", "cat"))
	assert.True(t, errors.Is(err, framework.ErrSupervisorClosed))
}

func TestLastActivityIsMonotonic(t *testing.T) {
	rec := newRecord("k6-1-abc", framework.ServerConfig{Name: "k6"}, "", nil)
	rec.touch()
	prev := rec.LastActivity()
	for i := range 50 {
		rec.deliver([]byte("chunk"), i%2 == 0)
		now := rec.LastActivity()
		assert.False(t, now.Before(prev))
		prev = now
	}

	future := time.Now().Add(time.Hour).UnixNano()
	rec.lastActivity.Store(future)
	rec.touch()
	assert.Equal(t, future, rec.LastActivity().UnixNano())
}

func TestProcessIDFormat(t *testing.T) {
	a := newProcessID("playwright")
	b := newProcessID("playwright")
	assert.NotEqual(t, a, b)
	parts := strings.Split(a, "-")
	require.Len(t, parts, 3)
	assert.Equal(t, "playwright", parts[0])
	assert.Len(t, parts[2], 9)
}
