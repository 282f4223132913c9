package tools

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/framework"
	"github.com/Kdotu/2025-web-testing-mcp-sub002/supervisor"
)

type fakeRunner struct {
	mu       sync.Mutex
	starts   int
	calls    []string
	stopped  []string
	owners   map[string]string
	nextID   string
	result   *framework.CommandResult
	err      error
	startErr error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{owners: map[string]string{}, nextID: "proc-1"}
}

func (f *fakeRunner) StartOwnedServer(ctx context.Context, cfg framework.ServerConfig, owner string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.starts++
	if _, ok := f.owners[f.nextID]; !ok {
		f.owners[f.nextID] = owner
	}
	return f.nextID, nil
}

func (f *fakeRunner) ExecuteCommand(ctx context.Context, processID, method string, params any) (*framework.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, processID+":"+method)
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	if res.ProcessID == "" {
		res.ProcessID = processID
	}
	return &res, nil
}

func (f *fakeRunner) StopServer(ctx context.Context, processID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, processID)
	delete(f.owners, processID)
	return true
}

func (f *fakeRunner) GetServerStatus(processID string) (supervisor.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.owners[processID]
	return supervisor.Status{ID: processID, Owner: owner}, ok
}

var testConfig = framework.ServerConfig{Name: "local-k6", Tool: KindLoad, Command: "/opt/webtestd", Args: []string{"toolhost", "k6"}}

func TestProcessClientLocalInitializePings(t *testing.T) {
	runner := newFakeRunner()
	runner.result = &framework.CommandResult{Success: true, Raw: []byte(`{"result":"pong"}`)}
	client, err := NewProcessClient(runner, KindLoad, ModeLocal, testConfig, nil)
	require.NoError(t, err)

	require.NoError(t, client.Initialize(context.Background()))
	assert.Equal(t, []string{"proc-1:ping"}, runner.calls)
	assert.Equal(t, "proc-1", client.ProcessMetadata().ProcessID)
}

func TestProcessClientExternalInitializeSkipsRoundTrip(t *testing.T) {
	runner := newFakeRunner()
	cfg := testConfig
	cfg.Name = "external-k6"
	client, err := NewProcessClient(runner, KindLoad, ModeExternal, cfg, nil)
	require.NoError(t, err)

	require.NoError(t, client.Initialize(context.Background()))
	assert.Empty(t, runner.calls)
	assert.Equal(t, 1, runner.starts)
}

func TestProcessClientCallToolStartsLazilyAndTracksID(t *testing.T) {
	runner := newFakeRunner()
	runner.result = &framework.CommandResult{Success: true, Output: "done", ProcessID: "proc-2"}
	client, err := NewProcessClient(runner, KindLoad, ModeLocal, testConfig, nil)
	require.NoError(t, err)

	res, err := client.CallTool(context.Background(), "execute_k6_test", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, 1, runner.starts)
	assert.Equal(t, "proc-2", client.ProcessMetadata().ProcessID)

	_, err = client.CallTool(context.Background(), "execute_k6_test", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, runner.starts)
	assert.Equal(t, "proc-2:execute_k6_test", runner.calls[1])
}

func TestProcessClientCallToolPropagatesErrors(t *testing.T) {
	runner := newFakeRunner()
	runner.err = &framework.CommandError{Tool: "local-k6", Kind: framework.FailureTimeout}
	client, err := NewProcessClient(runner, KindLoad, ModeLocal, testConfig, nil)
	require.NoError(t, err)

	_, err = client.CallTool(context.Background(), "execute_k6_test", nil)
	assert.ErrorIs(t, err, framework.ErrCommandTimeout)

	runner.startErr = errors.New("spawn failed")
	other, err := NewProcessClient(runner, KindLoad, ModeLocal, testConfig, nil)
	require.NoError(t, err)
	_, err = other.CallTool(context.Background(), "execute_k6_test", nil)
	assert.EqualError(t, err, "spawn failed")
}

func TestProcessClientFollowsProcessNamedByError(t *testing.T) {
	runner := newFakeRunner()
	runner.err = &framework.CommandError{Tool: "local-k6", Kind: framework.FailureToolError, Detail: "Error: boom", ProcessID: "proc-7"}
	client, err := NewProcessClient(runner, KindLoad, ModeLocal, testConfig, nil)
	require.NoError(t, err)

	_, err = client.CallTool(context.Background(), "execute_k6_test", nil)
	require.ErrorIs(t, err, framework.ErrToolError)
	assert.Equal(t, "proc-7", client.ProcessMetadata().ProcessID)

	runner.err = errors.New("context canceled")
	_, err = client.CallTool(context.Background(), "execute_k6_test", nil)
	require.Error(t, err)
	assert.Equal(t, "proc-7", client.ProcessMetadata().ProcessID)
	assert.Equal(t, "proc-7:execute_k6_test", runner.calls[1])
}

func TestProcessClientCloseOnlyStopsOwnedProcess(t *testing.T) {
	runner := newFakeRunner()
	runner.result = &framework.CommandResult{Success: true}
	owner, err := NewProcessClient(runner, KindLoad, ModeExternal, testConfig, nil)
	require.NoError(t, err)
	borrower, err := NewProcessClient(runner, KindLoad, ModeExternal, testConfig, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, owner.Initialize(ctx))
	require.NoError(t, borrower.Initialize(ctx))

	require.NoError(t, borrower.Close(ctx))
	assert.Empty(t, runner.stopped)

	require.NoError(t, owner.Close(ctx))
	assert.Equal(t, []string{"proc-1"}, runner.stopped)
	require.NoError(t, owner.Close(ctx))
}

func TestNewProcessClientValidates(t *testing.T) {
	_, err := NewProcessClient(nil, KindLoad, ModeLocal, testConfig, nil)
	assert.Error(t, err)
	_, err = NewProcessClient(newFakeRunner(), KindLoad, ModeLocal, framework.ServerConfig{Name: "x"}, nil)
	assert.Error(t, err)
}

func TestProcessClientAgainstSupervisor(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process tests use /bin/sh")
	}
	sup := supervisor.New(supervisor.WithGracePeriod(500 * time.Millisecond))
	t.Cleanup(func() { _ = sup.Shutdown(context.Background()) })

	cfg := framework.ServerConfig{
		Name:    "local-lighthouse",
		Tool:    KindAudit,
		Command: "/bin/sh",
		Args:    []string{"-c", `read line; echo '{"result":{"score":0.9}}'`},
	}
	client, err := NewProcessClient(sup, KindAudit, ModeLocal, cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, client.Initialize(ctx))
	first := client.ProcessMetadata().ProcessID

	// every call lands on a fresh process because the previous one
	// consumed its stdin
	res, err := client.CallTool(ctx, "run_audit", map[string]any{"url": "https://example.com"})
	require.NoError(t, err)
	require.True(t, res.Structured())
	assert.NotEqual(t, first, res.ProcessID)
	assert.Equal(t, res.ProcessID, client.ProcessMetadata().ProcessID)

	require.NoError(t, client.Close(ctx))
	require.Eventually(t, func() bool {
		return !sup.IsServerRunning("local-lighthouse")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProcessClientRecoversAfterFailedCall(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process tests use /bin/sh")
	}
	sup := supervisor.New(supervisor.WithGracePeriod(500 * time.Millisecond))
	t.Cleanup(func() { _ = sup.Shutdown(context.Background()) })

	// launch 2 reports an error and keeps running; the others answer
	counter := filepath.Join(t.TempDir(), "launches")
	script := fmt.Sprintf(`n=$(cat %[1]q 2>/dev/null || echo 0); n=$((n+1)); echo "$n" > %[1]q
read line
if [ "$n" -eq 2 ]; then echo "Error: boom" >&2; sleep 30; else echo '{"result":{"score":0.9}}'; fi`, counter)
	cfg := framework.ServerConfig{
		Name:    "local-lighthouse",
		Tool:    KindAudit,
		Command: "/bin/sh",
		Args:    []string{"-c", script},
	}
	client, err := NewProcessClient(sup, KindAudit, ModeLocal, cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()
	params := map[string]any{"url": "https://example.com"}

	res, err := client.CallTool(ctx, "run_audit", params)
	require.NoError(t, err)
	require.True(t, res.Structured())

	_, err = client.CallTool(ctx, "run_audit", params)
	require.ErrorIs(t, err, framework.ErrToolError)
	failed := client.ProcessMetadata().ProcessID
	status, ok := sup.GetServerStatus(failed)
	require.True(t, ok)
	assert.Equal(t, client.owner, status.Owner)

	res, err = client.CallTool(ctx, "run_audit", params)
	require.NoError(t, err)
	require.True(t, res.Structured())
	assert.NotEqual(t, failed, res.ProcessID)
	_, ok = sup.GetServerStatus(failed)
	assert.False(t, ok)

	require.NoError(t, client.Close(ctx))
	require.Eventually(t, func() bool {
		for _, st := range sup.GetAllServerStatuses() {
			if st.Owner == client.owner {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}
