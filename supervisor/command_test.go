package supervisor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/framework"
)

func TestExecuteCommandStructuredJSONWins(t *testing.T) {
	requireShell(t)
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()
	id, err := sup.StartServer(ctx, shellConfig("lighthouse", "lighthouse",
		`read line; printf '{"request":%s,"server":"%s"}\n' "$line" "$MCP_SERVER_ID"`))
	require.NoError(t, err)

	res, err := sup.ExecuteCommand(ctx, id, "run_audit", map[string]any{"url": "https://example.com"})
	require.NoError(t, err)
	require.True(t, res.Structured())
	assert.True(t, res.Success)
	assert.Empty(t, res.Output)
	assert.Equal(t, id, res.ProcessID)

	var body struct {
		Request struct {
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		} `json:"request"`
		Server string `json:"server"`
	}
	require.NoError(t, res.Decode(&body))
	assert.Equal(t, "run_audit", body.Request.Method)
	assert.Equal(t, "https://example.com", body.Request.Params["url"])
	assert.Equal(t, id, body.Server)
}

func TestExecuteCommandMarkerCompletesBeforeExit(t *testing.T) {
	requireShell(t)
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()
	id, err := sup.StartServer(ctx, shellConfig("k6", "k6",
		`read line; printf 'execution: local\n  http_req_duration....: avg=80ms p(95)=123.4ms\n  iterations...........: 42\n'; sleep 30`))
	require.NoError(t, err)

	start := time.Now()
	res, err := sup.ExecuteCommand(ctx, id, "execute_k6_test", map[string]any{"script_file": "load.js"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, res.Success)
	assert.False(t, res.Structured())
	assert.Contains(t, res.Output, "execution: local")
	assert.NotNil(t, res.Metrics)
	assert.True(t, sup.IsServerRunning("k6"))
}

func TestExecuteCommandCleanExitFallback(t *testing.T) {
	requireShell(t)
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()
	id, err := sup.StartServer(ctx, shellConfig("custom", "", `read line; echo "all done"; exit 0`))
	require.NoError(t, err)

	res, err := sup.ExecuteCommand(ctx, id, "run", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "all done\n", res.Output)
	assert.Empty(t, res.Metrics)
}

func TestExecuteCommandStderrErrorMarker(t *testing.T) {
	requireShell(t)
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()
	id, err := sup.StartServer(ctx, shellConfig("k6", "k6", `read line; echo "Error: script not found" >&2; sleep 30`))
	require.NoError(t, err)

	_, err = sup.ExecuteCommand(ctx, id, "execute_k6_test", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, framework.ErrToolError)
	assert.Equal(t, "k6 execution error: Error: script not found", err.Error())

	var cmdErr *framework.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, id, cmdErr.ProcessID)
}

func TestExecuteCommandNonZeroExit(t *testing.T) {
	requireShell(t)
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()
	id, err := sup.StartServer(ctx, shellConfig("custom", "", `read line; echo "bad input" >&2; exit 3`))
	require.NoError(t, err)

	_, err = sup.ExecuteCommand(ctx, id, "run", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, framework.ErrProcessExited)
	var cmdErr *framework.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 3, cmdErr.Code)
	assert.Equal(t, "custom process exited with code 3: bad input", err.Error())
}

func TestExecuteCommandTimeoutNamesTool(t *testing.T) {
	requireShell(t)
	sup, _ := newTestSupervisor(t, WithCommandTimeout(200*time.Millisecond))
	ctx := context.Background()
	id, err := sup.StartServer(ctx, shellConfig("playwright", "playwright", "sleep 30"))
	require.NoError(t, err)

	_, err = sup.ExecuteCommand(ctx, id, "run_test", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, framework.ErrCommandTimeout)
	assert.Contains(t, err.Error(), "playwright")
	assert.Contains(t, err.Error(), "timeout")

	status, ok := sup.GetServerStatus(id)
	require.True(t, ok)
	assert.False(t, status.Busy)
}

func TestExecuteCommandContextCancel(t *testing.T) {
	requireShell(t)
	sup, _ := newTestSupervisor(t)
	id, err := sup.StartServer(context.Background(), shellConfig("k6", "k6", "sleep 30"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = sup.ExecuteCommand(ctx, id, "execute_k6_test", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecuteCommandBusyAndStopFailsPending(t *testing.T) {
	requireShell(t)
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()
	id, err := sup.StartServer(ctx, shellConfig("k6", "k6", "read line; sleep 30"))
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() {
		_, err := sup.ExecuteCommand(ctx, id, "execute_k6_test", nil)
		first <- err
	}()
	require.Eventually(t, func() bool {
		status, ok := sup.GetServerStatus(id)
		return ok && status.Busy
	}, 5*time.Second, 10*time.Millisecond)

	_, err = sup.ExecuteCommand(ctx, id, "execute_k6_test", nil)
	assert.ErrorIs(t, err, framework.ErrBusy)

	sup.StopServer(ctx, id)
	select {
	case err := <-first:
		assert.ErrorIs(t, err, framework.ErrProcessStopped)
		assert.Equal(t, "k6 process stopped", err.Error())
	case <-time.After(5 * time.Second):
		t.Fatal("pending command was not failed by stop")
	}
}

func TestExecuteCommandRestartsExitedProcessOnce(t *testing.T) {
	requireShell(t)
	sup, events := newTestSupervisor(t)
	ctx := context.Background()
	id, err := sup.StartServer(ctx, shellConfig("lighthouse", "lighthouse", `read line; echo '{"ok":true}'`))
	require.NoError(t, err)

	res, err := sup.ExecuteCommand(ctx, id, "run_audit", nil)
	require.NoError(t, err)
	assert.Equal(t, id, res.ProcessID)
	events.waitFor(t, isEvent(framework.EventServerExited, id))

	res, err = sup.ExecuteCommand(ctx, id, "run_audit", nil)
	require.NoError(t, err)
	assert.True(t, res.Structured())
	assert.NotEqual(t, id, res.ProcessID)
	assert.Equal(t, 2, events.count(framework.EventServerStarted))
}

func TestExecuteCommandReplacesSpentProcess(t *testing.T) {
	requireShell(t)
	sup, events := newTestSupervisor(t)
	ctx := context.Background()
	id, err := sup.StartServer(ctx, shellConfig("lighthouse", "lighthouse", `read line; echo '{"ok":true}'; sleep 30`))
	require.NoError(t, err)

	_, err = sup.ExecuteCommand(ctx, id, "run_audit", nil)
	require.NoError(t, err)
	status, ok := sup.GetServerStatus(id)
	require.True(t, ok)
	assert.True(t, status.Spent)

	res, err := sup.ExecuteCommand(ctx, id, "run_audit", nil)
	require.NoError(t, err)
	assert.NotEqual(t, id, res.ProcessID)
	assert.Equal(t, 2, events.count(framework.EventServerStarted))

	statuses := sup.GetAllServerStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, res.ProcessID, statuses[0].ID)
}

func TestExecuteCommandRetryIsNotRepeated(t *testing.T) {
	requireShell(t)
	sup, events := newTestSupervisor(t)
	ctx := context.Background()
	id, err := sup.StartServer(ctx, shellConfig("flaky", "", "exit 0"))
	require.NoError(t, err)
	events.waitFor(t, isEvent(framework.EventServerExited, id))

	// the replacement exits at once too; whatever the outcome, only one
	// replacement is launched
	_, _ = sup.ExecuteCommand(ctx, id, "run", nil)
	assert.Equal(t, 2, events.count(framework.EventServerStarted))
}

func TestExecuteCommandFailureNamesReplacement(t *testing.T) {
	requireShell(t)
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()
	id, err := sup.StartServer(ctx, shellConfig("lighthouse", "lighthouse", `read line; echo "Error: boom" >&2; sleep 30`))
	require.NoError(t, err)
	_, err = sup.ExecuteCommand(ctx, id, "run_audit", nil)
	require.ErrorIs(t, err, framework.ErrToolError)

	// the second command lands on a replacement and its failure says so
	_, err = sup.ExecuteCommand(ctx, id, "run_audit", nil)
	var cmdErr *framework.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.NotEqual(t, id, cmdErr.ProcessID)
	_, ok := sup.GetServerStatus(cmdErr.ProcessID)
	assert.True(t, ok)
	_, ok = sup.GetServerStatus(id)
	assert.False(t, ok)
}

func TestExecuteCommandStaleIDRetiresSpentSibling(t *testing.T) {
	requireShell(t)
	sup, events := newTestSupervisor(t)
	ctx := context.Background()
	quick := shellConfig("lighthouse", "lighthouse", `read line; echo '{"ok":true}'`)
	lingering := quick
	lingering.Args = []string{"-c", `read line; echo "Error: boom" >&2; sleep 30`}

	first, err := sup.StartOwnedServer(ctx, quick, "client-a")
	require.NoError(t, err)
	_, err = sup.ExecuteCommand(ctx, first, "run_audit", nil)
	require.NoError(t, err)
	events.waitFor(t, isEvent(framework.EventServerExited, first))

	// a spent process of the same name and owner must not be adopted
	second, err := sup.StartOwnedServer(ctx, lingering, "client-a")
	require.NoError(t, err)
	_, err = sup.ExecuteCommand(ctx, second, "run_audit", nil)
	require.Error(t, err)
	_, ok := sup.GetRunningServerID("lighthouse")
	assert.False(t, ok)

	res, err := sup.ExecuteCommand(ctx, first, "run_audit", nil)
	require.NoError(t, err)
	assert.NotEqual(t, second, res.ProcessID)
	_, ok = sup.GetServerStatus(second)
	assert.False(t, ok)
}

func TestExecuteCommandChainKeepsOneTemplate(t *testing.T) {
	requireShell(t)
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()
	id, err := sup.StartServer(ctx, shellConfig("lighthouse", "lighthouse", `read line; echo '{"ok":true}'`))
	require.NoError(t, err)

	for range 20 {
		res, err := sup.ExecuteCommand(ctx, id, "run_audit", nil)
		require.NoError(t, err)
		id = res.ProcessID
	}
	sup.mu.RLock()
	templates := len(sup.issued)
	_, current := sup.issued[id]
	sup.mu.RUnlock()
	assert.Equal(t, 1, templates)
	assert.True(t, current)

	sup.StopServer(ctx, id)
	sup.mu.RLock()
	assert.Empty(t, sup.issued)
	sup.mu.RUnlock()
	_, err = sup.ExecuteCommand(ctx, id, "run_audit", nil)
	assert.ErrorIs(t, err, framework.ErrProcessNotFound)
}

func TestExecuteCommandUnknownID(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	_, err := sup.ExecuteCommand(context.Background(), "nobody-1-abc", "ping", nil)
	assert.ErrorIs(t, err, framework.ErrProcessNotFound)
}

func TestEncodeRequest(t *testing.T) {
	line, err := encodeRequest("ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "{\"method\":\"ping\",\"params\":{}}\n", string(line))
	assert.Equal(t, 1, strings.Count(string(line), "\n"))
}

func TestExecutionResolvesOnce(t *testing.T) {
	rec := newRecord("k6-1-abc", framework.ServerConfig{Name: "k6", Tool: "k6"}, "", nil)
	exec := newExecution(rec, DefaultClassifiers()["k6"], "execute_k6_test")

	exec.onStdout(`{"result":"ok"}`)
	exec.onStderr("Error: too late\n")
	exec.onClose(1)
	exec.fail(errors.New("also too late"))

	out := <-exec.done
	require.NoError(t, out.err)
	assert.True(t, out.result.Structured())
	select {
	case extra := <-exec.done:
		t.Fatalf("unexpected second resolution: %+v", extra)
	default:
	}
}

func TestClassifierSelection(t *testing.T) {
	sup := New()
	assert.Equal(t, LoadTestMarkers, sup.classifierFor(framework.ServerConfig{Name: "x", Tool: "K6"}).Markers)
	assert.Equal(t, LoadTestMarkers, sup.classifierFor(framework.ServerConfig{Name: "k6-local"}).Markers)
	assert.Empty(t, sup.classifierFor(framework.ServerConfig{Name: "lighthouse"}).Markers)
	assert.Empty(t, sup.classifierFor(framework.ServerConfig{Name: "other"}).Markers)
}
