package container

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/control-plane/internal/executor"
)

type scriptedExecutor struct {
	// responses maps a substring of the rendered command to a canned result.
	responses []struct {
		match  string
		result executor.Result
		err    error
	}
	calls []string
}

func (s *scriptedExecutor) Execute(ctx context.Context, machineID string, creds executor.Credentials, command string, timeout time.Duration) (executor.Result, error) {
	s.calls = append(s.calls, command)
	for _, r := range s.responses {
		if strings.Contains(command, r.match) {
			return r.result, r.err
		}
	}
	return executor.Result{ExitCode: 0}, nil
}

func (s *scriptedExecutor) on(match string, res executor.Result) {
	s.responses = append(s.responses, struct {
		match  string
		result executor.Result
		err    error
	}{match, res, nil})
}

func TestCreate_PullsMissingImageAndRuns(t *testing.T) {
	exec := &scriptedExecutor{}
	exec.on("'image' 'inspect'", executor.Result{ExitCode: 1})
	exec.on("pull", executor.Result{ExitCode: 0})
	exec.on("'run' '-d'", executor.Result{ExitCode: 0, Stdout: "abc123\n"})

	e := New(exec)
	c, err := e.Create(context.Background(), "m1", executor.Credentials{}, Config{Name: "web", Image: "nginx:latest"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", c.ID)
	assert.Equal(t, StateRunning, c.State)

	var pulled bool
	for _, call := range exec.calls {
		if strings.Contains(call, "pull") {
			pulled = true
		}
	}
	assert.True(t, pulled)
}

func TestCreate_NameConflict(t *testing.T) {
	exec := &scriptedExecutor{}
	exec.on("'image' 'inspect'", executor.Result{ExitCode: 0})
	exec.on("'run' '-d'", executor.Result{ExitCode: 1, Stderr: "Conflict. The container name \"/web\" is already in use"})

	e := New(exec)
	_, err := e.Create(context.Background(), "m1", executor.Credentials{}, Config{Name: "web", Image: "nginx"})
	require.Error(t, err)
}

func TestRemove_RunningWithoutForce_Conflict(t *testing.T) {
	exec := &scriptedExecutor{}
	exec.on("rm", executor.Result{ExitCode: 1, Stderr: "Error: cannot remove container \"web\": container is running"})

	e := New(exec)
	err := e.Remove(context.Background(), "m1", executor.Credentials{}, "web", false)
	require.Error(t, err)
}

func TestStats_ParsesDockerOutput(t *testing.T) {
	exec := &scriptedExecutor{}
	exec.on("stats", executor.Result{ExitCode: 0, Stdout: `{"CPUPerc":"12.50%","MemUsage":"100MiB / 1GiB","NetIO":"1kB / 2kB","BlockIO":"3MB / 4MB","PIDs":"7"}`})

	e := New(exec)
	stats, err := e.Stats(context.Background(), "m1", executor.Credentials{}, "web")
	require.NoError(t, err)
	assert.InDelta(t, 12.5, stats.CPUPercent, 0.001)
	assert.EqualValues(t, 100*1<<20, stats.MemoryUsage)
	assert.EqualValues(t, 1<<30, stats.MemoryLimit)
	assert.Equal(t, 7, stats.PIDs)
}

func TestParseByteSize(t *testing.T) {
	assert.EqualValues(t, 1<<20, parseByteSize("1MiB"))
	assert.EqualValues(t, 1<<30, parseByteSize("1GiB"))
	assert.EqualValues(t, 1000, parseByteSize("1KB"))
	assert.EqualValues(t, 0, parseByteSize("garbage"))
}

func TestEnsureNetwork_CreatesWhenAbsent(t *testing.T) {
	exec := &scriptedExecutor{}
	exec.on("'network' 'inspect'", executor.Result{ExitCode: 1})
	exec.on("'network' 'create'", executor.Result{ExitCode: 0})

	e := New(exec)
	err := e.EnsureNetwork(context.Background(), "m1", executor.Credentials{}, "compose_abc")
	require.NoError(t, err)

	var created bool
	for _, call := range exec.calls {
		if strings.Contains(call, "'network' 'create'") {
			created = true
		}
	}
	assert.True(t, created)
}

func TestEnsureNetwork_SkipsCreateWhenPresent(t *testing.T) {
	exec := &scriptedExecutor{}
	exec.on("'network' 'inspect'", executor.Result{ExitCode: 0})

	e := New(exec)
	err := e.EnsureNetwork(context.Background(), "m1", executor.Credentials{}, "compose_abc")
	require.NoError(t, err)

	for _, call := range exec.calls {
		assert.NotContains(t, call, "'network' 'create'")
	}
}

func TestRemoveNetwork_IdempotentWhenAlreadyGone(t *testing.T) {
	exec := &scriptedExecutor{}
	exec.on("'network' 'rm'", executor.Result{ExitCode: 1, Stderr: "Error: No such network: compose_abc (not found)"})

	e := New(exec)
	err := e.RemoveNetwork(context.Background(), "m1", executor.Credentials{}, "compose_abc")
	require.NoError(t, err)
}

func TestLogs_BuildsFlags(t *testing.T) {
	exec := &scriptedExecutor{}
	exec.on("logs", executor.Result{ExitCode: 0, Stdout: "line1\nline2\n"})

	e := New(exec)
	out, err := e.Logs(context.Background(), "m1", executor.Credentials{}, "web", 50, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Contains(t, out, "line1")

	found := false
	for _, call := range exec.calls {
		if strings.Contains(call, "--tail") && strings.Contains(call, "50") {
			found = true
		}
	}
	assert.True(t, found)
}
