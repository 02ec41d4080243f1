package executor

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azos-dev/azos/internal/models"
)

func TestExecuteShellSuccess(t *testing.T) {
	e := New(time.Minute)
	res, err := e.Execute(context.Background(), Request{
		Kind:   models.ExecShell,
		Source: "echo hello",
	})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.Greater(t, res.Elapsed, time.Duration(0))
}

func TestExecuteShellFailure(t *testing.T) {
	e := New(time.Minute)
	res, err := e.Execute(context.Background(), Request{
		Kind:   models.ExecShell,
		Source: "echo oops >&2; exit 3",
	})
	require.NoError(t, err)
	assert.Equal(t, RunFailed, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestExecuteSurvivesOversizedLine(t *testing.T) {
	e := New(time.Minute)
	start := time.Now()
	// A single 3 MB line exceeds the scanner's token cap. The pipe must
	// still drain so a fast command finishes fast with its real status.
	res, err := e.Execute(context.Background(), Request{
		Kind:    models.ExecShell,
		Source:  "head -c 3000000 /dev/zero | tr '\\0' 'a'; echo; echo done",
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "done")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteTimeout(t *testing.T) {
	e := New(time.Minute)
	start := time.Now()
	res, err := e.Execute(context.Background(), Request{
		Kind:    models.ExecShell,
		Source:  "sleep 30",
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, RunTimedOut, res.Status)
	assert.Negative(t, res.ExitCode)
	// Must come back within timeout plus the kill grace, with headroom.
	assert.Less(t, time.Since(start), 200*time.Millisecond+killGrace+2*time.Second)
}

func TestExecuteKillsProcessGroup(t *testing.T) {
	e := New(time.Minute)
	res, err := e.Execute(context.Background(), Request{
		Kind: models.ExecShell,
		// The child sleep is in the same process group and must die with
		// its parent.
		Source:  "sleep 30 & echo started; wait",
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, RunTimedOut, res.Status)
	assert.Contains(t, res.Stdout, "started")
}

func TestExecuteStreamsLines(t *testing.T) {
	e := New(time.Minute)

	var mu sync.Mutex
	var lines []string
	res, err := e.Execute(context.Background(), Request{
		Kind:   models.ExecShell,
		Source: "echo one; echo two; echo err >&2",
		Stream: func(stream, line string) {
			mu.Lock()
			lines = append(lines, stream+":"+line)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.Status)
	assert.Contains(t, lines, "stdout:one")
	assert.Contains(t, lines, "stdout:two")
	assert.Contains(t, lines, "stderr:err")
}

func TestExecuteWorkingDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	e := New(time.Minute)
	res, err := e.Execute(context.Background(), Request{
		Kind:       models.ExecShell,
		Source:     "pwd; printf '%s\\n' \"$AZOS_TEST_VAR\"",
		WorkingDir: dir,
		Env:        []string{"AZOS_TEST_VAR=wired"},
	})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.Status)
	assert.Contains(t, res.Stdout, dir)
	assert.Contains(t, res.Stdout, "wired")
}

func TestExecuteUnknownKind(t *testing.T) {
	e := New(time.Minute)
	_, err := e.Execute(context.Background(), Request{Kind: "ruby", Source: "puts 1"})
	assert.Error(t, err)
}

func TestExecuteContextCancel(t *testing.T) {
	e := New(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	res, err := e.Execute(ctx, Request{Kind: models.ExecShell, Source: "sleep 30"})
	require.NoError(t, err)
	assert.Equal(t, RunFailed, res.Status)
	assert.Equal(t, -int(syscall.SIGTERM), res.ExitCode)
}
