// Package executor runs task commands as OS subprocesses. Each command
// gets its own process group so that timeouts and cancellation tear
// down the whole tree, not just the immediate child.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/azos-dev/azos/internal/models"
)

// killGrace is how long a process group gets to exit after SIGTERM
// before it is SIGKILLed.
const killGrace = 2 * time.Second

// RunStatus is the outcome category of one execution.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimedOut  RunStatus = "timed_out"
)

// StreamFunc receives one output line as it is produced. stream is
// "stdout" or "stderr".
type StreamFunc func(stream, line string)

// Request describes one command execution.
type Request struct {
	// Kind selects the launcher: shell, python, or node.
	Kind models.ExecKind

	// Source is the shell command line, or the script body for
	// interpreter kinds.
	Source string

	// Timeout bounds wall-clock execution. Zero means no limit.
	Timeout time.Duration

	// WorkingDir is the subprocess working directory. Empty inherits.
	WorkingDir string

	// Env entries are appended to the inherited environment.
	Env []string

	// Stream, when set, receives output lines as they arrive.
	Stream StreamFunc

	// Stdin, when set, is wired to the subprocess for shell tasks.
	// Interpreter kinds already consume stdin for the script body.
	Stdin io.Reader
}

// Result is the outcome of one execution.
type Result struct {
	Status   RunStatus
	ExitCode int // negative when the process died on a signal
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
}

// Executor launches task subprocesses. The zero value is usable;
// construct with New to set defaults shared across executions.
type Executor struct {
	// DefaultTimeout applies when a request carries none.
	DefaultTimeout time.Duration
}

// New returns an Executor with the given default timeout.
func New(defaultTimeout time.Duration) *Executor {
	return &Executor{DefaultTimeout: defaultTimeout}
}

// Execute runs the request to completion. The error return is reserved
// for launch failures (bad interpreter, unstartable process); a command
// that runs and exits nonzero yields a Result with RunFailed and a nil
// error.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd, err := buildCommand(req)
	if err != nil {
		return nil, err
	}
	cmd.Dir = req.WorkingDir
	if len(req.Env) > 0 {
		cmd.Env = append(cmd.Environ(), req.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s process: %w", req.Kind, err)
	}
	pgid := cmd.Process.Pid

	// Reap the whole group when the context ends before the process.
	reaperDone := make(chan struct{})
	waitDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		select {
		case <-waitDone:
			return
		case <-ctx.Done():
		}
		syscall.Kill(-pgid, syscall.SIGTERM)
		select {
		case <-waitDone:
		case <-time.After(killGrace):
			syscall.Kill(-pgid, syscall.SIGKILL)
		}
	}()

	var outBuf, errBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go collect(&wg, stdout, &outBuf, "stdout", req.Stream)
	go collect(&wg, stderr, &errBuf, "stderr", req.Stream)
	wg.Wait()

	waitErr := cmd.Wait()
	close(waitDone)
	<-reaperDone
	elapsed := time.Since(start)

	res := &Result{
		Stdout:  outBuf.String(),
		Stderr:  errBuf.String(),
		Elapsed: elapsed,
	}

	switch {
	case waitErr == nil:
		res.Status = RunCompleted
		res.ExitCode = 0
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Status = RunTimedOut
		res.ExitCode = exitCode(waitErr)
	default:
		res.Status = RunFailed
		res.ExitCode = exitCode(waitErr)
	}
	return res, nil
}

// buildCommand maps an execution kind onto its launcher. Interpreter
// kinds receive the script body on stdin so no temp file is needed.
func buildCommand(req Request) (*exec.Cmd, error) {
	switch req.Kind {
	case models.ExecShell, "":
		cmd := exec.Command("/bin/sh", "-c", req.Source)
		cmd.Stdin = req.Stdin
		return cmd, nil
	case models.ExecPython:
		cmd := exec.Command("python3", "-")
		cmd.Stdin = bytes.NewReader([]byte(req.Source))
		return cmd, nil
	case models.ExecNode:
		cmd := exec.Command("node", "-")
		cmd.Stdin = bytes.NewReader([]byte(req.Source))
		return cmd, nil
	}
	return nil, fmt.Errorf("unknown execution kind %q", req.Kind)
}

// collect drains one output pipe into buf, forwarding lines to stream.
// The pipe must empty even when line scanning gives up, or the child
// blocks on a full pipe and never exits.
func collect(wg *sync.WaitGroup, r io.Reader, buf *bytes.Buffer, name string, stream StreamFunc) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if stream != nil {
			stream(name, line)
		}
	}
	if scanner.Err() != nil {
		// A line over the token cap stops the scanner. Fall back to a
		// raw drain: the rest of the output is accumulated unstreamed.
		io.Copy(buf, r)
	}
}

// exitCode extracts the process exit status. A signal death maps to the
// negated signal number, mirroring the exit convention of POSIX shells.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if ok && status.Signaled() {
		return -int(status.Signal())
	}
	return exitErr.ExitCode()
}
