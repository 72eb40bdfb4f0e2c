// Package proc spawns target binaries and captures their observable output.
//
// A process is always run to completion, killed on timeout, or reported as a
// spawn failure. There is no retry: a timed-out process is a result, not a
// transient condition.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// DefaultTimeout bounds a single invocation when none is given.
const DefaultTimeout = 30 * time.Second

// waitDelay is how long Wait keeps pipes open after the child is killed.
// Grandchildren holding stdout would otherwise block Wait forever.
const waitDelay = 2 * time.Second

// Status classifies how an invocation ended.
type Status string

const (
	// StatusCompleted means the process exited on its own (any exit code).
	StatusCompleted Status = "completed"

	// StatusTimedOut means the process was killed after its deadline.
	StatusTimedOut Status = "timed_out"

	// StatusSpawnFailed means the process never started.
	StatusSpawnFailed Status = "spawn_failed"
)

// Invocation describes one execution of a target binary.
// Build a fresh Invocation per case; nothing in it is shared.
type Invocation struct {
	Binary string
	Args   []string

	// Env overrides are applied on top of the parent environment.
	Env map[string]string

	// Dir is the working directory. Empty means the harness's own.
	Dir string

	// Stdin is streamed to the process when non-nil.
	Stdin []byte

	// Timeout is the hard deadline. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Result is everything observable about a finished invocation.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Stdout   []byte        `json:"-"`
	Stderr   []byte        `json:"-"`
	Duration time.Duration `json:"duration"`
	Status   Status        `json:"status"`
}

// Success reports whether the process completed with exit code 0.
func (r *Result) Success() bool {
	return r.Status == StatusCompleted && r.ExitCode == 0
}

// StdoutString returns stdout with trailing whitespace removed.
func (r *Result) StdoutString() string {
	return strings.TrimRight(string(r.Stdout), " \t\r\n")
}

// StderrString returns stderr with trailing whitespace removed.
func (r *Result) StderrString() string {
	return strings.TrimRight(string(r.Stderr), " \t\r\n")
}

// SpawnError reports that a binary could not be started.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that a process was killed after its deadline.
type TimeoutError struct {
	Binary  string
	Args    []string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: killed after %s", e.Binary, strings.Join(e.Args, " "), e.Timeout)
}

// IsSpawnError reports whether err is (or wraps) a SpawnError.
func IsSpawnError(err error) bool {
	var se *SpawnError
	return errors.As(err, &se)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Run executes inv and captures its output.
//
// The returned error is nil for any process that ran to completion,
// regardless of exit code. It is a *SpawnError when the process could not
// start and a *TimeoutError when the deadline killed it; in both cases the
// Result is still populated with whatever was captured.
func Run(ctx context.Context, inv Invocation) (*Result, error) {
	if inv.Binary == "" {
		return &Result{ExitCode: -1, Status: StatusSpawnFailed},
			&SpawnError{Binary: inv.Binary, Err: errors.New("empty binary path")}
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// #nosec G204 -- binary paths come from harness configuration.
	cmd := exec.CommandContext(runCtx, inv.Binary, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.WaitDelay = waitDelay
	if len(inv.Env) != 0 {
		cmd.Env = MergeEnv(cmd.Environ(), inv.Env)
	}
	if inv.Stdin != nil {
		cmd.Stdin = bytes.NewReader(inv.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return &Result{ExitCode: -1, Status: StatusSpawnFailed, Duration: time.Since(start)},
			&SpawnError{Binary: inv.Binary, Err: err}
	}

	waitErr := cmd.Wait()
	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
		Status:   StatusCompleted,
		ExitCode: exitCode(cmd, waitErr),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.Status = StatusTimedOut
		return res, &TimeoutError{Binary: inv.Binary, Args: inv.Args, Timeout: timeout}
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("run %s: %w", inv.Binary, ctx.Err())
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		// Wait failed for a reason other than a non-zero exit (pipe copy
		// errors, WaitDelay expiry). The output is incomplete.
		return res, fmt.Errorf("wait %s: %w", inv.Binary, waitErr)
	}

	return res, nil
}

// exitCode extracts the exit status. Signal deaths report -1.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

// MergeEnv appends overrides to base in sorted key order and removes earlier
// duplicates, so the last assignment of each key wins.
func MergeEnv(base []string, overrides map[string]string) []string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	merged := make([]string, 0, len(base)+len(keys))
	merged = append(merged, base...)
	for _, k := range keys {
		merged = append(merged, k+"="+overrides[k])
	}
	return dedupeEnv(merged)
}

func dedupeEnv(env []string) []string {
	last := make(map[string]int, len(env))
	for i, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		last[key] = i
	}
	out := make([]string, 0, len(last))
	for i, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if last[key] == i {
			out = append(out, kv)
		}
	}
	return out
}
