// SPDX-License-Identifier: MPL-2.0

// Package hostcmd is a thin execution layer for the external CLI tools the
// pipeline drives (package managers, colima, docker, kubectl). Every tool is
// represented by a Runner holding the resolved binary path plus an injectable
// command factory, so tests can simulate any host without running anything.
package hostcmd

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

type (
	// ExecCommandFunc is the function signature for creating exec.Cmd.
	// This allows injection of mock implementations for testing.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// RunnerOption configures a Runner.
	RunnerOption func(*Runner)

	// Runner executes a single external binary. The zero binary path is
	// legal and means the tool was not found on the search path; Available
	// reports that state and every execution method fails fast on it.
	Runner struct {
		name        string // Tool name for error messages (e.g., "docker")
		binaryPath  string
		execCommand ExecCommandFunc
	}
)

// WithExecCommand overrides the command factory, primarily for tests.
func WithExecCommand(f ExecCommandFunc) RunnerOption {
	return func(r *Runner) {
		r.execCommand = f
	}
}

// WithBinaryPath pins the binary path instead of resolving it via LookPath.
func WithBinaryPath(path string) RunnerOption {
	return func(r *Runner) {
		r.binaryPath = path
	}
}

// New creates a Runner for the named tool, resolving its location via
// exec.LookPath. A missing binary is not an error here — callers decide
// whether absence is fatal (dependency resolver) or merely "not yet
// installed" (presence probes).
func New(name string, opts ...RunnerOption) *Runner {
	r := &Runner{
		name:        name,
		execCommand: exec.CommandContext,
	}
	path, err := exec.LookPath(name)
	if err == nil {
		r.binaryPath = path
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the tool name.
func (r *Runner) Name() string {
	return r.name
}

// BinaryPath returns the resolved binary path, or "" when not found.
func (r *Runner) BinaryPath() string {
	return r.binaryPath
}

// Available reports whether the binary was found on the search path.
func (r *Runner) Available() bool {
	return r.binaryPath != ""
}

// Command creates an exec.Cmd for the given arguments. This is useful when
// the caller needs to customize stdin/stdout/stderr (e.g., streaming
// `colima start` progress to the terminal).
func (r *Runner) Command(ctx context.Context, args ...string) *exec.Cmd {
	return r.execCommand(ctx, r.binaryPath, args...)
}

// Output executes the command with stdout captured to a buffer.
func (r *Runner) Output(ctx context.Context, args ...string) (string, error) {
	if err := r.checkAvailable(); err != nil {
		return "", err
	}
	cmd := r.Command(ctx, args...)
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("command %s %v failed: %w", r.name, args, err)
	}

	return out.String(), nil
}

// Status executes the command and returns only the error status.
func (r *Runner) Status(ctx context.Context, args ...string) error {
	if err := r.checkAvailable(); err != nil {
		return err
	}
	cmd := r.Command(ctx, args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command %s %v failed: %w", r.name, args, err)
	}
	return nil
}

// CombinedOutput executes the command and returns combined stdout/stderr,
// which is useful for surfacing package manager failure details verbatim.
func (r *Runner) CombinedOutput(ctx context.Context, args ...string) ([]byte, error) {
	if err := r.checkAvailable(); err != nil {
		return nil, err
	}
	cmd := r.Command(ctx, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("command %s %v failed: %w", r.name, args, err)
	}
	return out, nil
}

func (r *Runner) checkAvailable() error {
	if r.binaryPath == "" {
		return fmt.Errorf("%s not found on PATH", r.name)
	}
	return nil
}
