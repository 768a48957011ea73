// SPDX-License-Identifier: MPL-2.0

// Package testutil provides shared test doubles for the pipeline packages.
package testutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
)

type (
	// Response describes what a stubbed command invocation should produce.
	Response struct {
		Stdout   string
		Stderr   string
		ExitCode int
	}

	// Invocation represents a single invocation of exec.Command.
	Invocation struct {
		Name string
		Args []string
	}

	// stub binds a command pattern to a queue of responses. The pattern is
	// matched as a substring of "name arg0 arg1 ...". When the queue is
	// exhausted, the last response repeats.
	stub struct {
		pattern   string
		responses []Response
		next      int
	}

	// CommandRecorder captures arguments passed to exec.Command and plays
	// back scripted responses. It uses the TestHelperProcess pattern: the
	// returned exec.Cmd re-runs the test binary, which writes the configured
	// output and exits with the configured code.
	CommandRecorder struct {
		mu          sync.Mutex
		invocations []Invocation
		stubs       []*stub

		// Default is returned for invocations that match no stub.
		Default Response
	}
)

// NewCommandRecorder creates a recorder where every command succeeds with no
// output unless a stub says otherwise.
func NewCommandRecorder() *CommandRecorder {
	return &CommandRecorder{}
}

// Stub registers a response for every invocation whose "name args..." string
// contains pattern.
func (r *CommandRecorder) Stub(pattern string, resp Response) {
	r.StubSeq(pattern, resp)
}

// StubSeq registers a sequence of responses for a pattern. Each matching
// invocation consumes the next response; the final one repeats. This models
// convergence, e.g. `docker info` failing twice and then succeeding.
func (r *CommandRecorder) StubSeq(pattern string, resps ...Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stubs = append(r.stubs, &stub{pattern: pattern, responses: resps})
}

// CommandFunc returns a hostcmd.ExecCommandFunc-compatible factory that
// records invocations and plays back the scripted responses.
func (r *CommandRecorder) CommandFunc(t *testing.T) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	t.Helper()
	return func(_ context.Context, name string, args ...string) *exec.Cmd {
		resp := r.record(name, args)

		cs := []string{"-test.run=TestHelperProcess", "--", name}
		cs = append(cs, args...)
		//nolint:gosec // TestHelperProcess is a test-only pattern.
		cmd := exec.Command(os.Args[0], cs...) //nolint:noctx // Test helper.
		cmd.Env = []string{
			"GO_WANT_HELPER_PROCESS=1",
			fmt.Sprintf("GO_HELPER_EXIT_CODE=%d", resp.ExitCode),
			"GO_HELPER_STDOUT=" + resp.Stdout,
			"GO_HELPER_STDERR=" + resp.Stderr,
		}
		return cmd
	}
}

// record appends the invocation and resolves which response applies.
func (r *CommandRecorder) record(name string, args []string) Response {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.invocations = append(r.invocations, Invocation{Name: name, Args: args})

	joined := name + " " + strings.Join(args, " ")
	for _, s := range r.stubs {
		if !strings.Contains(joined, s.pattern) {
			continue
		}
		resp := s.responses[s.next]
		if s.next < len(s.responses)-1 {
			s.next++
		}
		return resp
	}
	return r.Default
}

// Invocations returns a copy of all recorded invocations.
func (r *CommandRecorder) Invocations() []Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Invocation, len(r.invocations))
	copy(out, r.invocations)
	return out
}

// CountMatching returns how many recorded invocations contain pattern in
// their "name args..." string.
func (r *CommandRecorder) CountMatching(pattern string) int {
	n := 0
	for _, inv := range r.Invocations() {
		joined := inv.Name + " " + strings.Join(inv.Args, " ")
		if strings.Contains(joined, pattern) {
			n++
		}
	}
	return n
}

// AssertInvoked fails the test unless at least one invocation matches pattern.
func (r *CommandRecorder) AssertInvoked(t *testing.T, pattern string) {
	t.Helper()
	if r.CountMatching(pattern) == 0 {
		t.Errorf("expected an invocation matching %q, got: %v", pattern, r.Invocations())
	}
}

// AssertNotInvoked fails the test if any invocation matches pattern.
func (r *CommandRecorder) AssertNotInvoked(t *testing.T, pattern string) {
	t.Helper()
	if n := r.CountMatching(pattern); n > 0 {
		t.Errorf("expected no invocation matching %q, got %d: %v", pattern, n, r.Invocations())
	}
}

// RunHelperProcess implements the helper-process side of the recorder. Each
// test package using CommandRecorder declares:
//
//	func TestHelperProcess(t *testing.T) { testutil.RunHelperProcess() }
func RunHelperProcess() {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	if stdout := os.Getenv("GO_HELPER_STDOUT"); stdout != "" {
		fmt.Fprint(os.Stdout, stdout)
	}
	if stderr := os.Getenv("GO_HELPER_STDERR"); stderr != "" {
		fmt.Fprint(os.Stderr, stderr)
	}

	exitCode := 0
	if code := os.Getenv("GO_HELPER_EXIT_CODE"); code != "" {
		fmt.Sscanf(code, "%d", &exitCode) //nolint:errcheck // Best-effort parsing in a test helper.
	}
	os.Exit(exitCode)
}
