// SPDX-License-Identifier: MPL-2.0

// Package deps checks for and installs the external tools the pipeline
// depends on (colima, docker, kubectl), dispatching install actions to the
// host's native package manager. Resolution is idempotent: a tool that is
// already present is never reinstalled.
package deps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"dockside-setup/internal/hostcmd"
	"dockside-setup/internal/platform"

	"github.com/charmbracelet/log"
)

// Status reports how a dependency was satisfied.
type Status int

const (
	// StatusPresent means the presence probe succeeded and nothing was done.
	StatusPresent Status = iota
	// StatusInstalled means the tool was installed during this run.
	StatusInstalled
)

var (
	// ErrInstallFailed is the sentinel wrapped by every failed install
	// action. Install failures are fatal to the pipeline: later stages
	// assume the dependency exists.
	ErrInstallFailed = errors.New("dependency install failed")

	// ErrNoInstallAction is returned when a dependency has no install
	// action bound to the host's package manager family.
	ErrNoInstallAction = errors.New("no install action for package manager")
)

type (
	// Spec describes one external dependency: how to detect it and how to
	// install it per package manager family. Specs are evaluated in registry
	// order, which matters — the package manager bootstrap entry must come
	// before everything that installs through it.
	Spec struct {
		// Name is the probe binary and the user-facing tool name.
		Name string
		// Install maps each supported family to the full install argv.
		Install map[platform.PkgFamily][]string
		// Bootstrap, when non-nil, is the one-time argv that installs the
		// package manager itself when the presence probe fails. Only the
		// Homebrew entry uses this.
		Bootstrap []string
	}

	// ResolverOption configures a Resolver.
	ResolverOption func(*Resolver)

	// Resolver walks a dependency registry against one host. It mutates
	// host package state and performs no rollback; failure leaves the host
	// partially provisioned by design.
	Resolver struct {
		target      platform.Target
		execCommand hostcmd.ExecCommandFunc
		lookPath    func(string) (string, error)
		statFile    func(string) (os.FileInfo, error)
		logger      *log.Logger
	}
)

// WithExecCommand overrides the command factory, primarily for tests.
func WithExecCommand(f hostcmd.ExecCommandFunc) ResolverOption {
	return func(r *Resolver) {
		r.execCommand = f
	}
}

// WithLookPath overrides the presence probe's path lookup, primarily for tests.
func WithLookPath(f func(string) (string, error)) ResolverOption {
	return func(r *Resolver) {
		r.lookPath = f
		// Suppress the well-known-prefix fallback as well: a faked host
		// should not see the real filesystem.
		r.statFile = func(string) (os.FileInfo, error) { return nil, os.ErrNotExist }
	}
}

// WithStatFile overrides the well-known-prefix probe, primarily for tests
// simulating a freshly bootstrapped Homebrew that is not on PATH. Apply
// after WithLookPath, which suppresses the probe.
func WithStatFile(f func(string) (os.FileInfo, error)) ResolverOption {
	return func(r *Resolver) {
		r.statFile = f
	}
}

// NewResolver creates a Resolver for the given target.
func NewResolver(target platform.Target, logger *log.Logger, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		target:      target,
		execCommand: exec.CommandContext,
		lookPath:    exec.LookPath,
		statFile:    os.Stat,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ensure checks one dependency and installs it when absent.
func (r *Resolver) Ensure(ctx context.Context, spec Spec) (Status, error) {
	if r.present(spec.Name) {
		r.logger.Debug("dependency already present", "tool", spec.Name)
		return StatusPresent, nil
	}

	if spec.Bootstrap != nil {
		return r.bootstrap(ctx, spec)
	}

	argv, ok := spec.Install[r.target.PkgFamily]
	if !ok {
		return 0, fmt.Errorf("%w: cannot install %s via %s", ErrNoInstallAction, spec.Name, r.target.PkgFamily)
	}

	r.logger.Info("installing dependency", "tool", spec.Name, "via", r.target.PkgFamily)
	if err := r.run(ctx, argv); err != nil {
		return 0, &InstallError{
			Tool:   spec.Name,
			Family: r.target.PkgFamily,
			Hint:   strings.Join(argv, " "),
			Err:    err,
		}
	}

	return StatusInstalled, nil
}

// EnsureAll walks the registry in order, aborting on the first failure.
// It returns how many install actions actually ran, which the idempotency
// tests use to assert convergence.
func (r *Resolver) EnsureAll(ctx context.Context, registry []Spec) (installed int, err error) {
	for _, spec := range registry {
		status, err := r.Ensure(ctx, spec)
		if err != nil {
			return installed, err
		}
		if status == StatusInstalled {
			installed++
		}
	}
	return installed, nil
}

// bootstrap performs the one-time package manager self-install, then
// re-probes to confirm success before any other dependency proceeds.
func (r *Resolver) bootstrap(ctx context.Context, spec Spec) (Status, error) {
	r.logger.Info("bootstrapping package manager", "tool", spec.Name)

	if err := r.run(ctx, spec.Bootstrap); err != nil {
		return 0, &InstallError{
			Tool:   spec.Name,
			Family: r.target.PkgFamily,
			Hint:   strings.Join(spec.Bootstrap, " "),
			Err:    err,
		}
	}

	if !r.present(spec.Name) {
		return 0, &InstallError{
			Tool:   spec.Name,
			Family: r.target.PkgFamily,
			Hint:   strings.Join(spec.Bootstrap, " "),
			Err:    fmt.Errorf("%w: %s still missing after bootstrap", ErrInstallFailed, spec.Name),
		}
	}

	return StatusInstalled, nil
}

// brewPrefixes are the standard Homebrew locations for Apple Silicon and
// Intel. A fresh bootstrap installs here without updating the current
// process's PATH.
var brewPrefixes = []string{"/opt/homebrew/bin/brew", "/usr/local/bin/brew"}

// present runs the presence probe.
func (r *Resolver) present(name string) bool {
	_, ok := r.locate(name)
	return ok
}

// locate resolves a tool binary. Homebrew gets the extra prefix check because
// a fresh bootstrap does not update the current process's PATH — and for the
// same reason every later `brew install` must run through the resolved path,
// not a bare "brew" that exec would fail to find.
func (r *Resolver) locate(name string) (string, bool) {
	if p, err := r.lookPath(name); err == nil {
		return p, true
	}
	if name == "brew" {
		for _, p := range brewPrefixes {
			if _, err := r.statFile(p); err == nil {
				return p, true
			}
		}
	}
	return "", false
}

// run executes an install argv, inheriting stdout/stderr so package manager
// progress is visible to the operator.
func (r *Resolver) run(ctx context.Context, argv []string) error {
	name := argv[0]
	if p, ok := r.locate(name); ok {
		name = p
	}
	cmd := r.execCommand(ctx, name, argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin // apt/sudo may prompt
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v: %w", ErrInstallFailed, argv, err)
	}
	return nil
}

// InstallError carries the failed tool, the package manager family, and the
// exact manual command the operator can run as remediation.
type InstallError struct {
	Tool   string
	Family platform.PkgFamily
	Hint   string
	Err    error
}

// Error implements the error interface.
func (e *InstallError) Error() string {
	return fmt.Sprintf("installing %s via %s: %v", e.Tool, e.Family, e.Err)
}

// Unwrap returns the underlying error for errors.Is inspection.
func (e *InstallError) Unwrap() error { return e.Err }

// Remediation returns the manual command to run when the install fails.
func (e *InstallError) Remediation() string {
	return "try running it manually: " + e.Hint
}
