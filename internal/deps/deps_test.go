// SPDX-License-Identifier: MPL-2.0

package deps

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"testing"

	"dockside-setup/internal/platform"
	"dockside-setup/internal/testutil"

	"github.com/charmbracelet/log"
)

func TestHelperProcess(t *testing.T) { testutil.RunHelperProcess() }

var (
	darwinTarget = platform.Target{OS: platform.OSDarwin, Arch: platform.ArchARM64, PkgFamily: platform.PkgHomebrew}
	aptTarget    = platform.Target{OS: platform.OSLinux, Arch: platform.ArchAMD64, PkgFamily: platform.PkgApt}
)

// lookPathWith returns a lookup that only resolves the given binaries.
func lookPathWith(present ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, p := range present {
			if p == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", exec.ErrNotFound
	}
}

func quietLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func newResolver(t *testing.T, target platform.Target, rec *testutil.CommandRecorder, present ...string) *Resolver {
	t.Helper()
	return NewResolver(target, quietLogger(),
		WithExecCommand(rec.CommandFunc(t)),
		WithLookPath(lookPathWith(present...)))
}

func TestEnsure_PresentIsNoOp(t *testing.T) {
	rec := testutil.NewCommandRecorder()
	r := newResolver(t, darwinTarget, rec, "colima")

	status, err := r.Ensure(context.Background(), Spec{Name: "colima", Install: brewInstall("colima")})
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if status != StatusPresent {
		t.Errorf("Ensure() status = %v, want StatusPresent", status)
	}
	if got := len(rec.Invocations()); got != 0 {
		t.Errorf("present dependency triggered %d commands, want 0", got)
	}
}

func TestEnsure_InstallsWhenAbsent(t *testing.T) {
	rec := testutil.NewCommandRecorder()
	r := newResolver(t, darwinTarget, rec) // nothing present

	status, err := r.Ensure(context.Background(), Spec{Name: "colima", Install: brewInstall("colima")})
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if status != StatusInstalled {
		t.Errorf("Ensure() status = %v, want StatusInstalled", status)
	}
	rec.AssertInvoked(t, "brew install colima")
}

func TestEnsure_BrewInstallsViaResolvedPath(t *testing.T) {
	// A freshly bootstrapped host has brew at /opt/homebrew/bin/brew but not
	// on the process PATH; install actions must run the resolved path, not a
	// bare "brew" that exec would fail to find.
	rec := testutil.NewCommandRecorder()
	r := NewResolver(darwinTarget, quietLogger(),
		WithExecCommand(rec.CommandFunc(t)),
		WithLookPath(lookPathWith()), // nothing on PATH
		WithStatFile(func(path string) (os.FileInfo, error) {
			if path == "/opt/homebrew/bin/brew" {
				return os.Stat(".")
			}
			return nil, os.ErrNotExist
		}))

	status, err := r.Ensure(context.Background(), Spec{Name: "colima", Install: brewInstall("colima")})
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if status != StatusInstalled {
		t.Errorf("Ensure() status = %v, want StatusInstalled", status)
	}
	rec.AssertInvoked(t, "/opt/homebrew/bin/brew install colima")
}

func TestEnsure_NoActionForFamily(t *testing.T) {
	rec := testutil.NewCommandRecorder()
	r := newResolver(t, aptTarget, rec)

	// A spec that only knows how to install via Homebrew on an apt host.
	_, err := r.Ensure(context.Background(), Spec{Name: "colima", Install: brewInstall("colima")})
	if !errors.Is(err, ErrNoInstallAction) {
		t.Fatalf("Ensure() error = %v, want ErrNoInstallAction", err)
	}
	if got := len(rec.Invocations()); got != 0 {
		t.Errorf("unsupported combination still ran %d commands, want 0", got)
	}
}

func TestEnsure_InstallFailureIsFatal(t *testing.T) {
	rec := testutil.NewCommandRecorder()
	rec.Stub("apt-get install", testutil.Response{ExitCode: 100, Stderr: "E: Unable to locate package"})
	r := newResolver(t, aptTarget, rec)

	_, err := r.Ensure(context.Background(), Registry(aptTarget)[0]) // docker via apt
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("Ensure() error = %v, want ErrInstallFailed", err)
	}

	var installErr *InstallError
	if !errors.As(err, &installErr) {
		t.Fatalf("Ensure() error = %T, want *InstallError", err)
	}
	if installErr.Remediation() == "" {
		t.Error("InstallError.Remediation() is empty, want the manual command")
	}
}

func TestEnsureAll_Idempotent(t *testing.T) {
	// First run installs everything, second run against a host where the
	// tools now exist must perform zero install actions.
	rec := testutil.NewCommandRecorder()
	r := newResolver(t, aptTarget, rec)

	installed, err := r.EnsureAll(context.Background(), Registry(aptTarget))
	if err != nil {
		t.Fatalf("first EnsureAll() error = %v", err)
	}
	if installed != 3 {
		t.Errorf("first EnsureAll() installed = %d, want 3", installed)
	}

	rec2 := testutil.NewCommandRecorder()
	r2 := newResolver(t, aptTarget, rec2, "docker", "colima", "kubectl")

	installed, err = r2.EnsureAll(context.Background(), Registry(aptTarget))
	if err != nil {
		t.Fatalf("second EnsureAll() error = %v", err)
	}
	if installed != 0 {
		t.Errorf("second EnsureAll() installed = %d, want 0", installed)
	}
	if got := len(rec2.Invocations()); got != 0 {
		t.Errorf("second run executed %d commands, want 0", got)
	}
}

func TestEnsureAll_AbortsOnFirstFailure(t *testing.T) {
	rec := testutil.NewCommandRecorder()
	rec.Stub("docker.io", testutil.Response{ExitCode: 1})
	r := newResolver(t, aptTarget, rec)

	_, err := r.EnsureAll(context.Background(), Registry(aptTarget))
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("EnsureAll() error = %v, want ErrInstallFailed", err)
	}
	// docker is first in the Linux registry; nothing after it may run.
	rec.AssertNotInvoked(t, "kubectl")
	rec.AssertNotInvoked(t, "colima")
}

func TestBootstrap_ReprobesAfterInstall(t *testing.T) {
	// Simulate the Homebrew bootstrap: brew missing before, and the lookup
	// still failing afterwards (PATH not refreshed). The resolver must treat
	// an unconfirmed bootstrap as fatal.
	rec := testutil.NewCommandRecorder()
	r := newResolver(t, darwinTarget, rec)

	_, err := r.Ensure(context.Background(), Registry(darwinTarget)[0])
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("Ensure() error = %v, want ErrInstallFailed after failed re-probe", err)
	}
	rec.AssertInvoked(t, "/bin/bash -c")
}

func TestRegistry_BootstrapComesFirst(t *testing.T) {
	reg := Registry(darwinTarget)
	if len(reg) == 0 || reg[0].Name != "brew" {
		t.Fatalf("darwin registry does not lead with the package manager bootstrap: %+v", reg)
	}
	if reg[0].Bootstrap == nil {
		t.Error("brew spec has no bootstrap action")
	}
	for _, spec := range reg[1:] {
		if spec.Bootstrap != nil {
			t.Errorf("spec %s unexpectedly has a bootstrap action", spec.Name)
		}
		if _, ok := spec.Install[platform.PkgHomebrew]; !ok {
			t.Errorf("spec %s has no homebrew install action", spec.Name)
		}
	}
}
