// SPDX-License-Identifier: MPL-2.0

package vm

import (
	"context"
	"errors"
	"io"
	"testing"

	"dockside-setup/internal/hostcmd"
	"dockside-setup/internal/testutil"

	"github.com/charmbracelet/log"
)

func TestHelperProcess(t *testing.T) { testutil.RunHelperProcess() }

const (
	runningJSON = `{"name":"default","status":"Running","cpus":4,"memory":8589934592,"disk":64424509440,"kubernetes":false}` + "\n"
	runningK8s  = `{"name":"default","status":"Running","cpus":4,"memory":8589934592,"disk":64424509440,"kubernetes":true}` + "\n"
	stoppedJSON = `{"name":"default","status":"Stopped","cpus":4,"memory":8589934592,"disk":64424509440,"kubernetes":false}` + "\n"
)

func newClient(t *testing.T, rec *testutil.CommandRecorder) *Client {
	t.Helper()
	runner := hostcmd.New("colima",
		hostcmd.WithBinaryPath("/usr/local/bin/colima"),
		hostcmd.WithExecCommand(rec.CommandFunc(t)))
	return NewClient(log.NewWithOptions(io.Discard, log.Options{}), WithRunner(runner))
}

func defaultProfile(kubernetes bool) Profile {
	return Profile{CPUs: 4, MemoryGiB: 8, DiskGiB: 60, Kubernetes: kubernetes}
}

func TestStatus_ParsesListOutput(t *testing.T) {
	rec := testutil.NewCommandRecorder()
	rec.Stub("colima list --json", testutil.Response{Stdout: runningJSON})

	vm, found, err := newClient(t, rec).Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !found {
		t.Fatal("Status() found = false, want true")
	}
	if !vm.Running || vm.Kubernetes || vm.CPUs != 4 {
		t.Errorf("Status() = %+v, want running 4-cpu VM without kubernetes", vm)
	}
}

func TestStatus_NoProfile(t *testing.T) {
	rec := testutil.NewCommandRecorder()
	rec.Stub("colima list --json", testutil.Response{Stdout: "\n"})

	_, found, err := newClient(t, rec).Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if found {
		t.Error("Status() found = true for empty list output")
	}
}

func TestEnsureRunning_StartsStoppedVM(t *testing.T) {
	rec := testutil.NewCommandRecorder()
	rec.Stub("colima list --json", testutil.Response{Stdout: stoppedJSON})

	outcome, warning, err := newClient(t, rec).EnsureRunning(context.Background(), defaultProfile(true))
	if err != nil {
		t.Fatalf("EnsureRunning() error = %v", err)
	}
	if outcome != Started {
		t.Errorf("EnsureRunning() outcome = %v, want Started", outcome)
	}
	if warning != "" {
		t.Errorf("EnsureRunning() warning = %q, want empty", warning)
	}
	rec.AssertInvoked(t, "colima start --cpu 4 --memory 8 --disk 60 --kubernetes")
}

func TestEnsureRunning_LeavesRunningVMAlone(t *testing.T) {
	rec := testutil.NewCommandRecorder()
	rec.Stub("colima list --json", testutil.Response{Stdout: runningK8s})

	outcome, warning, err := newClient(t, rec).EnsureRunning(context.Background(), defaultProfile(true))
	if err != nil {
		t.Fatalf("EnsureRunning() error = %v", err)
	}
	if outcome != AlreadyRunning {
		t.Errorf("EnsureRunning() outcome = %v, want AlreadyRunning", outcome)
	}
	if warning != "" {
		t.Errorf("EnsureRunning() warning = %q, want empty", warning)
	}
	rec.AssertNotInvoked(t, "colima start")
}

func TestEnsureRunning_CapabilityMismatchWarns(t *testing.T) {
	// Kubernetes requested, VM running without it: warn, never restart.
	rec := testutil.NewCommandRecorder()
	rec.Stub("colima list --json", testutil.Response{Stdout: runningJSON})

	outcome, warning, err := newClient(t, rec).EnsureRunning(context.Background(), defaultProfile(true))
	if err != nil {
		t.Fatalf("EnsureRunning() error = %v", err)
	}
	if outcome != AlreadyRunning {
		t.Errorf("EnsureRunning() outcome = %v, want AlreadyRunning", outcome)
	}
	if warning == "" {
		t.Fatal("EnsureRunning() warning empty, want capability mismatch warning")
	}
	rec.AssertNotInvoked(t, "colima stop")
	rec.AssertNotInvoked(t, "colima start")
}

func TestEnsureRunning_StartFailureIsFatal(t *testing.T) {
	rec := testutil.NewCommandRecorder()
	rec.Stub("colima list --json", testutil.Response{Stdout: stoppedJSON})
	rec.Stub("colima start", testutil.Response{ExitCode: 1, Stderr: "FATA[0000] error starting vm"})

	_, _, err := newClient(t, rec).EnsureRunning(context.Background(), defaultProfile(false))
	if !errors.Is(err, ErrStartFailed) {
		t.Fatalf("EnsureRunning() error = %v, want ErrStartFailed", err)
	}
}

func TestProfile_Remediation(t *testing.T) {
	got := defaultProfile(true).Remediation()
	want := "try starting the runtime manually: colima start --cpu 4 --memory 8 --disk 60 --kubernetes"
	if got != want {
		t.Errorf("Remediation() = %q, want %q", got, want)
	}
}
