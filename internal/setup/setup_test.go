// SPDX-License-Identifier: MPL-2.0

package setup

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"dockside-setup/internal/config"
	"dockside-setup/internal/deps"
	"dockside-setup/internal/platform"
	"dockside-setup/internal/release"
	"dockside-setup/internal/shellenv"
	"dockside-setup/internal/verify"
	"dockside-setup/internal/vm"
)

var linuxTarget = platform.Target{
	OS:        platform.OSLinux,
	Arch:      platform.ArchAMD64,
	PkgFamily: platform.PkgApt,
}

func boolPtr(b bool) *bool { return &b }

type fakeEnsurer struct {
	calls     int
	installed int
	err       error
}

func (f *fakeEnsurer) EnsureAll(_ context.Context, _ []deps.Spec) (int, error) {
	f.calls++
	return f.installed, f.err
}

type fakeRuntime struct {
	calls   int
	profile vm.Profile
	outcome vm.Outcome
	warning string
	err     error
}

func (f *fakeRuntime) EnsureRunning(_ context.Context, profile vm.Profile) (vm.Outcome, string, error) {
	f.calls++
	f.profile = profile
	return f.outcome, f.warning, f.err
}

type fakeVerifier struct {
	calls         int
	orchestration bool
	result        verify.Result
}

func (f *fakeVerifier) Verify(_ context.Context, wantsOrchestration bool) verify.Result {
	f.calls++
	f.orchestration = wantsOrchestration
	return f.result
}

type fakeReleases struct {
	calls int
	sel   release.Selector
	desc  release.Descriptor
	err   error
}

func (f *fakeReleases) Resolve(_ context.Context, sel release.Selector) (release.Descriptor, error) {
	f.calls++
	f.sel = sel
	return f.desc, f.err
}

type fakeInstaller struct {
	calls      int
	installDir string
	path       string
	err        error
}

func (f *fakeInstaller) Install(_ context.Context, desc release.Descriptor, installDir string) (string, error) {
	f.calls++
	f.installDir = installDir
	if f.path == "" {
		f.path = filepath.Join(installDir, "dockside")
	}
	return f.path, f.err
}

// fixture bundles the pipeline with every collaborator replaced by a fake.
type fixture struct {
	ensurer   *fakeEnsurer
	runtime   *fakeRuntime
	verifier  *fakeVerifier
	releases  *fakeReleases
	installer *fakeInstaller
	pathCalls int
	pipeline  *Pipeline
}

func newFixture(t *testing.T, cfg *config.Config, opts Options, extra ...PipelineOption) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.InstallDir == "" {
		opts.InstallDir = t.TempDir()
	}

	f := &fixture{
		ensurer:  &fakeEnsurer{},
		runtime:  &fakeRuntime{outcome: vm.Started},
		verifier: &fakeVerifier{result: verify.Result{DaemonReady: true}},
		releases: &fakeReleases{desc: release.Descriptor{
			Version: "v1.2.3",
			URL:     "https://example.invalid/dockside_1.2.3_linux-amd64.tar.gz",
			Kind:    release.KindArchive,
		}},
		installer: &fakeInstaller{},
	}

	logger := log.New(io.Discard)
	popts := []PipelineOption{
		WithDetect(func() (platform.Target, error) { return linuxTarget, nil }),
		WithDepEnsurer(func(platform.Target) depEnsurer { return f.ensurer }),
		WithFeatureGate(func(explicit *bool, _ string) bool {
			if explicit != nil {
				return *explicit
			}
			return false
		}),
		WithRuntime(f.runtime),
		WithVerifier(func(string) envVerifier { return f.verifier }),
		WithReleaseResolver(f.releases),
		WithInstaller(f.installer),
		WithEnsurePath(func(string) (shellenv.Outcome, error) {
			f.pathCalls++
			return shellenv.Appended, nil
		}),
		WithUserHomeDir(func() (string, error) { return t.TempDir(), nil }),
	}
	popts = append(popts, extra...)
	f.pipeline = NewPipeline(cfg, opts, logger, popts...)
	return f
}

// The bootstrap scenario: dependencies skipped, Kubernetes requested
// explicitly, daemon healthy but the control plane never converges. The run
// succeeds with a single warning.
func TestRun_KubernetesNotReadyIsWarningNotFatal(t *testing.T) {
	f := newFixture(t, nil, Options{SkipDeps: true, Kubernetes: boolPtr(true)})
	ready := false
	f.verifier.result = verify.Result{
		DaemonReady:        true,
		SmokeTestPassed:    boolPtr(true),
		OrchestrationReady: &ready,
		Warnings:           []string{"kubernetes control plane did not become ready"},
	}

	sum, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if !sum.DepsSkipped {
		t.Error("DepsSkipped = false, want true")
	}
	if f.ensurer.calls != 0 {
		t.Errorf("EnsureAll called %d times, want 0", f.ensurer.calls)
	}
	if !f.runtime.profile.Kubernetes {
		t.Error("runtime profile Kubernetes = false, want true")
	}
	if !f.verifier.orchestration {
		t.Error("verifier wantsOrchestration = false, want true")
	}
	if len(sum.Warnings) != 1 {
		t.Fatalf("Warnings = %v, want exactly one", sum.Warnings)
	}
	if sum.Version != "v1.2.3" {
		t.Errorf("Version = %q, want v1.2.3", sum.Version)
	}
	if sum.InstalledPath == "" {
		t.Error("InstalledPath is empty")
	}
}

func TestRun_PlatformFailureAbortsBeforeSideEffects(t *testing.T) {
	f := newFixture(t, nil, Options{}, WithDetect(func() (platform.Target, error) {
		return platform.Target{}, platform.ErrUnsupportedPlatform
	}))

	_, err := f.pipeline.Run(context.Background())
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("Run() error = %v, want *FatalError", err)
	}
	if fe.Stage != StagePlatform {
		t.Errorf("Stage = %q, want %q", fe.Stage, StagePlatform)
	}
	if fe.Hint == "" {
		t.Error("Hint is empty, want supported-platform message")
	}
	if f.ensurer.calls != 0 || f.runtime.calls != 0 || f.installer.calls != 0 {
		t.Error("stages ran after platform detection failed")
	}
}

func TestRun_DependencyFailureCarriesRemediation(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.ensurer.err = &deps.InstallError{
		Tool:   "docker",
		Family: platform.PkgApt,
		Hint:   "sudo apt-get install -y docker.io",
		Err:    errors.New("exit status 100"),
	}

	_, err := f.pipeline.Run(context.Background())
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("Run() error = %v, want *FatalError", err)
	}
	if fe.Stage != StageDeps {
		t.Errorf("Stage = %q, want %q", fe.Stage, StageDeps)
	}
	if !strings.Contains(fe.Hint, "sudo apt-get install -y docker.io") {
		t.Errorf("Hint = %q, want manual install command", fe.Hint)
	}
	if f.runtime.calls != 0 {
		t.Error("runtime stage ran after dependency failure")
	}
}

func TestRun_RuntimeFailureIsFatalWithHint(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.runtime.err = vm.ErrStartFailed

	_, err := f.pipeline.Run(context.Background())
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("Run() error = %v, want *FatalError", err)
	}
	if fe.Stage != StageRuntime {
		t.Errorf("Stage = %q, want %q", fe.Stage, StageRuntime)
	}
	if fe.Hint == "" {
		t.Error("Hint is empty, want manual start command")
	}
	if f.releases.calls != 0 || f.installer.calls != 0 {
		t.Error("install stages ran after runtime failure")
	}
}

func TestRun_DepsOnlyStopsBeforeInstall(t *testing.T) {
	f := newFixture(t, nil, Options{DepsOnly: true})
	f.ensurer.installed = 2

	sum, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !sum.DepsOnly {
		t.Error("DepsOnly = false, want true")
	}
	if sum.DepsInstalled != 2 {
		t.Errorf("DepsInstalled = %d, want 2", sum.DepsInstalled)
	}
	if f.releases.calls != 0 || f.installer.calls != 0 || f.pathCalls != 0 {
		t.Error("install stages ran despite DepsOnly")
	}
}

func TestRun_VersionPrecedence(t *testing.T) {
	tests := []struct {
		name       string
		optVersion string
		cfgVersion string
		wantTag    string
	}{
		{"flag wins", "v2.0.0", "v1.0.0", "v2.0.0"},
		{"config when no flag", "", "v1.0.0", "v1.0.0"},
		{"latest by default", "", "", release.LatestTag},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Release.Version = tt.cfgVersion
			f := newFixture(t, cfg, Options{Version: tt.optVersion})

			if _, err := f.pipeline.Run(context.Background()); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if f.releases.sel.Tag != tt.wantTag {
				t.Errorf("Selector.Tag = %q, want %q", f.releases.sel.Tag, tt.wantTag)
			}
			if f.releases.sel.Target != linuxTarget {
				t.Errorf("Selector.Target = %+v, want %+v", f.releases.sel.Target, linuxTarget)
			}
		})
	}
}

func TestRun_AppBundleSkipsShellIntegration(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.releases.desc = release.Descriptor{
		Version: "v1.2.3",
		URL:     "https://example.invalid/Dockside_1.2.3_darwin-arm64.app.tar.gz",
		Kind:    release.KindAppBundle,
	}

	if _, err := f.pipeline.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.pathCalls != 0 {
		t.Errorf("EnsureOnPath called %d times for app bundle, want 0", f.pathCalls)
	}
}

func TestRun_ConfigKubernetesEnablesOrchestration(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Profile.Kubernetes = true
	f := newFixture(t, cfg, Options{})

	sum, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !sum.Kubernetes {
		t.Error("Kubernetes = false, want true from config")
	}
	if !f.runtime.profile.Kubernetes {
		t.Error("runtime profile Kubernetes = false, want true")
	}
}

func TestRun_ExplicitFlagOverridesConfigKubernetes(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Profile.Kubernetes = true
	f := newFixture(t, cfg, Options{Kubernetes: boolPtr(false)})

	sum, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Kubernetes {
		t.Error("Kubernetes = true, want explicit --kubernetes=false to win over config")
	}
	if f.runtime.profile.Kubernetes {
		t.Error("runtime profile Kubernetes = true, want false")
	}
	if f.verifier.orchestration {
		t.Error("verifier wantsOrchestration = true, want false")
	}
}

func TestRun_DefaultInstallDirLinux(t *testing.T) {
	home := t.TempDir()
	cfg := config.DefaultConfig()
	f := &fixture{
		ensurer:  &fakeEnsurer{},
		runtime:  &fakeRuntime{outcome: vm.AlreadyRunning},
		verifier: &fakeVerifier{result: verify.Result{DaemonReady: true}},
		releases: &fakeReleases{desc: release.Descriptor{
			Version: "v1.2.3", URL: "https://example.invalid/a.tar.gz", Kind: release.KindArchive,
		}},
		installer: &fakeInstaller{},
	}
	f.pipeline = NewPipeline(cfg, Options{SkipDeps: true}, log.New(io.Discard),
		WithDetect(func() (platform.Target, error) { return linuxTarget, nil }),
		WithFeatureGate(func(*bool, string) bool { return false }),
		WithRuntime(f.runtime),
		WithVerifier(func(string) envVerifier { return f.verifier }),
		WithReleaseResolver(f.releases),
		WithInstaller(f.installer),
		WithEnsurePath(func(string) (shellenv.Outcome, error) { return shellenv.AlreadyOnPath, nil }),
		WithUserHomeDir(func() (string, error) { return home, nil }),
	)

	if _, err := f.pipeline.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := filepath.Join(home, ".local", "bin")
	if f.installer.installDir != want {
		t.Errorf("install dir = %q, want %q", f.installer.installDir, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("install dir was not created: %v", err)
	}
}

func TestRun_RuntimeWarningPropagates(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.runtime.warning = "runtime is running without Kubernetes; restart with: colima stop && colima start --kubernetes"

	sum, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(sum.Warnings) != 1 {
		t.Fatalf("Warnings = %v, want the runtime warning", sum.Warnings)
	}
}

func TestRun_TestImageOverride(t *testing.T) {
	var gotImage string
	f := newFixture(t, nil, Options{TestImage: "busybox:1.36"},
		WithVerifier(func(testImage string) envVerifier {
			gotImage = testImage
			return &fakeVerifier{result: verify.Result{DaemonReady: true}}
		}))

	if _, err := f.pipeline.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if gotImage != "busybox:1.36" {
		t.Errorf("test image = %q, want busybox:1.36", gotImage)
	}
}
