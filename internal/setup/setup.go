// SPDX-License-Identifier: MPL-2.0

// Package setup orchestrates the provisioning pipeline: platform gating,
// dependency resolution, the container runtime, environment verification,
// artifact installation, and shell integration. Stages that prove the
// environment works are advisory (warnings); stages that change it are
// fatal on failure.
package setup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"dockside-setup/internal/config"
	"dockside-setup/internal/deps"
	"dockside-setup/internal/install"
	"dockside-setup/internal/platform"
	"dockside-setup/internal/release"
	"dockside-setup/internal/shellenv"
	"dockside-setup/internal/termio"
	"dockside-setup/internal/verify"
	"dockside-setup/internal/vm"
)

// Stage names a pipeline phase for error reporting.
type Stage string

const (
	StagePlatform Stage = "platform"
	StageDeps     Stage = "dependencies"
	StageRuntime  Stage = "runtime"
	StageRelease  Stage = "release"
	StageInstall  Stage = "install"
	StageShell    Stage = "shell"
)

// kubernetesPrompt is the single interactive question the pipeline asks.
const kubernetesPrompt = "Enable Kubernetes support?"

type (
	// Options are the per-invocation knobs, resolved by the cmd layer from
	// flags. Zero values defer to config file values and built-in defaults.
	Options struct {
		// SkipDeps bypasses dependency resolution entirely.
		SkipDeps bool
		// DepsOnly stops the pipeline after verification; no artifact is
		// downloaded or installed.
		DepsOnly bool
		// Kubernetes, when non-nil, decides orchestration support without
		// prompting.
		Kubernetes *bool
		// Version pins the release tag to install; empty means the config
		// value, falling back to the latest published release.
		Version string
		// InstallDir overrides the installation directory.
		InstallDir string
		// TestImage overrides the verification container image.
		TestImage string
	}

	// Summary is everything Run accomplished, for the final report.
	Summary struct {
		Target        platform.Target
		DepsInstalled int
		DepsSkipped   bool
		Kubernetes    bool
		VMOutcome     vm.Outcome
		Verification  verify.Result
		DepsOnly      bool
		Version       string
		InstalledPath string
		ShellOutcome  shellenv.Outcome
		RCFile        string
		Warnings      []string
	}

	// FatalError is an unrecoverable stage failure. Hint, when set, is a
	// concrete remediation the operator can try by hand.
	FatalError struct {
		Stage Stage
		Hint  string
		Err   error
	}

	// The pipeline talks to its collaborators through small interfaces so
	// tests can stand in for each stage.

	depEnsurer interface {
		EnsureAll(ctx context.Context, registry []deps.Spec) (int, error)
	}

	runtimeEnsurer interface {
		EnsureRunning(ctx context.Context, profile vm.Profile) (vm.Outcome, string, error)
	}

	envVerifier interface {
		Verify(ctx context.Context, wantsOrchestration bool) verify.Result
	}

	releaseResolver interface {
		Resolve(ctx context.Context, sel release.Selector) (release.Descriptor, error)
	}

	artifactInstaller interface {
		Install(ctx context.Context, desc release.Descriptor, installDir string) (string, error)
	}

	// PipelineOption configures a Pipeline.
	PipelineOption func(*Pipeline)

	// Pipeline runs the setup stages in order.
	Pipeline struct {
		cfg    *config.Config
		opts   Options
		logger *log.Logger

		detect      func() (platform.Target, error)
		newEnsurer  func(platform.Target) depEnsurer
		resolveGate func(explicit *bool, prompt string) bool
		runtime     runtimeEnsurer
		newVerifier func(testImage string) envVerifier
		releases    releaseResolver
		installer   artifactInstaller
		ensurePath  func(installDir string) (shellenv.Outcome, error)
		userHomeDir func() (string, error)
	}
)

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error for errors.Is inspection.
func (e *FatalError) Unwrap() error { return e.Err }

// WithDetect overrides platform detection.
func WithDetect(f func() (platform.Target, error)) PipelineOption {
	return func(p *Pipeline) { p.detect = f }
}

// WithDepEnsurer overrides the dependency resolver factory.
func WithDepEnsurer(f func(platform.Target) depEnsurer) PipelineOption {
	return func(p *Pipeline) { p.newEnsurer = f }
}

// WithFeatureGate overrides interactive feature resolution.
func WithFeatureGate(f func(*bool, string) bool) PipelineOption {
	return func(p *Pipeline) { p.resolveGate = f }
}

// WithRuntime overrides the container runtime client.
func WithRuntime(r runtimeEnsurer) PipelineOption {
	return func(p *Pipeline) { p.runtime = r }
}

// WithVerifier overrides the verifier factory.
func WithVerifier(f func(testImage string) envVerifier) PipelineOption {
	return func(p *Pipeline) { p.newVerifier = f }
}

// WithReleaseResolver overrides release resolution.
func WithReleaseResolver(r releaseResolver) PipelineOption {
	return func(p *Pipeline) { p.releases = r }
}

// WithInstaller overrides artifact installation.
func WithInstaller(i artifactInstaller) PipelineOption {
	return func(p *Pipeline) { p.installer = i }
}

// WithEnsurePath overrides shell PATH integration.
func WithEnsurePath(f func(string) (shellenv.Outcome, error)) PipelineOption {
	return func(p *Pipeline) { p.ensurePath = f }
}

// WithUserHomeDir overrides home directory lookup.
func WithUserHomeDir(f func() (string, error)) PipelineOption {
	return func(p *Pipeline) { p.userHomeDir = f }
}

// NewPipeline wires a Pipeline with production collaborators; options
// replace individual stages for testing.
func NewPipeline(cfg *config.Config, opts Options, logger *log.Logger, popts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		opts:   opts,
		logger: logger,

		detect: platform.Detect,
		newEnsurer: func(target platform.Target) depEnsurer {
			return deps.NewResolver(target, logger)
		},
		resolveGate: termio.ResolveFeatureFlag,
		runtime:     vm.NewClient(logger),
		newVerifier: func(testImage string) envVerifier {
			return verify.NewVerifier(logger, verify.WithTestImage(testImage))
		},
		ensurePath:  shellenv.EnsureOnPath,
		userHomeDir: os.UserHomeDir,
	}

	releaseClient := release.NewClient()
	p.releases = releaseClient
	p.installer = install.NewInstaller(releaseClient, logger)

	for _, opt := range popts {
		opt(p)
	}
	return p
}

// Run executes the pipeline. Verification failures become warnings in the
// Summary; every other stage failure aborts with a *FatalError.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	// Platform gating happens before any side effect.
	target, err := p.detect()
	if err != nil {
		return sum, &FatalError{
			Stage: StagePlatform,
			Hint:  "supported platforms are macOS on Apple Silicon and Linux with apt, dnf, or pacman",
			Err:   err,
		}
	}
	sum.Target = target
	p.logger.Info("detected platform", "target", target.String())

	if p.opts.SkipDeps {
		sum.DepsSkipped = true
		p.logger.Debug("dependency resolution skipped")
	} else {
		installed, err := p.newEnsurer(target).EnsureAll(ctx, deps.Registry(target))
		if err != nil {
			return sum, &FatalError{Stage: StageDeps, Hint: remediationOf(err), Err: err}
		}
		sum.DepsInstalled = installed
	}

	// Precedence: an explicit flag always wins; a config opt-in counts as
	// explicit too (no prompt); only an unset feature reaches the gate.
	explicit := p.opts.Kubernetes
	if explicit == nil && p.cfg.Profile.Kubernetes {
		enabled := true
		explicit = &enabled
	}
	sum.Kubernetes = p.resolveGate(explicit, kubernetesPrompt)

	profile := vm.Profile{
		CPUs:       p.cfg.Profile.CPUs,
		MemoryGiB:  p.cfg.Profile.MemoryGiB,
		DiskGiB:    p.cfg.Profile.DiskGiB,
		Kubernetes: sum.Kubernetes,
	}

	outcome, warning, err := p.runtime.EnsureRunning(ctx, profile)
	if err != nil {
		return sum, &FatalError{Stage: StageRuntime, Hint: profile.Remediation(), Err: err}
	}
	sum.VMOutcome = outcome
	if warning != "" {
		sum.Warnings = append(sum.Warnings, warning)
	}

	testImage := p.opts.TestImage
	if testImage == "" {
		testImage = p.cfg.Verify.TestImage
	}
	sum.Verification = p.newVerifier(testImage).Verify(ctx, sum.Kubernetes)
	sum.Warnings = append(sum.Warnings, sum.Verification.Warnings...)

	if p.opts.DepsOnly {
		sum.DepsOnly = true
		return sum, nil
	}

	tag := p.opts.Version
	if tag == "" {
		tag = p.cfg.Release.Version
	}
	if tag == "" {
		tag = release.LatestTag
	}
	desc, err := p.releases.Resolve(ctx, release.Selector{Tag: tag, Target: target})
	if err != nil {
		return sum, &FatalError{
			Stage: StageRelease,
			Hint:  "check network connectivity, or pin a release with --version-tag",
			Err:   err,
		}
	}
	sum.Version = desc.Version

	installDir, err := p.installDir(target)
	if err != nil {
		return sum, &FatalError{Stage: StageInstall, Err: err}
	}
	if err := os.MkdirAll(installDir, 0o755); err != nil {
		return sum, &FatalError{
			Stage: StageInstall,
			Hint:  fmt.Sprintf("ensure %s is writable", installDir),
			Err:   err,
		}
	}

	installed, err := p.installer.Install(ctx, desc, installDir)
	if err != nil {
		return sum, &FatalError{
			Stage: StageInstall,
			Hint:  fmt.Sprintf("ensure %s is writable and has free space", installDir),
			Err:   err,
		}
	}
	sum.InstalledPath = installed

	// PATH integration only applies to the CLI binary; an app bundle in
	// /Applications is launched by Finder or `open`.
	if desc.Kind != release.KindAppBundle {
		shellOutcome, err := p.ensurePath(installDir)
		if err != nil {
			return sum, &FatalError{
				Stage: StageShell,
				Hint:  fmt.Sprintf("add %q to PATH in your shell profile", installDir),
				Err:   err,
			}
		}
		sum.ShellOutcome = shellOutcome
		if rc, err := shellenv.RCFile(); err == nil {
			sum.RCFile = rc
		}
	}

	return sum, nil
}

// installDir resolves the destination directory: flag, then config, then the
// platform default (/Applications for the app bundle, ~/.local/bin for the
// CLI binary).
func (p *Pipeline) installDir(target platform.Target) (string, error) {
	if p.opts.InstallDir != "" {
		return p.opts.InstallDir, nil
	}
	if p.cfg.Install.Dir != "" {
		return p.cfg.Install.Dir, nil
	}
	if target.OS == platform.OSDarwin {
		return "/Applications", nil
	}
	home, err := p.userHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving install dir: %w", err)
	}
	return filepath.Join(home, ".local", "bin"), nil
}

// remediationOf surfaces a stage-specific hint when the error carries one.
func remediationOf(err error) string {
	var ie *deps.InstallError
	if errors.As(err, &ie) {
		return ie.Remediation()
	}
	return ""
}
