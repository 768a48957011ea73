// SPDX-License-Identifier: MPL-2.0

// Package verify confirms that the provisioned environment actually works:
// it polls the container daemon (and, when requested, the Kubernetes control
// plane) for readiness within bounded windows, then runs disposable smoke
// workloads. Nothing in this package is fatal — the runtime may still be
// converging after the pipeline exits, so failures downgrade to warnings.
package verify

import (
	"context"
	"fmt"
	"time"

	"dockside-setup/internal/hostcmd"

	"github.com/charmbracelet/log"
)

const (
	// daemonAttempts × daemonDelay bounds the docker readiness poll.
	daemonAttempts = 15
	daemonDelay    = time.Second

	// controlPlaneAttempts × controlPlaneDelay bounds the Kubernetes poll.
	// The control plane cold-starts much slower than the daemon.
	controlPlaneAttempts = 30
	controlPlaneDelay    = 2 * time.Second

	// nodeReadyTimeout bounds the wait for at least one Ready node.
	nodeReadyTimeout = 2 * time.Minute

	// DefaultTestImage is the disposable smoke-test workload image.
	DefaultTestImage = "alpine:3.20"

	// smokePodName is the throwaway pod used for the orchestration smoke test.
	smokePodName = "dockside-smoke-test"
)

type (
	// Result accumulates verification outcomes. Pointer fields are nil when
	// the corresponding check never ran (e.g. orchestration not requested,
	// or smoke test skipped because the daemon never became ready).
	Result struct {
		DaemonReady            bool
		SmokeTestPassed        *bool
		OrchestrationReady     *bool
		OrchestrationSmokeTest *bool
		Warnings               []string
	}

	// VerifierOption configures a Verifier.
	VerifierOption func(*Verifier)

	// Verifier drives docker and kubectl readiness checks.
	Verifier struct {
		docker  *hostcmd.Runner
		kubectl *hostcmd.Runner
		logger  *log.Logger

		testImage string

		daemonAttempts       int
		daemonDelay          time.Duration
		controlPlaneAttempts int
		controlPlaneDelay    time.Duration
	}
)

// WithDocker overrides the docker Runner, primarily for tests.
func WithDocker(r *hostcmd.Runner) VerifierOption {
	return func(v *Verifier) { v.docker = r }
}

// WithKubectl overrides the kubectl Runner, primarily for tests.
func WithKubectl(r *hostcmd.Runner) VerifierOption {
	return func(v *Verifier) { v.kubectl = r }
}

// WithTestImage overrides the smoke-test image.
func WithTestImage(image string) VerifierOption {
	return func(v *Verifier) { v.testImage = image }
}

// WithBounds overrides the polling bounds, so tests finish instantly.
func WithBounds(daemonAttempts int, daemonDelay time.Duration, cpAttempts int, cpDelay time.Duration) VerifierOption {
	return func(v *Verifier) {
		v.daemonAttempts = daemonAttempts
		v.daemonDelay = daemonDelay
		v.controlPlaneAttempts = cpAttempts
		v.controlPlaneDelay = cpDelay
	}
}

// NewVerifier creates a Verifier with production polling bounds.
func NewVerifier(logger *log.Logger, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		docker:               hostcmd.New("docker"),
		kubectl:              hostcmd.New("kubectl"),
		logger:               logger,
		testImage:            DefaultTestImage,
		daemonAttempts:       daemonAttempts,
		daemonDelay:          daemonDelay,
		controlPlaneAttempts: controlPlaneAttempts,
		controlPlaneDelay:    controlPlaneDelay,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs the full verification pass. It never returns an error: every
// failure mode becomes a false/nil flag plus a warning in the Result.
func (v *Verifier) Verify(ctx context.Context, wantsOrchestration bool) Result {
	var res Result

	res.DaemonReady = v.pollDaemon(ctx)
	if res.DaemonReady {
		passed := v.daemonSmokeTest(ctx)
		res.SmokeTestPassed = &passed
		if !passed {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("docker smoke test failed (docker run --rm %s)", v.testImage))
		}
	} else {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("docker daemon not ready after %d attempts; it may still be starting", v.daemonAttempts))
	}

	if !wantsOrchestration {
		return res
	}

	ready := v.pollControlPlane(ctx)
	res.OrchestrationReady = &ready
	if !ready {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("Kubernetes control plane not ready after %d attempts; it may still be starting", v.controlPlaneAttempts))
		return res
	}

	passed := v.orchestrationSmokeTest(ctx)
	res.OrchestrationSmokeTest = &passed
	if !passed {
		res.Warnings = append(res.Warnings, "Kubernetes smoke test failed")
	}

	return res
}

// pollDaemon waits for `docker info` to succeed within the daemon bound.
func (v *Verifier) pollDaemon(ctx context.Context) bool {
	v.logger.Info("waiting for docker daemon")
	err := Retry(ctx, v.daemonAttempts, v.daemonDelay, func(ctx context.Context) error {
		return v.docker.Status(ctx, "info")
	})
	if err != nil {
		v.logger.Warn("docker daemon not ready", "err", err)
		return false
	}
	v.logger.Info("docker daemon ready")
	return true
}

// daemonSmokeTest runs one disposable container end to end.
func (v *Verifier) daemonSmokeTest(ctx context.Context) bool {
	v.logger.Info("running docker smoke test", "image", v.testImage)
	if err := v.docker.Status(ctx, "run", "--rm", v.testImage, "true"); err != nil {
		v.logger.Warn("docker smoke test failed", "err", err)
		return false
	}
	return true
}

// pollControlPlane waits for `kubectl cluster-info` to succeed within the
// control plane bound.
func (v *Verifier) pollControlPlane(ctx context.Context) bool {
	v.logger.Info("waiting for Kubernetes control plane")
	err := Retry(ctx, v.controlPlaneAttempts, v.controlPlaneDelay, func(ctx context.Context) error {
		return v.kubectl.Status(ctx, "cluster-info")
	})
	if err != nil {
		v.logger.Warn("Kubernetes control plane not ready", "err", err)
		return false
	}
	v.logger.Info("Kubernetes control plane ready")
	return true
}

// orchestrationSmokeTest waits for a Ready node, then runs one throwaway pod
// to completion. The pod is deleted on every exit path, pass or fail — a
// leftover smoke pod must never outlive the installer.
func (v *Verifier) orchestrationSmokeTest(ctx context.Context) (passed bool) {
	if err := v.kubectl.Status(ctx, "wait", "--for=condition=Ready", "node", "--all",
		"--timeout="+nodeReadyTimeout.String()); err != nil {
		v.logger.Warn("no Kubernetes node became Ready", "err", err)
		return false
	}

	defer func() {
		// Cleanup runs regardless of outcome, with a fresh context so a
		// canceled verification still removes the pod.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := v.kubectl.Status(cleanupCtx, "delete", "pod", smokePodName, "--ignore-not-found"); err != nil {
			v.logger.Warn("smoke pod cleanup failed", "pod", smokePodName, "err", err)
		}
	}()

	v.logger.Info("running Kubernetes smoke test", "image", v.testImage)
	if err := v.kubectl.Status(ctx, "run", smokePodName,
		"--image="+v.testImage, "--restart=Never", "--command", "--", "true"); err != nil {
		v.logger.Warn("Kubernetes smoke pod creation failed", "err", err)
		return false
	}

	if err := v.kubectl.Status(ctx, "wait", "--for=jsonpath={.status.phase}=Succeeded",
		"pod/"+smokePodName, "--timeout=60s"); err != nil {
		v.logger.Warn("Kubernetes smoke pod did not complete", "err", err)
		return false
	}

	return true
}
