// SPDX-License-Identifier: MPL-2.0

// Package vm starts and observes the Colima VM that hosts the container
// runtime. The pipeline never stops or restarts a running VM: in-flight
// workloads belong to the operator, not to the installer.
package vm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"dockside-setup/internal/hostcmd"

	"github.com/charmbracelet/log"
)

// ErrStartFailed is the sentinel wrapped when `colima start` exits non-zero.
// Start failure is fatal: every verification step depends on a running VM.
var ErrStartFailed = errors.New("runtime start failed")

type (
	// Profile is the resource shape the VM is started with. It is built
	// once from config defaults plus the orchestration opt-in and handed to
	// EnsureRunning; the VM itself persists its state externally.
	Profile struct {
		CPUs       int
		MemoryGiB  int
		DiskGiB    int
		Kubernetes bool
	}

	// VM is the observed state of a Colima profile.
	VM struct {
		Name       string
		Running    bool
		Kubernetes bool
		CPUs       int
		Memory     int64 // bytes
		Disk       int64 // bytes
	}

	// Outcome reports what EnsureRunning did.
	Outcome int

	// ClientOption configures a Client.
	ClientOption func(*Client)

	// Client drives the colima CLI.
	Client struct {
		runner *hostcmd.Runner
		logger *log.Logger
	}

	// colimaListEntry is the JSON wire format of one `colima list --json` line.
	colimaListEntry struct {
		Name       string `json:"name"`
		Status     string `json:"status"`
		CPUs       int    `json:"cpus"`
		Memory     int64  `json:"memory"`
		Disk       int64  `json:"disk"`
		Kubernetes bool   `json:"kubernetes"`
	}
)

const (
	// Started means the VM was not running and a start was performed.
	Started Outcome = iota
	// AlreadyRunning means the VM was left untouched.
	AlreadyRunning
)

// defaultProfileName is Colima's default VM profile.
const defaultProfileName = "default"

// WithRunner overrides the colima Runner, primarily for tests.
func WithRunner(r *hostcmd.Runner) ClientOption {
	return func(c *Client) {
		c.runner = r
	}
}

// NewClient creates a colima client.
func NewClient(logger *log.Logger, opts ...ClientOption) *Client {
	c := &Client{
		runner: hostcmd.New("colima"),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status inspects the default profile via `colima list --json`, which emits
// one JSON object per line. A missing or unparsable profile is reported as
// found=false, not as an error — a VM that was never created is simply not
// running.
func (c *Client) Status(ctx context.Context) (VM, bool, error) {
	out, err := c.runner.Output(ctx, "list", "--json")
	if err != nil {
		return VM{}, false, fmt.Errorf("querying colima status: %w", err)
	}

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry colimaListEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			c.logger.Debug("skipping unparsable colima list line", "line", line, "err", err)
			continue
		}
		if entry.Name != defaultProfileName {
			continue
		}
		return VM{
			Name:       entry.Name,
			Running:    entry.Status == "Running",
			Kubernetes: entry.Kubernetes,
			CPUs:       entry.CPUs,
			Memory:     entry.Memory,
			Disk:       entry.Disk,
		}, true, nil
	}

	return VM{}, false, nil
}

// Start launches the VM with the given profile, streaming colima's own
// progress output to the operator's terminal.
func (c *Client) Start(ctx context.Context, profile Profile) error {
	args := []string{
		"start",
		"--cpu", strconv.Itoa(profile.CPUs),
		"--memory", strconv.Itoa(profile.MemoryGiB),
		"--disk", strconv.Itoa(profile.DiskGiB),
	}
	if profile.Kubernetes {
		args = append(args, "--kubernetes")
	}

	cmd := c.runner.Command(ctx, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: colima start: %w", ErrStartFailed, err)
	}
	return nil
}

// EnsureRunning makes sure a VM satisfying the profile exists. A VM that is
// already running is never restarted; when it lacks a requested capability
// the mismatch is returned as a warning for the operator to act on.
func (c *Client) EnsureRunning(ctx context.Context, profile Profile) (Outcome, string, error) {
	current, found, err := c.Status(ctx)
	if err != nil {
		// colima present but status unqueryable: treat as not running and
		// let Start produce the authoritative error if there is one.
		c.logger.Debug("colima status unavailable, attempting start", "err", err)
		found = false
	}

	if found && current.Running {
		c.logger.Info("runtime already running",
			"cpus", current.CPUs, "kubernetes", current.Kubernetes)
		if profile.Kubernetes && !current.Kubernetes {
			warning := "the running Colima VM has Kubernetes disabled; " +
				"restart it manually to enable: colima stop && colima start --kubernetes"
			return AlreadyRunning, warning, nil
		}
		return AlreadyRunning, "", nil
	}

	c.logger.Info("starting runtime",
		"cpus", profile.CPUs, "memory_gib", profile.MemoryGiB,
		"disk_gib", profile.DiskGiB, "kubernetes", profile.Kubernetes)
	if err := c.Start(ctx, profile); err != nil {
		return 0, "", err
	}
	return Started, "", nil
}

// Remediation returns the manual command matching a failed start, so the
// fatal error can tell the operator exactly what to retry.
func (p Profile) Remediation() string {
	cmd := fmt.Sprintf("colima start --cpu %d --memory %d --disk %d", p.CPUs, p.MemoryGiB, p.DiskGiB)
	if p.Kubernetes {
		cmd += " --kubernetes"
	}
	return "try starting the runtime manually: " + cmd
}
