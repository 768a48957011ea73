// SPDX-License-Identifier: MPL-2.0

// Package cmd contains the CLI entry point for dockside-setup.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"dockside-setup/internal/config"
	"dockside-setup/internal/setup"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"

	// verbose enables debug logging.
	verbose bool
	// cfgFile allows specifying a custom config file.
	cfgFile string
	// Stage toggles.
	skipDeps bool
	depsOnly bool
	// kubernetes is only honored when the flag was set explicitly; the
	// unset case falls through to the interactive gate.
	kubernetes bool
	versionTag string
	installDir string
	testImage  string

	// rootCmd is the single top-level command; the whole pipeline runs
	// from one invocation.
	rootCmd = &cobra.Command{
		Use:   "dockside-setup",
		Short: "Provision and verify a Dockside environment",
		Long: TitleStyle.Render("dockside-setup") + SubtitleStyle.Render(" - Provision and verify a Dockside environment") + `

dockside-setup prepares a machine to run Dockside: it installs the
container runtime dependencies through the native package manager,
starts the Colima virtual machine, verifies the Docker daemon (and,
when requested, the Kubernetes control plane) actually works, then
downloads and installs the Dockside release for this platform.

Every stage is idempotent: re-running the installer on a provisioned
machine changes nothing and exits successfully.

` + SubtitleStyle.Render("Examples:") + `
  dockside-setup                      Full provisioning with prompts
  dockside-setup --kubernetes         Enable Kubernetes without prompting
  dockside-setup --deps-only          Stop after dependency verification
  dockside-setup --version-tag v1.4.0 Pin the release to install`,
		RunE: runSetup,
	}
)

func init() {
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/dockside/setup.cue)")
	rootCmd.Flags().BoolVar(&skipDeps, "skip-deps", false, "skip dependency installation")
	rootCmd.Flags().BoolVar(&depsOnly, "deps-only", false, "install and verify dependencies, then stop")
	rootCmd.Flags().BoolVar(&kubernetes, "kubernetes", false, "enable Kubernetes support without prompting")
	rootCmd.Flags().StringVar(&versionTag, "version-tag", "", "release tag to install (default: latest)")
	rootCmd.Flags().StringVar(&installDir, "install-dir", "", "installation directory override")
	rootCmd.Flags().StringVar(&testImage, "test-image", "", "container image for the verification smoke test")
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

// newLogger builds the pipeline logger. Debug level when --verbose.
func newLogger() *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "setup",
	})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

func runSetup(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	logger := newLogger()

	cfg, cfgPath, err := config.Load(config.LoadOptions{ConfigFilePath: cfgFile})
	if err != nil {
		if cfgFile != "" {
			// An explicitly requested config file must load.
			fmt.Fprintln(cmd.ErrOrStderr(), ErrorStyle.Render("Error: ")+err.Error())
			return &ExitError{Code: 1, Err: err}
		}
		fmt.Fprintln(cmd.ErrOrStderr(), WarningStyle.Render("Warning: ")+err.Error())
		cfg = config.DefaultConfig()
	}
	if cfgPath != "" {
		logger.Debug("loaded config", "path", cfgPath)
	}

	opts := setup.Options{
		SkipDeps:   skipDeps,
		DepsOnly:   depsOnly,
		Version:    versionTag,
		InstallDir: installDir,
		TestImage:  testImage,
	}
	if cmd.Flags().Changed("kubernetes") {
		opts.Kubernetes = &kubernetes
	}

	pipeline := setup.NewPipeline(cfg, opts, logger)
	sum, err := pipeline.Run(cmd.Context())
	if err != nil {
		reportFatal(cmd.ErrOrStderr(), err)
		return &ExitError{Code: 1, Err: err}
	}

	for _, w := range sum.Warnings {
		fmt.Fprintln(cmd.ErrOrStderr(), WarningStyle.Render("Warning: ")+w)
	}
	printSummary(cmd.OutOrStdout(), sum)
	return nil
}
