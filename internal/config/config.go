// SPDX-License-Identifier: MPL-2.0

// Package config loads the dockside setup configuration. Configuration is
// written in CUE, validated against an embedded schema, and merged over
// built-in defaults via Viper. Environment variables prefixed with
// DOCKSIDE_SETUP_ override file values (e.g. DOCKSIDE_SETUP_INSTALL_DIR).
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"

	"dockside-setup/pkg/cueutil"
)

const (
	// AppName is the application name used for the config directory.
	AppName = "dockside"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "setup"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"

	// envPrefix namespaces environment variable overrides.
	envPrefix = "DOCKSIDE_SETUP"
)

//go:embed config_schema.cue
var configSchema string

type (
	// Config holds all settings the setup pipeline reads.
	Config struct {
		Profile ProfileConfig `mapstructure:"profile"`
		Install InstallConfig `mapstructure:"install"`
		Release ReleaseConfig `mapstructure:"release"`
		Verify  VerifyConfig  `mapstructure:"verify"`
	}

	// ProfileConfig describes the virtual machine resource profile.
	ProfileConfig struct {
		CPUs       int  `mapstructure:"cpus"`
		MemoryGiB  int  `mapstructure:"memory_gib"`
		DiskGiB    int  `mapstructure:"disk_gib"`
		Kubernetes bool `mapstructure:"kubernetes"`
	}

	// InstallConfig describes where the application artifact is installed.
	// An empty Dir means the platform default is used.
	InstallConfig struct {
		Dir string `mapstructure:"dir"`
	}

	// ReleaseConfig selects which release to install. An empty Version
	// means the latest published release.
	ReleaseConfig struct {
		Version string `mapstructure:"version"`
	}

	// VerifyConfig tunes post-start verification.
	VerifyConfig struct {
		TestImage string `mapstructure:"test_image"`
	}

	// LoadOptions controls where Load looks for a config file.
	LoadOptions struct {
		// ConfigFilePath, when set, is used exclusively; a missing file
		// is an error.
		ConfigFilePath string
		// ConfigDirPath overrides the platform config directory.
		ConfigDirPath string
	}
)

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Profile: ProfileConfig{
			CPUs:       4,
			MemoryGiB:  8,
			DiskGiB:    60,
			Kubernetes: false,
		},
		Verify: VerifyConfig{
			TestImage: "alpine:3.20",
		},
	}
}

// ConfigDir returns the dockside configuration directory using
// platform-specific conventions: macOS uses ~/Library/Application Support,
// Linux and others use $XDG_CONFIG_HOME (defaulting to ~/.config).
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, AppName), nil
}

// Load reads the configuration, merging (in increasing precedence) built-in
// defaults, the CUE config file, and DOCKSIDE_SETUP_* environment variables.
// It returns the resolved config and the path of the file that was loaded
// (empty when only defaults applied). A missing file is not an error unless
// an explicit ConfigFilePath was given.
func Load(opts LoadOptions) (*Config, string, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("profile.cpus", defaults.Profile.CPUs)
	v.SetDefault("profile.memory_gib", defaults.Profile.MemoryGiB)
	v.SetDefault("profile.disk_gib", defaults.Profile.DiskGiB)
	v.SetDefault("profile.kubernetes", defaults.Profile.Kubernetes)
	v.SetDefault("install.dir", defaults.Install.Dir)
	v.SetDefault("release.version", defaults.Release.Version)
	v.SetDefault("verify.test_image", defaults.Verify.TestImage)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	resolvedPath := ""

	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return nil, "", fmt.Errorf("config file not found: %s", opts.ConfigFilePath)
		}
		if err := loadCUEIntoViper(v, opts.ConfigFilePath); err != nil {
			return nil, "", err
		}
		resolvedPath = opts.ConfigFilePath
	} else {
		cfgDir, err := configDirWithOverride(opts.ConfigDirPath)
		if err != nil {
			return nil, "", err
		}

		cuePath := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt)
		if fileExists(cuePath) {
			if err := loadCUEIntoViper(v, cuePath); err != nil {
				return nil, "", err
			}
			resolvedPath = cuePath
		}
		// If no config file found, defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, resolvedPath, nil
}

// configDirWithOverride resolves the configuration directory, honoring an
// explicit option before platform defaults.
func configDirWithOverride(configDirPath string) (string, error) {
	if configDirPath != "" {
		return configDirPath, nil
	}

	return ConfigDir()
}

// loadCUEIntoViper parses a CUE file, validates it against the #Config
// schema, and merges its contents into Viper. Validation uses
// Concrete(false) because all config fields are optional.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cueutil.CheckFileSize(data, cueutil.DefaultMaxFileSize, path); err != nil {
		return err
	}

	ctx := cuecontext.New()

	schemaValue := ctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return cueutil.FormatError(userValue.Err(), path)
	}

	schema := schemaValue.LookupPath(cue.ParsePath("#Config"))
	unified := schema.Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return cueutil.FormatError(err, path)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return cueutil.FormatError(err, path)
	}

	// Merging preserves defaults and keeps env overrides on top.
	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}

	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
