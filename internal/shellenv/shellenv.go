// SPDX-License-Identifier: MPL-2.0

// Package shellenv makes the install directory discoverable on the user's
// command search path by appending one line to the appropriate shell
// configuration file. The edit is append-only and idempotent: directories
// already on PATH or already referenced in the rc file are left alone.
package shellenv

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Outcome reports how EnsureOnPath satisfied the request.
type Outcome int

const (
	// AlreadyOnPath means the directory is on the current process's PATH.
	AlreadyOnPath Outcome = iota
	// AlreadyConfigured means the rc file already references the directory.
	AlreadyConfigured
	// Appended means a path-extension line was added to the rc file.
	Appended
)

var (
	// getenv is a test seam for os.Getenv.
	//nolint:gochecknoglobals // Test seam requires a package-level variable.
	getenv = os.Getenv

	// userHomeDir is a test seam for os.UserHomeDir.
	//nolint:gochecknoglobals // Test seam requires a package-level variable.
	userHomeDir = os.UserHomeDir
)

// EnsureOnPath guarantees installDir will be searchable in future shell
// sessions. The returned Outcome tells the caller whether the user needs to
// reload their shell.
func EnsureOnPath(installDir string) (Outcome, error) {
	if onPath(installDir) {
		return AlreadyOnPath, nil
	}

	rcPath, line, err := rcFileFor(installDir)
	if err != nil {
		return 0, err
	}

	existing, err := os.ReadFile(rcPath)
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("reading %s: %w", rcPath, err)
	}
	if strings.Contains(string(existing), installDir) {
		return AlreadyConfigured, nil
	}

	if err := os.MkdirAll(filepath.Dir(rcPath), 0o755); err != nil {
		return 0, fmt.Errorf("creating %s: %w", filepath.Dir(rcPath), err)
	}

	f, err := os.OpenFile(rcPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", rcPath, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintf(f, "\n# Added by dockside-setup\n%s\n", line); err != nil {
		return 0, fmt.Errorf("appending to %s: %w", rcPath, err)
	}

	return Appended, nil
}

// RCFile returns the shell configuration file EnsureOnPath would edit, for
// user-facing messaging.
func RCFile() (string, error) {
	path, _, err := rcFileFor("")
	return path, err
}

// onPath reports whether dir is an exact component of the current PATH.
func onPath(dir string) bool {
	clean := filepath.Clean(dir)
	for _, p := range filepath.SplitList(getenv("PATH")) {
		if p != "" && filepath.Clean(p) == clean {
			return true
		}
	}
	return false
}

// rcFileFor picks the rc file and path-extension line for the user's shell.
// The directory is quoted through the shell parser's own quoting rules, so
// paths with spaces or metacharacters survive verbatim.
func rcFileFor(installDir string) (string, string, error) {
	home, err := userHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("resolving home directory: %w", err)
	}

	shell := filepath.Base(getenv("SHELL"))
	if shell == "fish" {
		return filepath.Join(home, ".config", "fish", "config.fish"),
			"fish_add_path " + fishQuote(installDir), nil
	}

	quoted, err := syntax.Quote(installDir, syntax.LangBash)
	if err != nil {
		// Quote only fails on NUL bytes, which cannot appear in a real path.
		quoted = installDir
	}

	switch shell {
	case "zsh":
		return filepath.Join(home, ".zshrc"), exportLine(quoted), nil
	case "bash":
		return filepath.Join(home, ".bashrc"), exportLine(quoted), nil
	default:
		return filepath.Join(home, ".profile"), exportLine(quoted), nil
	}
}

func exportLine(quotedDir string) string {
	return fmt.Sprintf(`export PATH=%s:"$PATH"`, quotedDir)
}

// fishQuote single-quotes a string for fish, whose quoting rules differ from
// POSIX shells: inside single quotes only \' and \\ are recognized escapes.
func fishQuote(s string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s) + "'"
}
