// SPDX-License-Identifier: MPL-2.0

// Package termio decides whether a run is interactive and, when it is,
// prompts the operator for optional features. The pipeline is commonly
// invoked as `curl … | sh`, where stdin is the script pipe rather than the
// terminal — interactivity is therefore judged by the controlling terminal,
// and prompt responses are read from /dev/tty directly.
package termio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

var (
	// isTerminal is a test seam for term.IsTerminal.
	//nolint:gochecknoglobals // Test seam requires a package-level variable.
	isTerminal = func(fd int) bool { return term.IsTerminal(fd) }

	// openTTY is a test seam for opening the controlling terminal.
	//nolint:gochecknoglobals // Test seam requires a package-level variable.
	openTTY = func() (io.ReadWriteCloser, error) {
		return os.OpenFile("/dev/tty", os.O_RDWR, 0)
	}
)

// Interactive reports whether a controlling terminal is attached. A piped
// stdin does not make the run non-interactive as long as /dev/tty opens.
func Interactive() bool {
	if isTerminal(int(os.Stdin.Fd())) {
		return true
	}
	tty, err := openTTY()
	if err != nil {
		return false
	}
	_ = tty.Close() // probe only
	return true
}

// ResolveFeatureFlag resolves an optional feature to enabled/disabled.
// An explicit flag wins unconditionally and suppresses prompting. Without
// one, a non-interactive run gets the safe default (disabled); an
// interactive run is asked a single yes/no question.
func ResolveFeatureFlag(explicit *bool, prompt string) bool {
	if explicit != nil {
		return *explicit
	}
	if !Interactive() {
		return false
	}
	answer, err := promptYesNo(prompt)
	if err != nil {
		// A vanished terminal mid-prompt falls back to the safe default.
		return false
	}
	return answer
}

// promptYesNo writes the prompt to the controlling terminal and reads a
// single-line response from it. Anything starting with "y" (any case)
// counts as yes.
func promptYesNo(prompt string) (bool, error) {
	tty, err := openTTY()
	if err != nil {
		return false, err
	}
	defer func() { _ = tty.Close() }()

	if _, err := fmt.Fprintf(tty, "%s [y/N] ", prompt); err != nil {
		return false, err
	}

	line, err := bufio.NewReader(tty).ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}

	reply := strings.ToLower(strings.TrimSpace(line))
	return strings.HasPrefix(reply, "y"), nil
}
