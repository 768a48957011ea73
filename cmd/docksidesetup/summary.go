// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"

	"dockside-setup/internal/setup"
	"dockside-setup/internal/shellenv"
	"dockside-setup/internal/vm"
)

// reportFatal prints a failed stage with its remediation hint.
func reportFatal(w io.Writer, err error) {
	fmt.Fprintln(w, ErrorStyle.Render("Error: ")+err.Error())

	var fe *setup.FatalError
	if errors.As(err, &fe) && fe.Hint != "" {
		fmt.Fprintln(w, SubtitleStyle.Render("Hint: ")+fe.Hint)
	}
}

// printSummary renders the end-of-run report as markdown. Rendering
// failures fall back to the raw markdown text.
func printSummary(w io.Writer, sum setup.Summary) {
	md := summaryMarkdown(sum)

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		fmt.Fprintln(w, md)
		return
	}
	out, err := renderer.Render(md)
	if err != nil {
		fmt.Fprintln(w, md)
		return
	}
	fmt.Fprint(w, out)
}

func summaryMarkdown(sum setup.Summary) string {
	var b strings.Builder

	b.WriteString("# Dockside setup complete\n\n")
	fmt.Fprintf(&b, "- Platform: `%s`\n", sum.Target)

	switch {
	case sum.DepsSkipped:
		b.WriteString("- Dependencies: skipped\n")
	case sum.DepsInstalled == 0:
		b.WriteString("- Dependencies: already present\n")
	default:
		fmt.Fprintf(&b, "- Dependencies: %d installed\n", sum.DepsInstalled)
	}

	runtime := "already running"
	if sum.VMOutcome == vm.Started {
		runtime = "started"
	}
	if sum.Kubernetes {
		runtime += " (Kubernetes enabled)"
	}
	fmt.Fprintf(&b, "- Runtime: %s\n", runtime)

	b.WriteString("- Docker daemon: " + readiness(sum.Verification.DaemonReady) + "\n")
	if sum.Verification.SmokeTestPassed != nil {
		b.WriteString("- Container smoke test: " + passFail(*sum.Verification.SmokeTestPassed) + "\n")
	}
	if sum.Verification.OrchestrationReady != nil {
		b.WriteString("- Kubernetes control plane: " + readiness(*sum.Verification.OrchestrationReady) + "\n")
	}
	if sum.Verification.OrchestrationSmokeTest != nil {
		b.WriteString("- Kubernetes smoke test: " + passFail(*sum.Verification.OrchestrationSmokeTest) + "\n")
	}

	if sum.DepsOnly {
		b.WriteString("\nDependencies are ready. Re-run without `--deps-only` to install Dockside.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "- Installed: Dockside %s at `%s`\n", sum.Version, sum.InstalledPath)

	b.WriteString("\n## Next steps\n\n")
	if sum.ShellOutcome == shellenv.Appended && sum.RCFile != "" {
		fmt.Fprintf(&b, "- Open a new shell (or `source %s`) to pick up the updated PATH\n", sum.RCFile)
	}
	if strings.HasSuffix(sum.InstalledPath, ".app") {
		b.WriteString("- Launch Dockside from the Applications folder\n")
	} else {
		b.WriteString("- Run `dockside` to get started\n")
	}
	if len(sum.Warnings) > 0 {
		fmt.Fprintf(&b, "- Review the %d warning(s) above\n", len(sum.Warnings))
	}

	return b.String()
}

func readiness(ok bool) string {
	if ok {
		return "ready"
	}
	return "not ready"
}

func passFail(ok bool) string {
	if ok {
		return "passed"
	}
	return "failed"
}
