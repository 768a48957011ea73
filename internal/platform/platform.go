// SPDX-License-Identifier: MPL-2.0

package platform

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
)

// OS name constants for runtime.GOOS comparisons.
// Centralizes the string literals to avoid scattered magic strings.
const (
	Darwin = "darwin"
	Linux  = "linux"
)

// ErrUnsupportedPlatform is the sentinel wrapped by every detection failure.
// It signals a fatal setup condition: detection runs before any mutation,
// so an unsupported host aborts the pipeline with zero side effects.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

var (
	// goos is a test seam for runtime.GOOS.
	//nolint:gochecknoglobals // Test seam requires a package-level variable.
	goos = func() string { return runtime.GOOS }

	// goarch is a test seam for runtime.GOARCH.
	//nolint:gochecknoglobals // Test seam requires a package-level variable.
	goarch = func() string { return runtime.GOARCH }

	// lookPath is a test seam for exec.LookPath, used by package manager probing.
	//nolint:gochecknoglobals // Test seam requires a package-level variable.
	lookPath = exec.LookPath
)

type (
	// OS is the supported operating system family.
	OS string

	// Arch is the normalized CPU architecture.
	Arch string

	// PkgFamily identifies the native package manager used to install
	// external dependencies on this host.
	PkgFamily string

	// Target is the normalized platform identity the whole pipeline
	// branches on. It is derived once by Detect and never mutated.
	Target struct {
		OS        OS
		Arch      Arch
		PkgFamily PkgFamily
	}
)

const (
	OSDarwin OS = "darwin"
	OSLinux  OS = "linux"

	ArchARM64 Arch = "arm64"
	ArchAMD64 Arch = "amd64"

	PkgHomebrew PkgFamily = "homebrew"
	PkgApt      PkgFamily = "apt"
	PkgDnf      PkgFamily = "dnf"
	PkgPacman   PkgFamily = "pacman"
)

// linuxPkgProbes maps package manager families to the binary whose presence
// selects them. Order matters: the first hit wins.
var linuxPkgProbes = []struct {
	family PkgFamily
	binary string
}{
	{PkgApt, "apt-get"},
	{PkgDnf, "dnf"},
	{PkgPacman, "pacman"},
}

// String returns the canonical "<os>-<arch>" identifier used in release
// artifact names and download URLs, e.g. "darwin-arm64".
func (t Target) String() string {
	return string(t.OS) + "-" + string(t.Arch)
}

// Detect resolves the host into a Target. It fails with a wrapped
// ErrUnsupportedPlatform when the OS is not macOS or Linux, when the
// architecture cannot be normalized, or when the OS/arch combination is
// outside the supported matrix. The Dockside desktop bundle ships for
// Apple Silicon only, so darwin/amd64 is rejected.
func Detect() (Target, error) {
	arch, err := normalizeArch(goarch())
	if err != nil {
		return Target{}, err
	}

	switch goos() {
	case Darwin:
		if arch != ArchARM64 {
			return Target{}, fmt.Errorf("%w: macOS on %s (Apple Silicon required)", ErrUnsupportedPlatform, arch)
		}
		return Target{OS: OSDarwin, Arch: arch, PkgFamily: PkgHomebrew}, nil
	case Linux:
		family, err := detectLinuxPkgFamily()
		if err != nil {
			return Target{}, err
		}
		return Target{OS: OSLinux, Arch: arch, PkgFamily: family}, nil
	default:
		return Target{}, fmt.Errorf("%w: operating system %q", ErrUnsupportedPlatform, goos())
	}
}

// normalizeArch collapses architecture spellings to the canonical values.
// "aarch64" (uname spelling) and "arm64" (Go spelling) are the same
// architecture; likewise "x86_64" and "amd64".
func normalizeArch(raw string) (Arch, error) {
	switch raw {
	case "arm64", "aarch64":
		return ArchARM64, nil
	case "amd64", "x86_64":
		return ArchAMD64, nil
	default:
		return "", fmt.Errorf("%w: architecture %q", ErrUnsupportedPlatform, raw)
	}
}

// detectLinuxPkgFamily probes for known package manager binaries in fixed
// precedence order. A Linux host with none of them cannot be provisioned.
func detectLinuxPkgFamily() (PkgFamily, error) {
	for _, probe := range linuxPkgProbes {
		if _, err := lookPath(probe.binary); err == nil {
			return probe.family, nil
		}
	}
	return "", fmt.Errorf("%w: no supported package manager found (need apt-get, dnf, or pacman)", ErrUnsupportedPlatform)
}
