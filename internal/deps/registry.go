// SPDX-License-Identifier: MPL-2.0

package deps

import "dockside-setup/internal/platform"

// homebrewBootstrap installs Homebrew itself; it is the only dependency that
// does not go through a package manager. The script is piped into bash rather
// than expanded via $(...): without an interactive shell doing the expansion
// first, `bash -c "$(curl ...)"` would try to execute the script text as a
// command name.
var homebrewBootstrap = []string{
	"/bin/bash", "-c",
	"curl -fsSL https://raw.githubusercontent.com/Homebrew/install/HEAD/install.sh | /bin/bash",
}

// Registry returns the ordered dependency list for a target. Order is load
// bearing: on macOS the Homebrew entry must precede every brew-installed
// tool, and colima precedes the clients that talk to the runtime it hosts.
func Registry(target platform.Target) []Spec {
	if target.OS == platform.OSDarwin {
		return []Spec{
			{Name: "brew", Bootstrap: homebrewBootstrap},
			{Name: "colima", Install: brewInstall("colima")},
			{Name: "docker", Install: brewInstall("docker")},
			{Name: "kubectl", Install: brewInstall("kubernetes-cli")},
		}
	}

	// Linux: docker runs natively, colima provides the VM-backed profile
	// management the desktop app expects, kubectl talks to the optional
	// cluster. Package names differ per distro family.
	return []Spec{
		{
			Name: "docker",
			Install: map[platform.PkgFamily][]string{
				platform.PkgApt:    {"sudo", "apt-get", "install", "-y", "docker.io"},
				platform.PkgDnf:    {"sudo", "dnf", "install", "-y", "moby-engine"},
				platform.PkgPacman: {"sudo", "pacman", "-S", "--noconfirm", "docker"},
			},
		},
		{
			Name: "colima",
			Install: map[platform.PkgFamily][]string{
				platform.PkgApt:    {"sudo", "apt-get", "install", "-y", "colima"},
				platform.PkgDnf:    {"sudo", "dnf", "install", "-y", "colima"},
				platform.PkgPacman: {"sudo", "pacman", "-S", "--noconfirm", "colima"},
			},
		},
		{
			Name: "kubectl",
			Install: map[platform.PkgFamily][]string{
				platform.PkgApt:    {"sudo", "apt-get", "install", "-y", "kubectl"},
				platform.PkgDnf:    {"sudo", "dnf", "install", "-y", "kubernetes-client"},
				platform.PkgPacman: {"sudo", "pacman", "-S", "--noconfirm", "kubectl"},
			},
		},
	}
}

func brewInstall(formula string) map[platform.PkgFamily][]string {
	return map[platform.PkgFamily][]string{
		platform.PkgHomebrew: {"brew", "install", formula},
	}
}
