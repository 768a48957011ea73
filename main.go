// SPDX-License-Identifier: MPL-2.0

// dockside-setup provisions and verifies a machine for running Dockside.
package main

import (
	cmd "dockside-setup/cmd/docksidesetup"
)

func main() {
	cmd.Execute()
}
