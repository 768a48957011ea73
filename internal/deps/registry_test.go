// SPDX-License-Identifier: MPL-2.0

package deps

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// The bootstrap argv must execute the body of the downloaded script, not
// treat the script text as a command name. Runs the exact argv against a
// stubbed curl whose output touches a marker file.
func TestHomebrewBootstrap_ExecutesDownloadedScript(t *testing.T) {
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("/bin/bash not available")
	}

	dir := t.TempDir()
	marker := filepath.Join(dir, "installed")

	curlStub := "#!/bin/sh\nprintf '#!/bin/bash\\ntouch \"$BOOTSTRAP_MARKER\"\\n'\n"
	if err := os.WriteFile(filepath.Join(dir, "curl"), []byte(curlStub), 0o755); err != nil {
		t.Fatalf("writing curl stub: %v", err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	t.Setenv("BOOTSTRAP_MARKER", marker)

	out, err := exec.Command(homebrewBootstrap[0], homebrewBootstrap[1:]...).CombinedOutput()
	if err != nil {
		t.Fatalf("bootstrap argv failed: %v\noutput: %s", err, out)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("downloaded script body never ran: %v", err)
	}
}
