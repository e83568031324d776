// Package sockpath allocates scratch Unix-domain socket paths for tests,
// the same way tests commonly allocate scratch TCP ports.
package sockpath

import (
	"fmt"
	"os"
	"path/filepath"
)

// Temp returns a fresh socket path in a freshly created temp directory.
// The caller is responsible for removing the directory once done; tests
// should register that with t.Cleanup.
func Temp() (string, func(), error) {
	dir, err := os.MkdirTemp("", "supervisor-test-")
	if err != nil {
		return "", nil, fmt.Errorf("creating temp dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }
	return filepath.Join(dir, "supervisor.ipc"), cleanup, nil
}
