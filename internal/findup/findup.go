// Package findup resolves the service root used to compute default,
// path-relative locations such as the supervisor's Unix socket.
package findup

import (
	"os"
	"path/filepath"
)

// Find walks upward from dir looking for a directory entry named name,
// returning the full path to it, or "" if it reaches the filesystem root
// without finding one.
func Find(name, dir string) string {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return ""
		}
		for _, e := range entries {
			if name == e.Name() {
				return filepath.Join(curDir, name)
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}

// ServiceRoot returns the root directory of the enclosing service, found by
// walking up from dir until a go.mod is found. Falls back to dir itself if
// no go.mod is found, so the supervisor always has a usable default root.
func ServiceRoot(dir string) string {
	goMod := Find("go.mod", dir)
	if goMod == "" {
		return dir
	}
	return filepath.Dir(goMod)
}

// DefaultSocketPath returns the reference default Unix socket path,
// "supervisor.ipc" relative to the service root containing dir.
func DefaultSocketPath(dir string) string {
	return filepath.Join(ServiceRoot(dir), "supervisor.ipc")
}
