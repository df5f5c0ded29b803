package preflight

import (
	"os"
	"path/filepath"
)

// nearestExisting walks up from path to the first directory that exists.
func nearestExisting(path string) string {
	path = filepath.Clean(path)
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}
