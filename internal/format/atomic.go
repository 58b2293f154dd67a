// Package format provides the atomic (temp-then-rename) file write helper
// shared by the module's on-disk writers (index files, manifests, GC
// status, RRD files); chunkstore.Insert uses its own temp-then-link path.
package format

import (
	"os"
	"path/filepath"
)

// WriteAtomic writes data to path using the create-temp-then-rename idiom:
// the file is never visible at path with partial content, even if the
// process crashes mid-write. dir is used for the temp file so the rename
// stays on the same filesystem.
func WriteAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
