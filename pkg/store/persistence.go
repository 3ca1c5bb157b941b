package store

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/cuemby/convergence/pkg/cvgerr"
)

// WriteAtomic writes data to path crash-safely: write to a temp file in
// the same directory (so the final rename stays on one filesystem), fsync
// it, then rename over the target.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := path + ".tmp." + uuid.NewString()

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	// best-effort fsync of the containing directory entry
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// WriteAtomicf is WriteAtomic wrapped in a cvgerr.Io on failure, for
// callers (pkg/repo) that persist whole documents rather than
// content-addressed objects and want the error kind attached at the call
// site's description.
func WriteAtomicf(path string, data []byte, descFormat string, args ...any) error {
	if err := WriteAtomic(path, data); err != nil {
		return cvgerr.Iof(err, descFormat, args...)
	}
	return nil
}
