package store

import (
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/cuemby/convergence/pkg/cvgerr"
)

// DataDirLock guards a data directory for the lifetime of one daemon
// process, refusing to boot a second daemon against the same data
// directory.
type DataDirLock struct {
	fl *flock.Flock
}

// LockDataDir attempts to acquire the exclusive lock at dataDir/LOCK.
func LockDataDir(dataDir string) (*DataDirLock, error) {
	fl := flock.New(filepath.Join(dataDir, "LOCK"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, cvgerr.Iof(err, "acquiring data directory lock")
	}
	if !ok {
		return nil, cvgerr.Conflictf("data directory %s is already locked by another daemon", dataDir)
	}
	return &DataDirLock{fl: fl}, nil
}

// Unlock releases the lock.
func (l *DataDirLock) Unlock() error {
	return l.fl.Unlock()
}
