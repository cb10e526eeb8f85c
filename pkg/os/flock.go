package os

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Flock guards a host against a second coordinator instance: the state store
// is only a single source of truth while exactly one process owns it.
type Flock struct {
	f *flock.Flock
}

func NewFileLock(path string) (*Flock, error) {
	if path == "" {
		path = os.TempDir() + string(os.PathSeparator) + "callcoord.lock"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	_ = f.Close()
	return &Flock{f: flock.New(path)}, nil
}

// TryLock reports false when another process already holds the lock.
func (f *Flock) TryLock() (bool, error) { return f.f.TryLock() }
func (f *Flock) Unlock() error          { return f.f.Unlock() }
