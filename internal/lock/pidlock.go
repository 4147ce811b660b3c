// Package lock keeps a single broker instance per state directory.
package lock

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// Owner identifies the broker instance holding the lock. It is written into
// the lock file so a second instance can name the one in its way.
type Owner struct {
	PID        int       `yaml:"pid"`
	DeviceID   string    `yaml:"device_id,omitempty"`
	ConfigPath string    `yaml:"config,omitempty"`
	StartedAt  time.Time `yaml:"started_at"`
}

func (o Owner) String() string {
	return fmt.Sprintf("pid %d (device %q, config %q, since %s)", o.PID, o.DeviceID, o.ConfigPath, o.StartedAt.Format(time.RFC3339))
}

// HeldError reports a lock already held by another instance. Holder is nil
// when the lock file could not be read.
type HeldError struct {
	Path   string
	Holder *Owner
}

func (e *HeldError) Error() string {
	if e.Holder == nil {
		return fmt.Sprintf("lock %s is held by another instance", e.Path)
	}
	return fmt.Sprintf("lock %s is held by %s", e.Path, e.Holder)
}

// PIDLock is an flock(2) on the lock file. The lock lives as long as the
// file descriptor stays open.
type PIDLock struct {
	path     string
	f        *os.File
	previous *Owner
}

// AcquirePIDLock takes the lock at lockPath without blocking and records
// owner in it. A zero owner PID is replaced with the current process id.
func AcquirePIDLock(lockPath string, owner Owner) (*PIDLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder, _ := readOwner(f)
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, &HeldError{Path: lockPath, Holder: holder}
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	// A record left behind means the last holder never released.
	previous, _ := readOwner(f)

	if owner.PID == 0 {
		owner.PID = os.Getpid()
	}
	if owner.StartedAt.IsZero() {
		owner.StartedAt = time.Now().UTC()
	}
	if err := writeOwner(f, owner); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, err
	}
	return &PIDLock{path: lockPath, f: f, previous: previous}, nil
}

// ReadOwner returns the owner recorded at lockPath, or nil when the file is
// empty or missing.
func ReadOwner(lockPath string) (*Owner, error) {
	f, err := os.Open(lockPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()
	return readOwner(f)
}

func readOwner(f *os.File) (*Owner, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek lock file: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read lock file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var o Owner
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	if o.PID == 0 {
		return nil, nil
	}
	return &o, nil
}

func writeOwner(f *os.File, o Owner) error {
	data, err := yaml.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode lock owner: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("write lock owner: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func (l *PIDLock) Path() string { return l.path }

// Previous is the owner a crashed instance left in the file, or nil after a
// clean shutdown.
func (l *PIDLock) Previous() *Owner { return l.previous }

// Release clears the owner record and drops the lock.
func (l *PIDLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	truncErr := l.f.Truncate(0)
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return truncErr
}
