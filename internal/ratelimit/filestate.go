package ratelimit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// FileState persists the bucket in a small JSON file guarded by an exclusive
// advisory lock, so independent OS processes share one balance. The lock is
// held only for the read-refill-decide-write critical section, never across
// sleeps or HTTP calls.
type FileState struct {
	path string
	full float64
}

// NewFileState prepares the state file, initializing it to a full bucket when
// absent. full is used again whenever the file content is unreadable.
func NewFileState(path string, full float64) (*FileState, error) {
	if path == "" {
		return nil, fmt.Errorf("ratelimit: state file path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	fs := &FileState{path: path, full: full}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_, err := fs.Update(func(s State) (State, bool) {
			return s, true
		})
		if err != nil {
			return nil, err
		}
	}
	return fs, nil
}

// Path returns the backing file location.
func (fs *FileState) Path() string {
	return fs.path
}

// Update runs fn under the file lock and writes the returned state back when
// fn admits. Lock contention only delays; it never surfaces as an error.
func (fs *FileState) Update(fn func(s State) (State, bool)) (bool, error) {
	f, err := os.OpenFile(fs.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return false, fmt.Errorf("ratelimit: open state file: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return false, fmt.Errorf("ratelimit: lock state file: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	state := fs.readLocked(f)
	next, admitted := fn(state)
	if !admitted {
		return false, nil
	}
	if err := fs.writeLocked(f, next); err != nil {
		return false, err
	}
	return true, nil
}

func (fs *FileState) readLocked(f *os.File) State {
	fresh := State{Tokens: fs.full, LastUpdate: float64(time.Now().UnixNano()) / float64(time.Second)}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fresh
	}
	data, err := io.ReadAll(io.LimitReader(f, 1024))
	if err != nil || len(data) == 0 {
		return fresh
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return fresh
	}
	return s
}

func (fs *FileState) writeLocked(f *os.File, s State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}
