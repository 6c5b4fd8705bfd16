// Package lock provides in-process keyed mutexes and flock-based file locks.
package lock

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// MutexMap hands out one mutex per key.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.getMutex(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.getMutex(key).Unlock()
}

func (m *MutexMap) getMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}

// FileLock is an exclusive flock on a file shared between processes.
//
// A PID lock (NewPIDLock) records the holder's PID and removes the file on
// unlock; it guards single-instance ownership of a directory. A plain lock
// (NewFileLock) keeps the file so that every process always locks the same
// inode; it serializes access to shared data files.
type FileLock struct {
	path    string
	file    *os.File
	withPID bool
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func NewPIDLock(path string) *FileLock {
	return &FileLock{path: path, withPID: true}
}

// TryLock acquires the lock or fails immediately if another holder exists.
func (fl *FileLock) TryLock() error {
	if err := fl.acquire(syscall.LOCK_EX | syscall.LOCK_NB); err != nil {
		return fmt.Errorf("acquire lock (another daemon may be running): %w", err)
	}
	return nil
}

// Lock blocks until the lock is acquired.
func (fl *FileLock) Lock() error {
	if err := fl.acquire(syscall.LOCK_EX); err != nil {
		return fmt.Errorf("acquire lock %s: %w", fl.path, err)
	}
	return nil
}

func (fl *FileLock) acquire(how int) error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return err
	}

	if fl.withPID {
		if err := writePID(f); err != nil {
			syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
			f.Close()
			return err
		}
	}

	fl.file = f
	return nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		fl.file = nil
		return fmt.Errorf("release lock: %w", err)
	}

	if err := fl.file.Close(); err != nil {
		fl.file = nil
		return fmt.Errorf("close lock file: %w", err)
	}

	if fl.withPID {
		os.Remove(fl.path)
	}
	fl.file = nil
	return nil
}
