package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMutexMap_LockUnlock(t *testing.T) {
	m := NewMutexMap()

	m.Lock("task-1")
	m.Unlock("task-1")

	// Should be able to lock again
	m.Lock("task-1")
	m.Unlock("task-1")
}

func TestMutexMap_DifferentKeys(t *testing.T) {
	m := NewMutexMap()

	done := make(chan struct{})

	m.Lock("task-1")
	go func() {
		// task-2 should not be blocked by task-1
		m.Lock("task-2")
		m.Unlock("task-2")
		close(done)
	}()

	<-done
	m.Unlock("task-1")
}

func TestMutexMap_Concurrent(t *testing.T) {
	m := NewMutexMap()
	var counter int64

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("shared")
			atomic.AddInt64(&counter, 1)
			m.Unlock("shared")
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected counter=100, got %d", counter)
	}
}

func TestFileLock_TryLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl := NewPIDLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl1 := NewPIDLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	fl2 := NewPIDLock(lockPath)
	if err := fl2.TryLock(); err == nil {
		fl2.Unlock()
		t.Fatal("expected second TryLock to fail")
	}
}

func TestFileLock_UnlockAllowsRelock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl1 := NewPIDLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	fl2 := NewPIDLock(lockPath)
	if err := fl2.TryLock(); err != nil {
		t.Fatalf("re-lock after unlock failed: %v", err)
	}
	fl2.Unlock()
}

func TestFileLock_DoubleUnlockSafe(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl := NewPIDLock(lockPath)
	fl.TryLock()
	fl.Unlock()
	// Double unlock should be safe
	if err := fl.Unlock(); err != nil {
		t.Fatalf("double unlock should be safe, got: %v", err)
	}
}

func TestPIDLock_WritesPID(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl := NewPIDLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()

	data, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("parse pid: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid: got %d, want %d", pid, os.Getpid())
	}
}

func TestFileLock_KeepsFileOnUnlock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "store.lock")

	fl := NewFileLock(lockPath)
	if err := fl.Lock(); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if err := fl.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if _, err := os.Stat(lockPath); err != nil {
		t.Errorf("lock file should remain after unlock: %v", err)
	}
}

func TestFileLock_LockBlocksUntilReleased(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "store.lock")

	holder := NewFileLock(lockPath)
	if err := holder.Lock(); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		waiter := NewFileLock(lockPath)
		if err := waiter.Lock(); err != nil {
			t.Errorf("waiter Lock failed: %v", err)
			return
		}
		acquired.Store(true)
		waiter.Unlock()
	}()

	time.Sleep(50 * time.Millisecond)
	if acquired.Load() {
		t.Fatal("waiter acquired the lock while it was held")
	}

	holder.Unlock()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	if !acquired.Load() {
		t.Error("waiter did not acquire the lock")
	}
}
