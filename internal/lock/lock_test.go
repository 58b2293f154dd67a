package lock

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireExclusiveNonBlockingSucceedsThenContends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.lck")

	h1, err := AcquireExclusiveNonBlocking(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	_, err = AcquireExclusiveNonBlocking(path)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}

	if err := h1.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	h2, err := AcquireExclusiveNonBlocking(path)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = h2.Release()
}

func TestAcquireExclusiveTimeoutExpires(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.lck")

	h1, err := AcquireExclusiveNonBlocking(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer h1.Release()

	start := time.Now()
	_, err = AcquireExclusiveTimeout(path, 50*time.Millisecond)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if elapsed < 50*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestAcquireExclusiveTimeoutSucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.lck")

	h1, err := AcquireExclusiveNonBlocking(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		h1.Release()
	}()

	h2, err := AcquireExclusiveTimeout(path, time.Second)
	if err != nil {
		t.Fatalf("expected acquire to succeed, got %v", err)
	}
	_ = h2.Release()
}

func TestAcquireExclusiveBlockingWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group.lock")

	h1, err := AcquireExclusiveNonBlocking(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	done := make(chan struct{})
	go func() {
		h2, err := AcquireExclusiveBlocking(path)
		if err != nil {
			t.Errorf("blocking acquire: %v", err)
		} else {
			h2.Release()
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("blocking acquire returned before lock was released")
	default:
	}

	h1.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocking acquire did not complete after release")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	h, err := AcquireExclusiveNonBlocking(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("second release should be a no-op, got: %v", err)
	}
}

func TestAcquireExclusiveNonBlockingOnDirectory(t *testing.T) {
	dir := t.TempDir()

	h1, err := AcquireExclusiveNonBlocking(dir)
	if err != nil {
		t.Fatalf("acquire on directory: %v", err)
	}
	_, err = AcquireExclusiveNonBlocking(dir)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
	if err := h1.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestDatastoreLockSharedAllowsConcurrentReaders(t *testing.T) {
	var dl DatastoreLock
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := dl.Shared()
			defer release()
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if maxActive < 2 {
		t.Fatalf("expected concurrent shared access, max concurrent readers was %d", maxActive)
	}
}

func TestDatastoreLockExclusiveIsMutuallyExclusive(t *testing.T) {
	var dl DatastoreLock
	var active int32
	var sawOverlap int32
	var wg sync.WaitGroup

	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := dl.Exclusive()
			defer release()
			if atomic.AddInt32(&active, 1) > 1 {
				atomic.StoreInt32(&sawOverlap, 1)
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if sawOverlap != 0 {
		t.Fatal("exclusive lock allowed concurrent holders")
	}
}
