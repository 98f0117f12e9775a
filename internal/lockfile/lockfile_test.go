package lockfile

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.lock")

	l, err := Acquire(path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file missing while held: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file survived release")
	}
}

func TestAcquire_ContentionTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.lock")

	l, err := Acquire(path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()

	start := time.Now()
	_, err = Acquire(path, 300*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if time.Since(start) < 300*time.Millisecond {
		t.Error("timed out before the deadline")
	}
}

func TestAcquire_ReacquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.lock")

	l1, err := Acquire(path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := l1.Release(); err != nil {
		t.Fatal(err)
	}

	l2, err := Acquire(path, time.Second)
	if err != nil {
		t.Fatalf("reacquire after release failed: %v", err)
	}
	defer l2.Release()
}

// TestAcquire_StaleTakeover writes a lock file naming a pid that has
// already exited and checks the next acquirer takes it over without
// waiting for the timeout.
func TestAcquire_StaleTakeover(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start helper process: %v", err)
	}
	deadPid := cmd.Process.Pid
	if err := cmd.Wait(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "sync.lock")
	host, _ := os.Hostname()
	content := fmt.Sprintf("%d %s %s\n", deadPid, host, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	l, err := Acquire(path, 5*time.Second)
	if err != nil {
		t.Fatalf("stale takeover failed: %v", err)
	}
	defer l.Release()
	if time.Since(start) > 2*time.Second {
		t.Error("takeover waited instead of reclaiming the stale lock")
	}
}

// A lock held by a live process on another host is never treated as
// stale; only the timeout path applies.
func TestStale_OtherHostNotStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.lock")
	content := fmt.Sprintf("%d %s %s\n", os.Getpid(), "some-other-host", time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if stale(path) {
		t.Error("foreign-host lock reported stale")
	}
}
