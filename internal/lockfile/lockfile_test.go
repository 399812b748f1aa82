package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireLock_WritesHolder(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	holder := ReadHolder(lock.Path())
	if holder.PID != os.Getpid() || !holder.Running {
		t.Errorf("holder = %+v, want this process running", holder)
	}
	if holder.Started.IsZero() {
		t.Error("holder start time not recorded")
	}
}

func TestAcquireLock_CreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestAcquireLock_Conflict(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer first.Release()

	second, err := AcquireLock(dir)
	if err == nil {
		second.Release()
		t.Fatal("expected second acquisition to fail")
	}
	if !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("conflict holder = %+v", lockErr.Holder)
	}
	if !strings.Contains(err.Error(), "PID "+strconv.Itoa(os.Getpid())+" (running)") {
		t.Errorf("error message lacks holder: %s", err.Error())
	}

	// The failed attempt must not wipe the holder information.
	if ReadHolder(first.Path()).PID != os.Getpid() {
		t.Error("lock file content was clobbered by the failed attempt")
	}
}

func TestRelease_AllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Errorf("lock file not removed: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock: %v", err)
	}
	again.Release()
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		content string
		wantPID int
		wantRaw string
	}{
		{"pid=123\nhost=box\nstarted=2030-01-02T03:04:05Z\n", 123, ""},
		{"pid=456", 456, ""},
		{"garbage", 0, "garbage"},
		{"", 0, ""},
	}
	for _, tt := range tests {
		h := parseHolder(tt.content)
		if h.PID != tt.wantPID || h.Unparsed != tt.wantRaw {
			t.Errorf("parseHolder(%q) = %+v", tt.content, h)
		}
	}

	h := parseHolder("pid=123\nhost=box\nstarted=2030-01-02T03:04:05Z\n")
	if h.Host != "box" || h.Started.Year() != 2030 {
		t.Errorf("parseHolder fields = %+v", h)
	}
	if got := (Holder{}).String(); got != "unknown holder" {
		t.Errorf("empty holder string = %q", got)
	}
}
