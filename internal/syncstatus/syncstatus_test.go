package syncstatus

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")

	st, err := Acquire(path, OpPull, "zoho", "INBOX", 100)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if st.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", st.PID, os.Getpid())
	}

	if _, ok := Read(path); !ok {
		t.Fatalf("expected status file to exist after Acquire")
	}

	if err := Release(path); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := Read(path); ok {
		t.Errorf("expected status file removed after Release")
	}
}

func TestAcquireFailsWhileLiveProcessHoldsLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")

	if _, err := Acquire(path, OpPush, "zoho", "INBOX", 10); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	_, err := Acquire(path, OpPush, "zoho", "INBOX", 10)
	if err == nil {
		t.Fatalf("expected second Acquire to fail while the first process is alive")
	}
	var already *ErrAlreadyRunning
	if !errors.As(err, &already) {
		t.Fatalf("expected *ErrAlreadyRunning, got %T: %v", err, err)
	}
	if already.Existing.Account != "zoho" {
		t.Errorf("Existing.Account = %q", already.Existing.Account)
	}
}

func TestAcquireReplacesDeadProcessStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")

	stale := &Status{Operation: OpPull, Account: "old", Folder: "INBOX", PID: 999999999}
	if err := write(path, stale); err != nil {
		t.Fatalf("seed stale status: %v", err)
	}

	st, err := Acquire(path, OpPull, "new", "INBOX", 5)
	if err != nil {
		t.Fatalf("Acquire over dead pid: %v", err)
	}
	if st.Account != "new" {
		t.Errorf("Account = %q, want new", st.Account)
	}
}

func TestUpdateProgress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	st, err := Acquire(path, OpPull, "zoho", "INBOX", 50)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := Update(path, st, 10, 1, 2, "hello"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, ok := Read(path)
	if !ok {
		t.Fatalf("expected status after Update")
	}
	if got.Completed != 10 || got.Skipped != 1 || got.Failed != 2 || got.CurrentSubject != "hello" {
		t.Errorf("got %+v", got)
	}
}

func TestReadMissingFile(t *testing.T) {
	if _, ok := Read(filepath.Join(t.TempDir(), "missing.json")); ok {
		t.Errorf("expected ok=false for missing file")
	}
}
