package faillog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mailctl/eml/internal/model"
)

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	l, err := Load(filepath.Join(t.TempDir(), "missing.yml"), "acct", "INBOX")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if l.Account != "acct" || l.Folder != "INBOX" || len(l.Failures) != 0 {
		t.Errorf("Load missing = %+v", l)
	}
}

func TestRecordFailureSortedByUID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failures.yml")
	now := time.Now()

	for _, uid := range []int64{5, 1, 3} {
		err := RecordFailure(path, "acct", "INBOX", model.FailureRecord{
			UID: uid, Error: "boom", Timestamp: now,
		})
		if err != nil {
			t.Fatalf("RecordFailure(%d): %v", uid, err)
		}
	}

	l, err := Load(path, "acct", "INBOX")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(l.Failures) != 3 {
		t.Fatalf("expected 3 failures, got %d", len(l.Failures))
	}
	for i, want := range []int64{1, 3, 5} {
		if l.Failures[i].UID != want {
			t.Errorf("Failures[%d].UID = %d, want %d", i, l.Failures[i].UID, want)
		}
	}
}

func TestRecordFailureReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failures.yml")
	RecordFailure(path, "acct", "INBOX", model.FailureRecord{UID: 1, Error: "first"})
	RecordFailure(path, "acct", "INBOX", model.FailureRecord{UID: 1, Error: "second"})

	l, _ := Load(path, "acct", "INBOX")
	if len(l.Failures) != 1 || l.Failures[0].Error != "second" {
		t.Errorf("expected single replaced entry, got %+v", l.Failures)
	}
}

func TestClearUID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failures.yml")
	RecordFailure(path, "acct", "INBOX", model.FailureRecord{UID: 1, Error: "x"})
	RecordFailure(path, "acct", "INBOX", model.FailureRecord{UID: 2, Error: "y"})

	if err := ClearUID(path, "acct", "INBOX", 1); err != nil {
		t.Fatalf("ClearUID: %v", err)
	}

	l, _ := Load(path, "acct", "INBOX")
	if len(l.Failures) != 1 || l.Failures[0].UID != 2 {
		t.Errorf("expected only uid 2 remaining, got %+v", l.Failures)
	}
}
