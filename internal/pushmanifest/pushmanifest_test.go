package pushmanifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingIsEmpty(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "missing.txt"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Count() != 0 || m.Has("<a@b>") {
		t.Errorf("expected empty manifest")
	}
}

func TestAddPersistsSorted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acct.txt")
	m, _ := Load(path)

	for _, id := range []string{"<zzz@b>", "<aaa@b>", "<mmm@b>"} {
		if err := m.Add(id); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.Has("<aaa@b>") || !reloaded.Has("<mmm@b>") || !reloaded.Has("<zzz@b>") {
		t.Errorf("reloaded manifest missing ids")
	}
	if reloaded.Count() != 3 {
		t.Errorf("Count = %d, want 3", reloaded.Count())
	}

	data, err := filepath.Glob(path)
	if err != nil || len(data) != 1 {
		t.Fatalf("expected manifest file to exist")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if want := "<aaa@b>\n<mmm@b>\n<zzz@b>\n"; string(content) != want {
		t.Errorf("manifest file = %q, want sorted %q", content, want)
	}
}

func TestAppendAndReadRecentLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acct.log.jsonl")
	now := time.Now().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		rec := UploadRecord{
			Timestamp: now,
			Account:   "zoho",
			MessageID: "<msg@x>",
			Subject:   "hello",
		}
		if err := AppendLog(path, rec); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	all, err := ReadRecentLog(path, 0)
	if err != nil {
		t.Fatalf("ReadRecentLog(all): %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 records, got %d", len(all))
	}

	last2, err := ReadRecentLog(path, 2)
	if err != nil {
		t.Fatalf("ReadRecentLog(2): %v", err)
	}
	if len(last2) != 2 {
		t.Errorf("expected 2 records, got %d", len(last2))
	}
}

func TestReadRecentLogMissingFile(t *testing.T) {
	recs, err := ReadRecentLog(filepath.Join(t.TempDir(), "missing.jsonl"), 10)
	if err != nil {
		t.Fatalf("ReadRecentLog: %v", err)
	}
	if recs != nil {
		t.Errorf("expected nil for missing file, got %v", recs)
	}
}
