package searchindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mailctl/eml/internal/pathtmpl"
)

func writeEml(t *testing.T, root, relPath, raw string) string {
	t.Helper()
	full := filepath.Join(root, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return full
}

func TestRebuildIndexesContentAddressedHashNotFilename(t *testing.T) {
	root := t.TempDir()
	raw := "From: a@b.com\r\nTo: c@d.com\r\nSubject: Quarterly Report\r\nMessage-Id: <m1@x>\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n\r\nhello body\r\n"
	// A filename shaped like the default preset, NOT a bare hash: the
	// content hash must still come from the bytes, not this name.
	path := writeEml(t, root, "INBOX/2006/01/02/150405_deadbeef_quarterly_report.eml", raw)

	idx, err := Open(filepath.Join(root, "index.db"), root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	indexed, failed, err := idx.Rebuild()
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if indexed != 1 || failed != 0 {
		t.Fatalf("Rebuild = (%d, %d), want (1, 0)", indexed, failed)
	}

	want := pathtmpl.ContentHash([]byte(raw))
	f, err := idx.GetByContentHash(want)
	if err != nil {
		t.Fatalf("GetByContentHash: %v", err)
	}
	if f == nil {
		t.Fatal("GetByContentHash returned nil; content hash not derived from bytes")
	}
	if f.Path != path || f.MessageID != "m1@x" || f.Subject != "Quarterly Report" {
		t.Errorf("indexed file = %+v, want path=%s message_id=m1@x subject=Quarterly Report", f, path)
	}
}

func TestAddOrReplaceUpsertsAndRemoveDeletes(t *testing.T) {
	root := t.TempDir()
	raw := "Subject: Hello\r\nMessage-Id: <m2@x>\r\n\r\nbody\r\n"
	path := writeEml(t, root, "a.eml", raw)

	idx, err := Open(filepath.Join(root, "index.db"), root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	if err := idx.AddOrReplace(path); err != nil {
		t.Fatalf("AddOrReplace: %v", err)
	}
	got, err := idx.GetByPath(path)
	if err != nil || got == nil {
		t.Fatalf("GetByPath = %v, %v", got, err)
	}

	// Overwrite the file on disk and re-index: same path, new hash.
	raw2 := "Subject: Hello Again\r\nMessage-Id: <m2@x>\r\n\r\nnew body\r\n"
	if err := os.WriteFile(path, []byte(raw2), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := idx.AddOrReplace(path); err != nil {
		t.Fatalf("AddOrReplace (update): %v", err)
	}
	got, err = idx.GetByPath(path)
	if err != nil || got == nil || got.Subject != "Hello Again" {
		t.Fatalf("GetByPath after update = %+v, %v, want refreshed subject", got, err)
	}

	if err := idx.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	got, err = idx.GetByPath(path)
	if err != nil {
		t.Fatalf("GetByPath after remove: %v", err)
	}
	if got != nil {
		t.Errorf("GetByPath after remove = %+v, want nil", got)
	}
}

func TestAllFilesOrdersByDateThenPath(t *testing.T) {
	root := t.TempDir()
	older := "Subject: Old\r\nMessage-Id: <old@x>\r\nDate: Mon, 01 Jan 2006 00:00:00 +0000\r\n\r\nb\r\n"
	newer := "Subject: New\r\nMessage-Id: <new@x>\r\nDate: Tue, 02 Jan 2007 00:00:00 +0000\r\n\r\nb\r\n"
	scoped := "Subject: Scoped\r\nMessage-Id: <scoped@x>\r\nDate: Wed, 03 Jan 2008 00:00:00 +0000\r\n\r\nb\r\n"

	writeEml(t, root, "z_new.eml", newer)
	writeEml(t, root, "a_old.eml", older)
	writeEml(t, root, "tagged/scoped.eml", scoped)

	idx, err := Open(filepath.Join(root, "index.db"), root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()
	if _, _, err := idx.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	all, err := idx.AllFiles("")
	if err != nil {
		t.Fatalf("AllFiles: %v", err)
	}
	if len(all) != 3 || all[0].MessageID != "old@x" || all[2].MessageID != "scoped@x" {
		t.Fatalf("AllFiles order = %+v, want old, new, scoped by date ascending", all)
	}

	scopedOnly, err := idx.AllFiles(filepath.Join(root, "tagged"))
	if err != nil {
		t.Fatalf("AllFiles(tag): %v", err)
	}
	if len(scopedOnly) != 1 || scopedOnly[0].MessageID != "scoped@x" {
		t.Fatalf("AllFiles(tag) = %+v, want only the scoped message", scopedOnly)
	}
}

func TestSearchRanksBM25Matches(t *testing.T) {
	root := t.TempDir()
	a := "Subject: Invoice overdue\r\nMessage-Id: <a@x>\r\n\r\nPlease pay the invoice as soon as possible.\r\n"
	b := "Subject: Lunch plans\r\nMessage-Id: <b@x>\r\n\r\nWant to grab lunch tomorrow?\r\n"
	writeEml(t, root, "a.eml", a)
	writeEml(t, root, "b.eml", b)

	idx, err := Open(filepath.Join(root, "index.db"), root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()
	if _, _, err := idx.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	hits, err := idx.Search("invoice", 10, 0, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].MessageID != "a@x" {
		t.Fatalf("Search(invoice) = %+v, want just a@x", hits)
	}

	if none, err := idx.Search("invoice", 10, 1, ""); err != nil || len(none) != 0 {
		t.Fatalf("Search(invoice, offset=1) = %+v, %v, want no hits", none, err)
	}
}

func TestStatsReportsCountAndLastRebuild(t *testing.T) {
	root := t.TempDir()
	writeEml(t, root, "a.eml", "Subject: X\r\n\r\nbody\r\n")

	idx, err := Open(filepath.Join(root, "index.db"), root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()
	if _, _, err := idx.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	stats, err := idx.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.FileCount != 1 {
		t.Errorf("FileCount = %d, want 1", stats.FileCount)
	}
	if stats.LastRebuild.IsZero() {
		t.Error("LastRebuild is zero, want a timestamp after Rebuild")
	}
}
