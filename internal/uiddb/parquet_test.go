package uiddb

import (
	"path/filepath"
	"testing"

	"github.com/mailctl/eml/internal/model"
)

func TestExportImportParquetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src, err := Open(filepath.Join(dir, "uids.db"))
	if err != nil {
		t.Fatalf("Open src: %v", err)
	}
	defer src.Close()

	for _, uid := range []int64{1, 2, 3} {
		err := src.RecordPull(model.PulledRecord{
			Account: "acct", Folder: "INBOX", UIDValidity: 100, UID: uid,
			ContentHash: "hash0000000000000000000000000000000000000000000000000000000000",
		})
		if err != nil {
			t.Fatalf("RecordPull: %v", err)
		}
	}

	parquetPath := filepath.Join(dir, "uids.parquet")
	if err := src.ExportParquet(parquetPath); err != nil {
		t.Fatalf("ExportParquet: %v", err)
	}

	dst, err := Open(filepath.Join(dir, "rebuilt.db"))
	if err != nil {
		t.Fatalf("Open dst: %v", err)
	}
	defer dst.Close()

	n, err := dst.ImportParquet(parquetPath)
	if err != nil {
		t.Fatalf("ImportParquet: %v", err)
	}
	if n != 3 {
		t.Errorf("ImportParquet imported %d rows, want 3", n)
	}

	uids, err := dst.GetPulledUIDs("acct", "INBOX", 100)
	if err != nil || len(uids) != 3 {
		t.Errorf("GetPulledUIDs after import = %v, %v, want 3 entries", uids, err)
	}
}

func TestNeedsRebuildFromParquet(t *testing.T) {
	dir := t.TempDir()
	if NeedsRebuildFromParquet(filepath.Join(dir, "missing.db"), filepath.Join(dir, "missing.parquet")) {
		t.Error("expected false when parquet is also missing")
	}
}
