// Package workdir resolves the on-disk layout of one archive root: the
// email tree, the UID database, the parquet projection, the file/FTS
// index, the failure log, and the push manifest all live under one root
// directory, and every path is derived from it explicitly rather than
// from package-level state. This keeps ownership of "where things live"
// in the caller's hands instead of a global.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
)

// Root is an archive's base directory. It carries no mutable state; every
// method is a pure path computation plus, where noted, a directory-create
// side effect scoped to that one path.
type Root struct {
	Path string
}

// Resolve returns a Root rooted at path, creating the directory (and its
// parents) if it does not already exist.
func Resolve(path string) (Root, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Root{}, fmt.Errorf("resolve workdir %q: %w", path, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return Root{}, fmt.Errorf("create workdir %q: %w", abs, err)
	}
	return Root{Path: abs}, nil
}

// FolderDir is the filesystem directory an archived folder's messages
// are written under, e.g. <root>/<account>/<folder-slug>.
func (r Root) FolderDir(account, folderSlug string) string {
	return filepath.Join(r.Path, account, folderSlug)
}

// EnsureFolderDir creates and returns FolderDir(account, folderSlug).
func (r Root) EnsureFolderDir(account, folderSlug string) (string, error) {
	dir := r.FolderDir(account, folderSlug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create folder dir %q: %w", dir, err)
	}
	return dir, nil
}

// UIDDBPath is the SQLite UID-tracking database for the whole archive.
func (r Root) UIDDBPath() string {
	return filepath.Join(r.Path, "uids.db")
}

// ParquetPath is the Git-portable projection of the UID DB.
func (r Root) ParquetPath() string {
	return filepath.Join(r.Path, "uids.parquet")
}

// LegacyPullsDBPath is a pre-existing archive's legacy pull-tracking
// database, read once by ImportLegacyPullsDB if present.
func (r Root) LegacyPullsDBPath() string {
	return filepath.Join(r.Path, "pulls.db")
}

// IndexDBPath is the DuckDB file backing both the File Index and the FTS
// Index; they are co-located in one database since every Rebuild or
// Update keeps both in sync together.
func (r Root) IndexDBPath() string {
	return filepath.Join(r.Path, "index.db")
}

// FailureLogPath is the per-account, per-folder failure log.
func (r Root) FailureLogPath(account, folderSlug string) string {
	return filepath.Join(r.Path, ".failures", account, folderSlug+".yml")
}

// PushManifestPath is the sorted manifest of Message-IDs pushed to a
// named destination.
func (r Root) PushManifestPath(destination string) string {
	return filepath.Join(r.Path, ".push", destination, "manifest.txt")
}

// PushLogPath is the append-only JSONL log of recently uploaded messages
// for a destination.
func (r Root) PushLogPath(destination string) string {
	return filepath.Join(r.Path, ".push", destination, "log.jsonl")
}

// StatusPath is the single-writer lock/status file for the whole archive.
func (r Root) StatusPath() string {
	return filepath.Join(r.Path, ".status.json")
}
