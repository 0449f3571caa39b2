// Package store implements the content-addressed blob store that holds
// every archived message's raw RFC 5322 bytes, keyed by their SHA-256
// content hash. There are exactly two layouts, picked at archive-creation
// time and fixed afterward: Tree (one .eml file per message under a
// path-template-derived directory) and SQLite (one row per message in a
// single file, for archives that want to avoid millions of small files).
// This is a closed tagged union, not an open-ended plugin interface: a
// third backend is not meant to be added by implementing an interface
// elsewhere, per the design this package follows.
package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mailctl/eml/internal/pathtmpl"
)

// Layout selects which of the two closed variants a Store uses.
type Layout int

const (
	// LayoutTree writes one .eml file per message, addressed by its path
	// template (see internal/pathtmpl).
	LayoutTree Layout = iota
	// LayoutSQLite keeps every message as a row in one SQLite database.
	LayoutSQLite
)

// Store is satisfied by exactly the two variants in this package. Callers
// switch on a Store's Layout() when they need layout-specific behavior
// (e.g. the File Index walking Tree's directory structure); everything
// else goes through this interface.
type Store interface {
	Layout() Layout
	// Add writes raw keyed by hash. relPath is the path rendered by the
	// Path Template (internal/pathtmpl) for this message; LayoutTree
	// writes there (relative to its root), LayoutSQLite ignores it and
	// keeps the blob in a single file, keyed by hash. For LayoutTree, if
	// a file already exists at the destination path, Add is a no-op and
	// returns that path; the same hash stored under a different path is
	// not detected. LayoutSQLite ignores a hash it already holds and
	// always returns "" (it has no per-message path).
	Add(hash, relPath string, raw []byte) (localPath string, err error)
	Get(hash string) ([]byte, error)
	Has(hash string) (bool, error)
	Count() (int, error)
	// Iter calls fn for every stored message. Iteration stops and Iter
	// returns fn's error if fn returns non-nil.
	Iter(fn func(hash string, raw []byte) error) error
	Close() error
}

// Open opens (creating if absent) a Store of the given layout rooted at
// path. For LayoutTree, path is a directory; for LayoutSQLite, path is
// the database file.
func Open(layout Layout, path string) (Store, error) {
	switch layout {
	case LayoutTree:
		return openTreeStore(path)
	case LayoutSQLite:
		return openSQLiteStore(path)
	default:
		return nil, fmt.Errorf("store: unknown layout %d", layout)
	}
}

// --- Tree layout ---

// TreeStore keeps one .eml file per message under root: at the rendered
// relPath passed to Add, or, when relPath is empty, at the fallback
// <root>/<sha2>/<hash>.eml. Get and Has look only at that fallback
// location, so messages written under a rendered relPath are not found
// by them.
type TreeStore struct {
	root string
}

func openTreeStore(root string) (*TreeStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("open tree store: %w", err)
	}
	return &TreeStore{root: root}, nil
}

func (s *TreeStore) Layout() Layout { return LayoutTree }

// pathFor is the fallback layout used when a caller has no rendered
// Path Template path at hand (e.g. Convert/Rebuild re-deriving a
// location for a bare hash); ordinary Pull Engine writes always pass
// their own relPath instead.
func (s *TreeStore) pathFor(hash string) string {
	shard := hash
	if len(shard) > 2 {
		shard = hash[:2]
	}
	return filepath.Join(s.root, shard, hash+".eml")
}

func (s *TreeStore) Add(hash, relPath string, raw []byte) (string, error) {
	dest := s.pathFor(hash)
	if relPath != "" {
		dest = filepath.Join(s.root, relPath)
	}
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("mkdir for %s: %w", hash, err)
	}

	tmp := dest + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return "", fmt.Errorf("write temp for %s: %w", hash, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename temp for %s: %w", hash, err)
	}
	return dest, nil
}

func (s *TreeStore) Get(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *TreeStore) Has(hash string) (bool, error) {
	_, err := os.Stat(s.pathFor(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *TreeStore) Count() (int, error) {
	n := 0
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".eml" {
			n++
		}
		return nil
	})
	return n, err
}

func (s *TreeStore) Iter(fn func(hash string, raw []byte) error) error {
	return filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".eml" {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return fn(pathtmpl.ContentHash(raw), raw)
	})
}

func (s *TreeStore) Close() error { return nil }

// --- SQLite layout ---

// SQLiteStore keeps every message as a row in a single SQLite file,
// matching the WAL-mode, busy-timeout convention used by internal/uiddb.
type SQLiteStore struct {
	db *sql.DB
}

func openSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open blob db: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS blobs (
		hash TEXT PRIMARY KEY,
		data BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create blobs table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Layout() Layout { return LayoutSQLite }

func (s *SQLiteStore) Add(hash, relPath string, raw []byte) (string, error) {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO blobs (hash, data) VALUES (?, ?)`, hash, raw)
	if err != nil {
		return "", fmt.Errorf("insert blob %s: %w", hash, err)
	}
	return "", nil
}

func (s *SQLiteStore) Get(hash string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM blobs WHERE hash = ?`, hash).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *SQLiteStore) Has(hash string) (bool, error) {
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM blobs WHERE hash = ?`, hash).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM blobs`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Iter(fn func(hash string, raw []byte) error) error {
	rows, err := s.db.Query(`SELECT hash, data FROM blobs`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var hash string
		var data []byte
		if err := rows.Scan(&hash, &data); err != nil {
			return err
		}
		if err := fn(hash, data); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// ErrNotFound is returned by Get when the hash is not present.
var ErrNotFound = fmt.Errorf("store: blob not found")

var _ io.Closer = (*TreeStore)(nil)
var _ io.Closer = (*SQLiteStore)(nil)
