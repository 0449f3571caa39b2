package uiddb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/mailctl/eml/internal/model"
)

// The only data that MUST be Git-tracked is the mapping from IMAP UID to
// content hash: (account, folder, uidvalidity, uid, content_hash).
// Everything else in pulled_messages (message_id, local_path, subject,
// threading headers...) is regenerable from the .eml files themselves,
// so the parquet projection carries only these five columns.

// ExportParquet writes every pulled_messages row, projected to
// (account, folder, uidvalidity, uid, content_hash), to a Zstd-compressed
// Parquet file at path, ordered for stable diffs.
func (d *DB) ExportParquet(path string) error {
	rows, err := d.db.Query(`
		SELECT account, folder, uidvalidity, uid, content_hash
		FROM pulled_messages
		ORDER BY account, folder, uidvalidity, uid`)
	if err != nil {
		return model.Wrap(model.KindSchema, fmt.Errorf("export parquet: query: %w", err))
	}
	defer rows.Close()

	duck, err := sql.Open("duckdb", "")
	if err != nil {
		return model.Wrap(model.KindSchema, fmt.Errorf("export parquet: open duckdb: %w", err))
	}
	defer duck.Close()
	duck.SetMaxOpenConns(1)

	if _, err := duck.Exec(`CREATE TABLE uids (
		account      VARCHAR NOT NULL,
		folder       VARCHAR NOT NULL,
		uidvalidity  BIGINT NOT NULL,
		uid          BIGINT NOT NULL,
		content_hash VARCHAR NOT NULL
	)`); err != nil {
		return model.Wrap(model.KindSchema, fmt.Errorf("export parquet: create table: %w", err))
	}

	tx, err := duck.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO uids VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	for rows.Next() {
		var account, folder, hash string
		var uidvalidity, uid int64
		if err := rows.Scan(&account, &folder, &uidvalidity, &uid, &hash); err != nil {
			stmt.Close()
			tx.Rollback()
			return err
		}
		if _, err := stmt.Exec(account, folder, uidvalidity, uid, hash); err != nil {
			stmt.Close()
			tx.Rollback()
			return err
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	// COPY TO refuses to overwrite an existing file.
	os.Remove(path)
	escaped := strings.ReplaceAll(path, "'", "''")
	_, err = duck.Exec(fmt.Sprintf("COPY uids TO '%s' (FORMAT PARQUET, CODEC 'ZSTD')", escaped))
	if err != nil {
		return model.Wrap(model.KindWrite, fmt.Errorf("export parquet: copy: %w", err))
	}
	return nil
}

// ImportParquet loads (account, folder, uidvalidity, uid, content_hash)
// rows from a Git-portable Parquet file into pulled_messages, stamping
// pulled_at with now and status 'new', and leaving message_id/local_path
// NULL for the caller to backfill from a File Index rebuild. Returns the
// number of rows imported.
func (d *DB) ImportParquet(path string) (int, error) {
	duck, err := sql.Open("duckdb", "")
	if err != nil {
		return 0, model.Wrap(model.KindSchema, fmt.Errorf("import parquet: open duckdb: %w", err))
	}
	defer duck.Close()
	duck.SetMaxOpenConns(1)

	escaped := strings.ReplaceAll(path, "'", "''")
	rows, err := duck.Query(fmt.Sprintf(
		"SELECT account, folder, uidvalidity, uid, content_hash FROM read_parquet('%s')", escaped))
	if err != nil {
		return 0, model.Wrap(model.KindSchema, fmt.Errorf("import parquet: read: %w", err))
	}
	defer rows.Close()

	now := time.Now().Format(timeLayout)
	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO pulled_messages
			(account, folder, uidvalidity, uid, content_hash, pulled_at, status)
		VALUES (?, ?, ?, ?, ?, ?, 'new')`)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	count := 0
	for rows.Next() {
		var account, folder, hash string
		var uidvalidity, uid int64
		if err := rows.Scan(&account, &folder, &uidvalidity, &uid, &hash); err != nil {
			stmt.Close()
			tx.Rollback()
			return count, err
		}
		if _, err := stmt.Exec(account, folder, uidvalidity, uid, hash, now); err != nil {
			stmt.Close()
			tx.Rollback()
			return count, err
		}
		count++
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return count, err
	}
	return count, nil
}

// NeedsRebuildFromParquet reports whether dbPath should be rebuilt from
// parquetPath: true when parquetPath exists and is either newer than
// dbPath or dbPath doesn't exist yet.
func NeedsRebuildFromParquet(dbPath, parquetPath string) bool {
	parquetInfo, err := os.Stat(parquetPath)
	if err != nil {
		return false
	}
	dbInfo, err := os.Stat(dbPath)
	if err != nil {
		return true
	}
	return parquetInfo.ModTime().After(dbInfo.ModTime())
}

// ImportLegacyPullsDB is a read-only migration path for archives that
// still carry a pre-unification pulls.db (table pulled_messages with the
// same five-column shape this schema's pulled_messages superset already
// has). It is safe to call repeatedly: rows are merged with INSERT OR
// IGNORE, so a row already recorded locally (with its full header
// metadata) is never clobbered by the legacy import.
func (d *DB) ImportLegacyPullsDB(legacyPath string) (int, error) {
	legacyDSN := fmt.Sprintf("file:%s?mode=ro", legacyPath)
	legacyDB, err := sql.Open("sqlite3", legacyDSN)
	if err != nil {
		return 0, model.Wrap(model.KindSchema, fmt.Errorf("import legacy pulls.db: open: %w", err))
	}
	defer legacyDB.Close()

	rows, err := legacyDB.Query(`
		SELECT account, folder, uidvalidity, uid, content_hash FROM pulled_messages`)
	if err != nil {
		return 0, model.Wrap(model.KindSchema, fmt.Errorf("import legacy pulls.db: query: %w", err))
	}
	defer rows.Close()

	now := time.Now().Format(timeLayout)
	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO pulled_messages
			(account, folder, uidvalidity, uid, content_hash, pulled_at, status)
		VALUES (?, ?, ?, ?, ?, ?, 'new')`)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	count := 0
	for rows.Next() {
		var account, folder, hash string
		var uidvalidity, uid int64
		if err := rows.Scan(&account, &folder, &uidvalidity, &uid, &hash); err != nil {
			stmt.Close()
			tx.Rollback()
			return count, err
		}
		if _, err := stmt.Exec(account, folder, uidvalidity, uid, hash, now); err != nil {
			stmt.Close()
			tx.Rollback()
			return count, err
		}
		count++
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return count, err
	}
	return count, nil
}
