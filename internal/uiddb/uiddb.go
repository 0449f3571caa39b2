// Package uiddb is the critical UID-tracking database: which messages
// have been pulled from which account/folder/uidvalidity, what the
// server last reported, and one row per Pull/Push run. This data is
// small and authoritative: losing it means re-pulling an entire
// mailbox. The schema is unified into a single set of tables rather
// than the historical pulled_messages/pulled_uids/sync_state/push_state
// split (see the Open Question resolution in DESIGN.md).
package uiddb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mailctl/eml/internal/model"
	"github.com/mailctl/eml/internal/threading"
)

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS pulled_messages (
	account      TEXT NOT NULL,
	folder       TEXT NOT NULL,
	uidvalidity  INTEGER NOT NULL,
	uid          INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	message_id   TEXT,
	local_path   TEXT,
	pulled_at    TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'new',
	sync_run_id  INTEGER,
	subject      TEXT,
	msg_date     TEXT,
	from_addr    TEXT,
	to_addr      TEXT,
	in_reply_to  TEXT,
	refs         TEXT,
	error        TEXT,
	PRIMARY KEY (account, folder, uidvalidity, uid)
);

CREATE INDEX IF NOT EXISTS idx_pulled_messages_hash ON pulled_messages(content_hash);
CREATE INDEX IF NOT EXISTS idx_pulled_messages_message_id ON pulled_messages(message_id);

CREATE TABLE IF NOT EXISTS server_uids (
	account     TEXT NOT NULL,
	folder      TEXT NOT NULL,
	uidvalidity INTEGER NOT NULL,
	uid         INTEGER NOT NULL,
	message_id  TEXT,
	last_seen   TEXT NOT NULL,
	PRIMARY KEY (account, folder, uidvalidity, uid)
);

CREATE INDEX IF NOT EXISTS idx_server_uids_folder ON server_uids(account, folder, uidvalidity);

CREATE TABLE IF NOT EXISTS server_folders (
	account       TEXT NOT NULL,
	folder        TEXT NOT NULL,
	uidvalidity   INTEGER NOT NULL,
	message_count INTEGER,
	last_checked  TEXT NOT NULL,
	PRIMARY KEY (account, folder)
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	operation    TEXT NOT NULL,
	account      TEXT NOT NULL,
	folder       TEXT NOT NULL,
	tag          TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	ended_at     TEXT,
	status       TEXT NOT NULL DEFAULT 'running',
	total        INTEGER NOT NULL DEFAULT 0,
	fetched      INTEGER NOT NULL DEFAULT 0,
	skipped      INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	error        TEXT
);
`

const timeLayout = time.RFC3339Nano

// DB is the UID-tracking database for one archive root.
type DB struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite UID database at path, in
// WAL mode with a busy timeout.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("uiddb: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, model.Wrap(model.KindSchema, fmt.Errorf("uiddb: open: %w", err))
	}
	if _, err := db.Exec(createSchemaSQL); err != nil {
		db.Close()
		return nil, model.Wrap(model.KindSchema, fmt.Errorf("uiddb: init schema: %w", err))
	}
	return &DB{db: db}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error { return d.db.Close() }

// RecordPull upserts a pulled message. pulled_at defaults to now if zero.
func (d *DB) RecordPull(r model.PulledRecord) error {
	if r.PulledAt.IsZero() {
		r.PulledAt = time.Now()
	}
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO pulled_messages
			(account, folder, uidvalidity, uid, content_hash, message_id, local_path,
			 pulled_at, status, sync_run_id, subject, msg_date, from_addr, to_addr,
			 in_reply_to, refs, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Account, r.Folder, r.UIDValidity, r.UID, r.ContentHash, nullIfEmpty(r.MessageID),
		nullIfEmpty(r.LocalPath), r.PulledAt.Format(timeLayout), string(r.Status), r.SyncRunID,
		nullIfEmpty(r.Subject), formatTimeOrNull(r.MsgDate), nullIfEmpty(r.FromAddr),
		nullIfEmpty(r.ToAddr), nullIfEmpty(r.InReplyTo), nullIfEmpty(r.References),
		nullIfEmpty(r.Error),
	)
	if err != nil {
		return model.Wrap(model.KindWrite, fmt.Errorf("record pull: %w", err))
	}
	return nil
}

// GetPulledUIDs returns every UID pulled for (account, folder, uidvalidity).
func (d *DB) GetPulledUIDs(account, folder string, uidvalidity int64) (map[int64]bool, error) {
	rows, err := d.db.Query(`
		SELECT uid FROM pulled_messages WHERE account = ? AND folder = ? AND uidvalidity = ?`,
		account, folder, uidvalidity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	uids := make(map[int64]bool)
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids[uid] = true
	}
	return uids, rows.Err()
}

// GetPulledCount counts pulled messages for account/folder, optionally
// scoped to one uidvalidity (pass 0 to count across all of them).
func (d *DB) GetPulledCount(account, folder string, uidvalidity int64) (int, error) {
	var n int
	var err error
	if uidvalidity != 0 {
		err = d.db.QueryRow(`
			SELECT COUNT(*) FROM pulled_messages WHERE account = ? AND folder = ? AND uidvalidity = ?`,
			account, folder, uidvalidity).Scan(&n)
	} else {
		err = d.db.QueryRow(`
			SELECT COUNT(*) FROM pulled_messages WHERE account = ? AND folder = ?`,
			account, folder).Scan(&n)
	}
	return n, err
}

// HasContentHash reports whether any record (any account/folder) has
// this content hash, used to dedup identical messages pulled via
// multiple folders or accounts.
func (d *DB) HasContentHash(hash string) (bool, error) {
	var exists int
	err := d.db.QueryRow(`SELECT 1 FROM pulled_messages WHERE content_hash = ? LIMIT 1`, hash).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ListPulledWithPath returns every pulled_messages row that has a
// local_path (status=new rows only; skipped/failed rows never own a
// file), ordered for deterministic Convert/Rebuild iteration. Used by
// internal/convert to re-derive paths under a new layout.
func (d *DB) ListPulledWithPath() ([]model.PulledRecord, error) {
	rows, err := d.db.Query(`
		SELECT account, folder, uidvalidity, uid, content_hash, message_id, local_path,
		       pulled_at, status, sync_run_id, subject, msg_date, from_addr, to_addr,
		       in_reply_to, refs, error
		FROM pulled_messages
		WHERE status = 'new' AND local_path IS NOT NULL AND local_path != ''
		ORDER BY account, folder, uidvalidity, uid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PulledRecord
	for rows.Next() {
		var r model.PulledRecord
		var messageID, localPath, subject, fromAddr, toAddr, inReplyTo, refs, errStr sql.NullString
		var pulledAt, msgDate sql.NullString
		var status string
		var syncRunID sql.NullInt64
		if err := rows.Scan(&r.Account, &r.Folder, &r.UIDValidity, &r.UID, &r.ContentHash,
			&messageID, &localPath, &pulledAt, &status, &syncRunID, &subject, &msgDate,
			&fromAddr, &toAddr, &inReplyTo, &refs, &errStr); err != nil {
			return nil, err
		}
		r.MessageID, r.LocalPath = messageID.String, localPath.String
		r.Status = model.PullStatus(status)
		r.SyncRunID = syncRunID.Int64
		r.Subject, r.FromAddr, r.ToAddr = subject.String, fromAddr.String, toAddr.String
		r.InReplyTo, r.References, r.Error = inReplyTo.String, refs.String, errStr.String
		if pulledAt.Valid {
			r.PulledAt, _ = time.Parse(timeLayout, pulledAt.String)
		}
		if msgDate.Valid {
			r.MsgDate, _ = time.Parse(timeLayout, msgDate.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListPulledMissingPath returns pulled_messages rows that have a
// content_hash but no local_path, the shape left behind by
// ImportParquet, waiting for internal/convert.RebackfillFromIndex to
// cross-reference the File Index and fill message_id/local_path in.
func (d *DB) ListPulledMissingPath() ([]model.PulledRecord, error) {
	rows, err := d.db.Query(`
		SELECT account, folder, uidvalidity, uid, content_hash, status, sync_run_id, pulled_at
		FROM pulled_messages
		WHERE (local_path IS NULL OR local_path = '') AND content_hash != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PulledRecord
	for rows.Next() {
		var r model.PulledRecord
		var status string
		var syncRunID sql.NullInt64
		var pulledAt sql.NullString
		if err := rows.Scan(&r.Account, &r.Folder, &r.UIDValidity, &r.UID, &r.ContentHash,
			&status, &syncRunID, &pulledAt); err != nil {
			return nil, err
		}
		r.Status = model.PullStatus(status)
		r.SyncRunID = syncRunID.Int64
		if pulledAt.Valid {
			r.PulledAt, _ = time.Parse(timeLayout, pulledAt.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetThread loads the thread rooted at rootMessageID (§4.L) by pulling a
// candidate set from pulled_messages' message_id/in_reply_to/refs
// columns and handing it to the pure threading.BuildThread, which does
// the exact In-Reply-To/References matching and chronological sort. The
// SQL LIKE clause is only a pre-filter to keep the row set small; it can
// overselect on substring overlap, which BuildThread's exact-match loop
// then discards.
func (d *DB) GetThread(rootMessageID string) (threading.Thread, error) {
	candidates, err := d.threadCandidates(rootMessageID)
	if err != nil {
		return threading.Thread{}, err
	}
	return threading.BuildThread(rootMessageID, candidates), nil
}

// GetReplies returns every message whose in_reply_to is exactly
// rootMessageID, ordered by msg_date ascending.
func (d *DB) GetReplies(rootMessageID string) ([]threading.Message, error) {
	candidates, err := d.threadCandidates(rootMessageID)
	if err != nil {
		return nil, err
	}
	return threading.DirectReplies(rootMessageID, candidates), nil
}

// threadCandidates selects every pulled_messages row that could plausibly
// belong to the thread rooted at root: the root itself, direct replies,
// and anything whose References column contains root as one of its
// space-joined ids.
func (d *DB) threadCandidates(root string) ([]threading.Message, error) {
	rows, err := d.db.Query(`
		SELECT message_id, in_reply_to, refs, msg_date
		FROM pulled_messages
		WHERE message_id = ? OR in_reply_to = ? OR refs LIKE ?
		ORDER BY msg_date ASC`, root, root, "%"+root+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []threading.Message
	for rows.Next() {
		var messageID, inReplyTo, refs sql.NullString
		var msgDate sql.NullString
		if err := rows.Scan(&messageID, &inReplyTo, &refs, &msgDate); err != nil {
			return nil, err
		}
		if messageID.String == "" {
			continue
		}
		m := threading.Message{MessageID: messageID.String, InReplyTo: inReplyTo.String}
		if refs.String != "" {
			m.References = strings.Fields(refs.String)
		}
		if msgDate.Valid {
			m.Date, _ = time.Parse(timeLayout, msgDate.String)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetAllContentHashes returns every distinct content hash ever pulled.
func (d *DB) GetAllContentHashes() (map[string]bool, error) {
	rows, err := d.db.Query(`SELECT DISTINCT content_hash FROM pulled_messages`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	hashes := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes[h] = true
	}
	return hashes, rows.Err()
}

// GetUIDValidity returns the UIDVALIDITY on record for account/folder. If
// a folder was reset and has records under more than one UIDVALIDITY,
// the value with the most associated rows wins (most likely current).
// Returns (0, false) if there are no records.
func (d *DB) GetUIDValidity(account, folder string) (int64, bool, error) {
	rows, err := d.db.Query(`
		SELECT DISTINCT uidvalidity FROM pulled_messages WHERE account = ? AND folder = ?`,
		account, folder)
	if err != nil {
		return 0, false, err
	}
	var values []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return 0, false, err
		}
		values = append(values, v)
	}
	rows.Close()

	switch len(values) {
	case 0:
		return 0, false, nil
	case 1:
		return values[0], true, nil
	default:
		var uidvalidity int64
		err := d.db.QueryRow(`
			SELECT uidvalidity FROM pulled_messages
			WHERE account = ? AND folder = ?
			GROUP BY uidvalidity ORDER BY COUNT(*) DESC LIMIT 1`,
			account, folder).Scan(&uidvalidity)
		return uidvalidity, err == nil, err
	}
}

// GetPathByContentHash returns the stored local path for one content
// hash, if any record has a non-empty local_path.
func (d *DB) GetPathByContentHash(hash string) (string, bool, error) {
	var path sql.NullString
	err := d.db.QueryRow(`
		SELECT local_path FROM pulled_messages
		WHERE content_hash = ? AND local_path IS NOT NULL AND local_path != '' LIMIT 1`,
		hash).Scan(&path)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return path.String, path.Valid, nil
}

// FolderActivity is one (account, folder) with its pull count.
type FolderActivity struct {
	Account string
	Folder  string
	Count   int
}

// GetFoldersWithActivity lists folders with pull activity, optionally
// scoped to one account (pass "" for all accounts), ordered by count
// descending.
func (d *DB) GetFoldersWithActivity(account string) ([]FolderActivity, error) {
	var rows *sql.Rows
	var err error
	if account != "" {
		rows, err = d.db.Query(`
			SELECT account, folder, COUNT(*) as cnt FROM pulled_messages
			WHERE account = ? GROUP BY account, folder ORDER BY cnt DESC`, account)
	} else {
		rows, err = d.db.Query(`
			SELECT account, folder, COUNT(*) as cnt FROM pulled_messages
			GROUP BY account, folder ORDER BY cnt DESC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []FolderActivity
	for rows.Next() {
		var fa FolderActivity
		if err := rows.Scan(&fa.Account, &fa.Folder, &fa.Count); err != nil {
			return nil, err
		}
		result = append(result, fa)
	}
	return result, rows.Err()
}

// RecordServerUIDs replaces the server_uids snapshot rows for the given
// UIDs (each paired with its optional Message-ID), stamping last_seen
// with now.
func (d *DB) RecordServerUIDs(account, folder string, uidvalidity int64, uids []model.ServerUID) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	now := time.Now().Format(timeLayout)
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO server_uids (account, folder, uidvalidity, uid, message_id, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, u := range uids {
		if _, err := stmt.Exec(account, folder, uidvalidity, u.UID, nullIfEmpty(u.MessageID), now); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RecordServerFolder upserts a folder's server-side metadata snapshot.
func (d *DB) RecordServerFolder(s model.FolderSnapshot) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO server_folders (account, folder, uidvalidity, message_count, last_checked)
		VALUES (?, ?, ?, ?, ?)`,
		s.Account, s.Folder, s.UIDValidity, s.MessageCount, time.Now().Format(timeLayout))
	return err
}

// GetServerFolderLastChecked returns when server_folders was last
// refreshed for this (account, folder, uidvalidity), used by
// internal/pull to decide whether the cached UID set in server_uids is
// still within CacheTTLMinutes.
func (d *DB) GetServerFolderLastChecked(account, folder string, uidvalidity int64) (time.Time, bool, error) {
	var raw string
	err := d.db.QueryRow(`
		SELECT last_checked FROM server_folders WHERE account = ? AND folder = ? AND uidvalidity = ?`,
		account, folder, uidvalidity).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// GetServerUIDs returns every UID seen on the server for this folder
// snapshot.
func (d *DB) GetServerUIDs(account, folder string, uidvalidity int64) (map[int64]bool, error) {
	rows, err := d.db.Query(`
		SELECT uid FROM server_uids WHERE account = ? AND folder = ? AND uidvalidity = ?`,
		account, folder, uidvalidity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	uids := make(map[int64]bool)
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids[uid] = true
	}
	return uids, rows.Err()
}

// GetUnpulledUIDs returns server UIDs with no corresponding pulled_messages row.
func (d *DB) GetUnpulledUIDs(account, folder string, uidvalidity int64) ([]int64, error) {
	rows, err := d.db.Query(`
		SELECT s.uid FROM server_uids s
		LEFT JOIN pulled_messages p
			ON s.account = p.account AND s.folder = p.folder
			AND s.uidvalidity = p.uidvalidity AND s.uid = p.uid
		WHERE s.account = ? AND s.folder = ? AND s.uidvalidity = ? AND p.uid IS NULL`,
		account, folder, uidvalidity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var uids []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}

// GetUIDsWithoutMessageID returns pulled UIDs whose message_id is empty
// or NULL: messages fetched before a header parse recovered an id, or
// rows imported from the Parquet projection (ImportParquet leaves
// message_id NULL until a later File Index cross-reference fills it).
func (d *DB) GetUIDsWithoutMessageID(account, folder string, uidvalidity int64) ([]int64, error) {
	rows, err := d.db.Query(`
		SELECT uid FROM pulled_messages
		WHERE account = ? AND folder = ? AND uidvalidity = ?
		AND (message_id IS NULL OR message_id = '')
		ORDER BY uid`, account, folder, uidvalidity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var uids []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}

// HourlyPullCount is one hour bucket's pull activity.
type HourlyPullCount struct {
	Hour    time.Time
	Total   int
	Fetched int
	Skipped int
	Failed  int
}

// GetPullsByHour buckets pulled_messages by the hour of pulled_at over
// the last `hours` hours, optionally scoped to one account (pass "" for
// all), ordered oldest bucket first.
func (d *DB) GetPullsByHour(hours int, account string) ([]HourlyPullCount, error) {
	if hours <= 0 {
		hours = 24
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour).Format(timeLayout)

	var rows *sql.Rows
	var err error
	const bucketExpr = `substr(pulled_at, 1, 13)` // "2006-01-02T15", hour granularity on an RFC3339 string
	if account != "" {
		rows, err = d.db.Query(`
			SELECT `+bucketExpr+` AS bucket,
			       COUNT(*),
			       SUM(CASE WHEN status = 'new' THEN 1 ELSE 0 END),
			       SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END),
			       SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)
			FROM pulled_messages
			WHERE account = ? AND pulled_at >= ?
			GROUP BY bucket ORDER BY bucket ASC`, account, since)
	} else {
		rows, err = d.db.Query(`
			SELECT `+bucketExpr+` AS bucket,
			       COUNT(*),
			       SUM(CASE WHEN status = 'new' THEN 1 ELSE 0 END),
			       SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END),
			       SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)
			FROM pulled_messages
			WHERE pulled_at >= ?
			GROUP BY bucket ORDER BY bucket ASC`, since)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HourlyPullCount
	for rows.Next() {
		var bucket string
		var hc HourlyPullCount
		if err := rows.Scan(&bucket, &hc.Total, &hc.Fetched, &hc.Skipped, &hc.Failed); err != nil {
			return nil, err
		}
		hc.Hour, _ = time.Parse("2006-01-02T15", bucket)
		out = append(out, hc)
	}
	return out, rows.Err()
}

// GetRecentPulls returns the most recently pulled_messages rows, newest
// first, capped at limit (a limit of 0 or less means 50). If
// withPathOnly is set, rows with no local_path (skipped-without-copy is
// impossible, but failed rows have none) are excluded.
func (d *DB) GetRecentPulls(limit int, withPathOnly bool) ([]model.PulledRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT account, folder, uidvalidity, uid, content_hash, message_id, local_path,
		       pulled_at, status, sync_run_id, subject, msg_date, from_addr, to_addr,
		       in_reply_to, refs, error
		FROM pulled_messages`
	if withPathOnly {
		query += ` WHERE local_path IS NOT NULL AND local_path != ''`
	}
	query += ` ORDER BY pulled_at DESC LIMIT ?`

	rows, err := d.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PulledRecord
	for rows.Next() {
		var r model.PulledRecord
		var messageID, localPath, subject, fromAddr, toAddr, inReplyTo, refs, errStr sql.NullString
		var pulledAt, msgDate sql.NullString
		var status string
		var syncRunID sql.NullInt64
		if err := rows.Scan(&r.Account, &r.Folder, &r.UIDValidity, &r.UID, &r.ContentHash,
			&messageID, &localPath, &pulledAt, &status, &syncRunID, &subject, &msgDate,
			&fromAddr, &toAddr, &inReplyTo, &refs, &errStr); err != nil {
			return nil, err
		}
		r.MessageID, r.LocalPath = messageID.String, localPath.String
		r.Status = model.PullStatus(status)
		r.SyncRunID = syncRunID.Int64
		r.Subject, r.FromAddr, r.ToAddr = subject.String, fromAddr.String, toAddr.String
		r.InReplyTo, r.References, r.Error = inReplyTo.String, refs.String, errStr.String
		if pulledAt.Valid {
			r.PulledAt, _ = time.Parse(timeLayout, pulledAt.String)
		}
		if msgDate.Valid {
			r.MsgDate, _ = time.Parse(timeLayout, msgDate.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClearFolder deletes pulled_messages rows for a folder, optionally
// scoped to one uidvalidity (pass 0 for all), returning the row count
// removed.
func (d *DB) ClearFolder(account, folder string, uidvalidity int64) (int64, error) {
	var res sql.Result
	var err error
	if uidvalidity != 0 {
		res, err = d.db.Exec(`
			DELETE FROM pulled_messages WHERE account = ? AND folder = ? AND uidvalidity = ?`,
			account, folder, uidvalidity)
	} else {
		res, err = d.db.Exec(`DELETE FROM pulled_messages WHERE account = ? AND folder = ?`, account, folder)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats summarizes pull activity, optionally scoped to one account.
type Stats struct {
	Total   int
	Folders map[string]int
}

// GetStats aggregates pull counts per folder (and overall), optionally
// scoped to one account (pass "" for all).
func (d *DB) GetStats(account string) (Stats, error) {
	stats := Stats{Folders: make(map[string]int)}
	var rows *sql.Rows
	var err error
	if account != "" {
		rows, err = d.db.Query(`
			SELECT folder, COUNT(*) as cnt FROM pulled_messages WHERE account = ? GROUP BY folder`, account)
	} else {
		rows, err = d.db.Query(`SELECT folder, COUNT(*) as cnt FROM pulled_messages GROUP BY folder`)
	}
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var folder string
		var cnt int
		if err := rows.Scan(&folder, &cnt); err != nil {
			return stats, err
		}
		stats.Folders[folder] += cnt
		stats.Total += cnt
	}
	return stats, rows.Err()
}

// --- Sync runs ---

// StartRun inserts a new sync_runs row and returns its id.
func (d *DB) StartRun(run model.SyncRun) (int64, error) {
	res, err := d.db.Exec(`
		INSERT INTO sync_runs (operation, account, folder, tag, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(run.Operation), run.Account, run.Folder, run.Tag,
		run.StartedAt.Format(timeLayout), string(model.RunRunning))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishRun updates a sync_runs row with its final counters and status.
func (d *DB) FinishRun(id int64, run model.SyncRun) error {
	_, err := d.db.Exec(`
		UPDATE sync_runs SET ended_at = ?, status = ?, total = ?, fetched = ?, skipped = ?, failed = ?, error = ?
		WHERE id = ?`,
		run.EndedAt.Format(timeLayout), string(run.Status), run.Total, run.Fetched,
		run.Skipped, run.Failed, nullIfEmpty(run.Error), id)
	return err
}

// LastRun returns the most recent run for an (operation, account, folder).
func (d *DB) LastRun(operation model.Operation, account, folder string) (*model.SyncRun, error) {
	row := d.db.QueryRow(`
		SELECT id, operation, account, folder, tag, started_at, ended_at, status, total, fetched, skipped, failed, error
		FROM sync_runs WHERE operation = ? AND account = ? AND folder = ?
		ORDER BY started_at DESC LIMIT 1`, string(operation), account, folder)

	var run model.SyncRun
	var op, status string
	var started string
	var ended, errStr sql.NullString
	err := row.Scan(&run.ID, &op, &run.Account, &run.Folder, &run.Tag, &started, &ended,
		&status, &run.Total, &run.Fetched, &run.Skipped, &run.Failed, &errStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.Operation = model.Operation(op)
	run.Status = model.RunStatus(status)
	run.Error = errStr.String
	run.StartedAt, _ = time.Parse(timeLayout, started)
	if ended.Valid {
		run.EndedAt, _ = time.Parse(timeLayout, ended.String)
	}
	return &run, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTimeOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(timeLayout)
}
