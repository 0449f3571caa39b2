// Package searchindex co-locates two DuckDB-backed indexes in one file:
// the File Index, a metadata table over every archived .eml, and the
// FTS Index, a BM25-ranked full-text index built on top of it using
// DuckDB's native fts extension. Both share one connection because they
// are kept in sync together: every Rebuild or Update touches both.
package searchindex

import (
	"bytes"
	"database/sql"
	"fmt"
	"log"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/mailctl/eml/internal/model"
	"github.com/mailctl/eml/internal/pathtmpl"
)

const createFilesTableSQL = `
CREATE TABLE IF NOT EXISTS files (
	path         VARCHAR NOT NULL PRIMARY KEY,
	content_hash VARCHAR NOT NULL,
	message_id   VARCHAR NOT NULL DEFAULT '',
	date         TIMESTAMP,
	from_addr    VARCHAR NOT NULL DEFAULT '',
	to_addr      VARCHAR NOT NULL DEFAULT '',
	subject      VARCHAR NOT NULL DEFAULT '',
	size         BIGINT NOT NULL DEFAULT 0,
	mtime        TIMESTAMP,
	body_text    VARCHAR NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS index_meta (
	key   VARCHAR PRIMARY KEY,
	value VARCHAR NOT NULL
);
`

// Index is a File Index + FTS Index pair backed by one DuckDB file.
type Index struct {
	db      *sql.DB
	dbPath  string
	emlRoot string
}

// Open opens (creating if absent) the index database at dbPath, which
// backs File Index lookups over the .eml tree rooted at emlRoot.
func Open(dbPath, emlRoot string) (*Index, error) {
	if dbPath != "" {
		if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	dsn := dbPath
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, model.Wrap(model.KindSchema, fmt.Errorf("searchindex: open duckdb: %w", err))
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createFilesTableSQL); err != nil {
		db.Close()
		return nil, model.Wrap(model.KindSchema, fmt.Errorf("searchindex: create schema: %w", err))
	}

	idx := &Index{db: db, dbPath: dbPath, emlRoot: emlRoot}
	return idx, nil
}

// Close releases the DuckDB connection.
func (idx *Index) Close() error {
	if idx.db != nil {
		return idx.db.Close()
	}
	return nil
}

// Rebuild drops and recreates the files table from every .eml under
// emlRoot, then (re)builds the FTS index over subject+body_text. Returns
// the number of files indexed and the number that failed to parse.
func (idx *Index) Rebuild() (indexed, failed int, err error) {
	if _, err = idx.db.Exec(`DROP TABLE IF EXISTS files`); err != nil {
		return 0, 0, err
	}
	if _, err = idx.db.Exec(createFilesTableSQL); err != nil {
		return 0, 0, err
	}

	tx, err := idx.db.Begin()
	if err != nil {
		return 0, 0, err
	}
	stmt, err := tx.Prepare(`INSERT INTO files
		(path, content_hash, message_id, date, from_addr, to_addr, subject, size, mtime, body_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return 0, 0, err
	}

	err = filepath.WalkDir(idx.emlRoot, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".eml") {
			return nil
		}
		f, parseErr := parseFile(path)
		if parseErr != nil {
			log.Printf("WARN: searchindex: parse %s: %v", path, parseErr)
			failed++
			return nil
		}
		if _, execErr := stmt.Exec(f.Path, f.ContentHash, f.MessageID, f.Date, f.From, f.To,
			f.Subject, f.Size, f.MTime, f.BodyText); execErr != nil {
			return execErr
		}
		indexed++
		return nil
	})
	if err != nil {
		stmt.Close()
		tx.Rollback()
		return indexed, failed, err
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return indexed, failed, err
	}

	if err := idx.rebuildFTS(); err != nil {
		return indexed, failed, err
	}
	if err := idx.setMeta("last_rebuild", time.Now().Format(time.RFC3339)); err != nil {
		return indexed, failed, err
	}
	return indexed, failed, nil
}

// rebuildFTS (re)creates DuckDB's fts extension index over subject and
// body_text, keyed by path, which is what Search's match_bm25 call uses.
func (idx *Index) rebuildFTS() error {
	if _, err := idx.db.Exec(`INSTALL fts; LOAD fts;`); err != nil {
		return fmt.Errorf("load fts extension: %w", err)
	}
	_, err := idx.db.Exec(`PRAGMA create_fts_index('files', 'path', 'subject', 'body_text', overwrite=1)`)
	if err != nil {
		return fmt.Errorf("create fts index: %w", err)
	}
	return nil
}

// AddOrReplace upserts one file's metadata and re-stamps the FTS index.
// Intended for incremental additions between full Rebuilds; callers that
// add many files in a batch should call Rebuild instead, since rebuilding
// the fts index itself is not incremental.
func (idx *Index) AddOrReplace(path string) error {
	f, err := parseFile(path)
	if err != nil {
		return model.Wrap(model.KindParse, err)
	}
	_, err = idx.db.Exec(`
		INSERT INTO files (path, content_hash, message_id, date, from_addr, to_addr, subject, size, mtime, body_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET
			content_hash = excluded.content_hash, message_id = excluded.message_id,
			date = excluded.date, from_addr = excluded.from_addr, to_addr = excluded.to_addr,
			subject = excluded.subject, size = excluded.size, mtime = excluded.mtime,
			body_text = excluded.body_text`,
		f.Path, f.ContentHash, f.MessageID, f.Date, f.From, f.To, f.Subject, f.Size, f.MTime, f.BodyText)
	if err != nil {
		return err
	}
	return idx.rebuildFTS()
}

// Remove deletes a file's row, e.g. after it's moved by Convert/Rebuild.
func (idx *Index) Remove(path string) error {
	_, err := idx.db.Exec(`DELETE FROM files WHERE path = ?`, path)
	return err
}

// Stats reports the current file count and the timestamp of the last
// full Rebuild.
type Stats struct {
	FileCount   int
	LastRebuild time.Time
}

func (idx *Index) Stats() (Stats, error) {
	var s Stats
	if err := idx.db.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&s.FileCount); err != nil {
		return s, err
	}
	raw, err := idx.getMeta("last_rebuild")
	if err == nil && raw != "" {
		s.LastRebuild, _ = time.Parse(time.RFC3339, raw)
	}
	return s, nil
}

// GetByContentHash returns the IndexedFile for a content hash, if any.
func (idx *Index) GetByContentHash(hash string) (*model.IndexedFile, error) {
	row := idx.db.QueryRow(`
		SELECT path, content_hash, message_id, date, from_addr, to_addr, subject, size, mtime
		FROM files WHERE content_hash = ? LIMIT 1`, hash)
	return scanIndexedFile(row)
}

// GetByPath returns the IndexedFile for an exact path, if any.
func (idx *Index) GetByPath(path string) (*model.IndexedFile, error) {
	row := idx.db.QueryRow(`
		SELECT path, content_hash, message_id, date, from_addr, to_addr, subject, size, mtime
		FROM files WHERE path = ?`, path)
	return scanIndexedFile(row)
}

// AllFiles returns every indexed message, ordered by Date ascending and
// then Path lexicographically. If tagPrefix is non-empty, only paths
// having it as a prefix are returned. This is how the Push Engine's
// optional tag filter is implemented: a path-prefix scope over the Tree
// layout's rendered paths.
func (idx *Index) AllFiles(tagPrefix string) ([]model.IndexedFile, error) {
	rows, err := idx.db.Query(`
		SELECT path, content_hash, message_id, date, from_addr, to_addr, subject, size, mtime
		FROM files
		WHERE ? = '' OR starts_with(path, ?)
		ORDER BY date ASC, path ASC`, tagPrefix, tagPrefix)
	if err != nil {
		return nil, fmt.Errorf("searchindex: list files: %w", err)
	}
	defer rows.Close()

	var out []model.IndexedFile
	for rows.Next() {
		var f model.IndexedFile
		var date, mtime sql.NullTime
		if err := rows.Scan(&f.Path, &f.ContentHash, &f.MessageID, &date, &f.From, &f.To,
			&f.Subject, &f.Size, &mtime); err != nil {
			return nil, err
		}
		f.Date = date.Time
		f.ModTime = mtime.Time
		out = append(out, f)
	}
	return out, rows.Err()
}

// AllMessageIds returns every distinct non-empty message id in the index.
func (idx *Index) AllMessageIds() (map[string]bool, error) {
	rows, err := idx.db.Query(`SELECT DISTINCT message_id FROM files WHERE message_id != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// AllContentHashes returns every distinct content hash in the index.
func (idx *Index) AllContentHashes() (map[string]bool, error) {
	rows, err := idx.db.Query(`SELECT DISTINCT content_hash FROM files`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out[h] = true
	}
	return out, rows.Err()
}

func scanIndexedFile(row *sql.Row) (*model.IndexedFile, error) {
	var f model.IndexedFile
	var date, mtime sql.NullTime
	err := row.Scan(&f.Path, &f.ContentHash, &f.MessageID, &date, &f.From, &f.To, &f.Subject, &f.Size, &mtime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.Date = date.Time
	f.ModTime = mtime.Time
	return &f, nil
}

// Hit is one FTS search result with a BM25 score and a body snippet.
type Hit struct {
	model.IndexedFile
	Score   float64
	Snippet string
}

// Search runs a BM25-ranked full text query over subject+body_text,
// returning up to limit hits ordered by descending score, skipping the
// first offset. filter, if non-empty, scopes results to paths under
// that directory: it is cleaned and given a trailing path separator
// before matching, unlike AllFiles' tagPrefix, which is a plain string
// prefix.
func (idx *Index) Search(query string, limit, offset int, filter string) ([]Hit, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	args := []any{query}
	where := "WHERE score IS NOT NULL"
	if filter != "" {
		where += " AND f.path LIKE ? || '%'"
		args = append(args, filepath.Clean(filter)+string(filepath.Separator))
	}
	args = append(args, limit, offset)

	rows, err := idx.db.Query(`
		SELECT f.path, f.content_hash, f.message_id, f.date, f.from_addr, f.to_addr,
		       f.subject, f.size, f.mtime, f.body_text,
		       fts_main_files.match_bm25(f.path, ?) AS score
		FROM files f
		`+where+`
		ORDER BY score DESC
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("searchindex: fts query: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var date, mtime sql.NullTime
		var body string
		if err := rows.Scan(&h.Path, &h.ContentHash, &h.MessageID, &date, &h.From, &h.To,
			&h.Subject, &h.Size, &mtime, &body, &h.Score); err != nil {
			return nil, err
		}
		h.Date = date.Time
		h.ModTime = mtime.Time
		h.Snippet = snippet(body, 200)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func snippet(body string, maxLen int) string {
	body = strings.TrimSpace(body)
	if len(body) <= maxLen {
		return body
	}
	return strings.TrimSpace(body[:maxLen]) + "..."
}

func (idx *Index) setMeta(key, value string) error {
	_, err := idx.db.Exec(`
		INSERT INTO index_meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (idx *Index) getMeta(key string) (string, error) {
	var value string
	err := idx.db.QueryRow(`SELECT value FROM index_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// parsedFile is the Rebuild/AddOrReplace-internal shape produced by
// parsing one .eml file on disk.
type parsedFile struct {
	Path        string
	ContentHash string
	MessageID   string
	Date        time.Time
	From        string
	To          string
	Subject     string
	Size        int64
	MTime       time.Time
	BodyText    string
}

// parseFile reads one .eml file and extracts everything the File+FTS
// Index needs. The content hash is always the SHA-256 of the file's raw
// bytes, never derived from the filename: the Path Template can render
// any shape of name (only some presets embed a hash fragment at all), so
// the identity has to come from the bytes themselves, exactly as the
// Pull Engine computes it for the UID DB.
func parseFile(path string) (parsedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return parsedFile{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return parsedFile{}, err
	}

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return parsedFile{}, fmt.Errorf("parse %s: %w", path, err)
	}

	h := msg.Header
	date, _ := h.Date()
	if date.IsZero() {
		date = info.ModTime()
	}

	subject := DecodeHeader(strings.TrimSpace(h.Get("Subject")))
	from := DecodeHeader(strings.TrimSpace(h.Get("From")))
	to := DecodeHeader(strings.TrimSpace(h.Get("To")))
	body := ExtractBodyText(h.Get("Content-Type"), h.Get("Content-Transfer-Encoding"), msg.Body)

	return parsedFile{
		Path:        path,
		ContentHash: pathtmpl.ContentHash(raw),
		MessageID:   strings.Trim(h.Get("Message-Id"), "<>"),
		Date:        date,
		From:        from,
		To:          to,
		Subject:     subject,
		Size:        info.Size(),
		MTime:       info.ModTime(),
		BodyText:    body,
	}, nil
}
