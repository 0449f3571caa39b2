// Package convert implements the Convert/Rebuild engine: switching a
// Tree-layout archive from one path template to another, and
// re-deriving the File Index and UID DB when their source of truth
// (.eml files, or the Parquet projection) is more trustworthy than the
// database on disk.
package convert

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/mailctl/eml/internal/model"
	"github.com/mailctl/eml/internal/pathtmpl"
	"github.com/mailctl/eml/internal/searchindex"
	"github.com/mailctl/eml/internal/store"
	"github.com/mailctl/eml/internal/uiddb"
	"github.com/mailctl/eml/internal/workdir"
)

// Move describes one file relocated by a layout conversion.
type Move struct {
	Record  model.PulledRecord
	OldPath string
	NewPath string
}

// LayoutResult summarizes one ConvertLayout call.
type LayoutResult struct {
	Moves   []Move
	Moved   int
	Skipped int // old path == new path, nothing to do
}

// ConvertLayout re-renders every pulled message's path under newTemplate,
// writes the bytes at the new location (content-addressed: identical
// bytes write identical paths, so duplicate content never accumulates),
// updates the UID DB's local_path and the Index, and only then removes
// the old file. If dryRun is true, nothing is written; Moves lists
// what would happen.
//
// Per-message failures are logged and skipped rather than aborting the
// whole conversion, since a partial conversion is always resumable
// (records not yet moved still point at their old, valid path).
func ConvertLayout(db *uiddb.DB, st store.Store, idx *searchindex.Index, root workdir.Root, newTemplate pathtmpl.Template, dryRun bool) (LayoutResult, error) {
	records, err := db.ListPulledWithPath()
	if err != nil {
		return LayoutResult{}, fmt.Errorf("convert: list pulled records: %w", err)
	}

	var res LayoutResult
	for _, r := range records {
		oldAbs := filepath.Join(root.Path, r.LocalPath)
		if filepath.IsAbs(r.LocalPath) {
			oldAbs = r.LocalPath
		}

		raw, err := os.ReadFile(oldAbs)
		if err != nil {
			log.Printf("WARN: convert: read %s: %v", oldAbs, err)
			continue
		}

		vars := pathtmpl.Vars{Folder: r.Folder, Raw: raw, Date: r.MsgDate, Subject: r.Subject, From: r.FromAddr, UID: r.UID}
		newRel, err := newTemplate.Render(vars)
		if err != nil {
			return res, fmt.Errorf("convert: render path for uid %d: %w", r.UID, err)
		}
		newAbs := filepath.Join(root.Path, newRel)

		if newAbs == oldAbs {
			res.Skipped++
			continue
		}

		move := Move{Record: r, OldPath: oldAbs, NewPath: newAbs}
		res.Moves = append(res.Moves, move)
		if dryRun {
			continue
		}

		localPath, err := st.Add(r.ContentHash, newRel, raw)
		if err != nil {
			log.Printf("WARN: convert: write %s: %v", newAbs, err)
			continue
		}

		r.LocalPath = localPath
		if err := db.RecordPull(r); err != nil {
			log.Printf("WARN: convert: update record for uid %d: %v", r.UID, err)
			continue
		}

		if idx != nil {
			if err := idx.AddOrReplace(localPath); err != nil {
				log.Printf("WARN: convert: index %s: %v", localPath, err)
			}
			if err := idx.Remove(oldAbs); err != nil {
				log.Printf("WARN: convert: unindex %s: %v", oldAbs, err)
			}
		}

		if err := os.Remove(oldAbs); err != nil && !os.IsNotExist(err) {
			log.Printf("WARN: convert: remove old file %s: %v", oldAbs, err)
		}
		res.Moved++
	}

	return res, nil
}

// RebuildFileIndex re-derives the File Index from .eml files on disk,
// ignoring the UID DB entirely.
func RebuildFileIndex(idx *searchindex.Index) (indexed, failed int, err error) {
	return idx.Rebuild()
}

// RebuildUIDDBFromParquet imports (account, folder, uidvalidity, uid,
// content_hash) rows from the Git-portable Parquet projection, leaving
// message_id and local_path NULL until a later File Index cross-reference
// pass (RebackfillFromIndex) fills them in.
func RebuildUIDDBFromParquet(db *uiddb.DB, parquetPath string) (int, error) {
	return db.ImportParquet(parquetPath)
}

// RebackfillFromIndex fills message_id and local_path into
// pulled_messages rows that were imported from Parquet (and so have a
// content_hash but no path yet) by cross-referencing the File Index
// which already maps content_hash -> path for every .eml on disk. Rows
// with no matching file (content lost, or Index not yet rebuilt) are
// left untouched for a later pass. Returns the number of rows filled.
func RebackfillFromIndex(db *uiddb.DB, idx *searchindex.Index) (int, error) {
	pending, err := db.ListPulledMissingPath()
	if err != nil {
		return 0, fmt.Errorf("convert: list rows missing path: %w", err)
	}

	filled := 0
	for _, r := range pending {
		f, err := idx.GetByContentHash(r.ContentHash)
		if err != nil || f == nil {
			continue
		}
		r.MessageID = f.MessageID
		r.LocalPath = f.Path // store.Add / pull always records the absolute path
		r.Subject = f.Subject
		r.MsgDate = f.Date
		r.FromAddr = f.From
		r.ToAddr = f.To
		r.Status = model.StatusNew
		if err := db.RecordPull(r); err != nil {
			log.Printf("WARN: convert: backfill uid %d: %v", r.UID, err)
			continue
		}
		filled++
	}
	return filled, nil
}
