// Package push implements the Push Engine: re-uploading locally archived
// messages to a destination IMAP account, gated by size and tracked by a
// per-destination idempotence manifest so repeated runs only ever upload
// a message once.
package push

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mailctl/eml/internal/imapclient"
	"github.com/mailctl/eml/internal/model"
	"github.com/mailctl/eml/internal/pushmanifest"
	"github.com/mailctl/eml/internal/searchindex"
	"github.com/mailctl/eml/internal/syncstatus"
	"github.com/mailctl/eml/internal/uiddb"
	"github.com/mailctl/eml/internal/workdir"
)

// defaultMaxSize is the default oversize gate: 25 MiB.
const defaultMaxSize = 25 * 1024 * 1024

// Deps are the already-open collaborators a Run needs, mirroring
// internal/pull.Deps: the caller owns connecting/closing the IMAP
// session and opening the Index; the engine itself owns no persistent
// state beyond these handles.
type Deps struct {
	IMAP  *imapclient.Client
	Index *searchindex.Index
	Root  workdir.Root
	DB    *uiddb.DB // nil disables sync_runs bookkeeping
}

// Options configures one Push run.
type Options struct {
	Destination model.Account
	Folder      string // destination mailbox, default INBOX
	Tag         string // path-prefix scope over the local store, optional
	DryRun      bool
	Limit       int
	MaxSize     int64 // default 25 MiB
	MaxErrors   int
	Delay       time.Duration // optional per-message pacing
	Checkpoint  int
}

func (o Options) maxSize() int64 {
	if o.MaxSize <= 0 {
		return defaultMaxSize
	}
	return o.MaxSize
}

func (o Options) maxErrors() int {
	if o.MaxErrors <= 0 {
		return 10
	}
	return o.MaxErrors
}

func (o Options) checkpoint() int {
	if o.Checkpoint <= 0 {
		return 100
	}
	return o.Checkpoint
}

func (o Options) folder() string {
	if o.Folder != "" {
		return o.Folder
	}
	return "INBOX"
}

// Result summarizes one completed (or aborted) push run.
type Result struct {
	Total   int
	Fetched int
	Skipped int
	Failed  int
	Aborted bool
	RunID   int64
}

// Run executes the Plan + Upload Loop: messages
// already in the destination's manifest are skipped, oversized messages
// are counted and never uploaded, and a run aborts after MaxErrors
// consecutive failures, leaving the manifest exactly as it was for every
// message not yet confirmed uploaded (so a re-run retries only those).
func Run(deps Deps, opts Options) (Result, error) {
	destination := opts.Destination.Name
	statusPath := deps.Root.StatusPath()

	if !opts.DryRun {
		st, err := syncstatus.Acquire(statusPath, syncstatus.OpPush, destination, opts.folder(), 0)
		if err != nil {
			return Result{}, err
		}
		defer syncstatus.Release(statusPath)
		_ = st
	}

	manifestPath := deps.Root.PushManifestPath(destination)
	manifest, err := pushmanifest.Load(manifestPath)
	if err != nil {
		return Result{}, fmt.Errorf("push: load manifest: %w", err)
	}

	files, err := deps.Index.AllFiles(opts.Tag)
	if err != nil {
		return Result{}, fmt.Errorf("push: list local store: %w", err)
	}

	candidates, noMessageID := planCandidates(files, manifest, opts.Limit)
	if noMessageID > 0 {
		log.Printf("WARN: push: %d local message(s) with no Message-ID skipped (no idempotence key)", noMessageID)
	}
	total := len(candidates)

	run := model.SyncRun{Operation: model.OpPush, Account: destination, Folder: opts.folder(), Tag: opts.Tag, StartedAt: time.Now(), Total: total}
	var runID int64
	if !opts.DryRun && deps.DB != nil {
		runID, err = deps.DB.StartRun(run)
		if err != nil {
			return Result{}, fmt.Errorf("push: start run: %w", err)
		}
	}

	res := Result{Total: total, RunID: runID}
	consecutiveErrors := 0

	if !opts.DryRun {
		st, _ := syncstatus.Read(statusPath)
		st.Total = total
		syncstatus.Update(statusPath, &st, 0, 0, 0, "")
	}

	for i, f := range candidates {
		if f.Size > opts.maxSize() {
			res.Skipped++
			continue
		}

		if opts.DryRun {
			res.Fetched++
			continue
		}

		raw, err := os.ReadFile(f.Path)
		if err != nil {
			res.Failed++
			consecutiveErrors++
			if consecutiveErrors >= opts.maxErrors() {
				res.Aborted = true
				finishRun(deps, runID, run, res, opts.DryRun)
				return res, nil
			}
			continue
		}

		if err := deps.IMAP.Append(opts.folder(), raw, f.Date); err != nil {
			res.Failed++
			consecutiveErrors++
			if consecutiveErrors >= opts.maxErrors() {
				res.Aborted = true
				finishRun(deps, runID, run, res, opts.DryRun)
				return res, nil
			}
			if opts.Delay > 0 {
				time.Sleep(opts.Delay)
			}
			continue
		}

		if err := manifest.Add(f.MessageID); err != nil {
			return res, fmt.Errorf("push: record manifest entry: %w", err)
		}
		_ = pushmanifest.AppendLog(deps.Root.PushLogPath(destination), pushmanifest.UploadRecord{
			Timestamp: time.Now(), Account: destination, MessageID: f.MessageID, Subject: f.Subject, Path: f.Path,
		})

		res.Fetched++
		consecutiveErrors = 0

		if (i+1)%opts.checkpoint() == 0 || i == len(candidates)-1 {
			st, _ := syncstatus.Read(statusPath)
			syncstatus.Update(statusPath, &st, res.Fetched+res.Skipped+res.Failed, res.Skipped, res.Failed, f.Subject)
		}

		if opts.Delay > 0 {
			time.Sleep(opts.Delay)
		}
	}

	finishRun(deps, runID, run, res, opts.DryRun)
	return res, nil
}

func finishRun(deps Deps, runID int64, run model.SyncRun, res Result, dryRun bool) {
	if dryRun || deps.DB == nil {
		return
	}
	run.EndedAt = time.Now()
	run.Fetched, run.Skipped, run.Failed = res.Fetched, res.Skipped, res.Failed
	run.Status = model.RunCompleted
	if res.Aborted {
		run.Status = model.RunAborted
	}
	deps.DB.FinishRun(runID, run)
}

// manifestChecker is the subset of *pushmanifest.Manifest planCandidates
// needs, so it can be unit tested against a fake.
type manifestChecker interface {
	Has(messageID string) bool
}

// planCandidates applies the push plan: messages with no
// Message-ID are excluded from the manifest key set entirely (returned
// separately as a count), messages already in the manifest are skipped,
// and the remainder is capped at limit. files is assumed already
// ordered (AllFiles sorts by date then path).
func planCandidates(files []model.IndexedFile, manifest manifestChecker, limit int) (candidates []model.IndexedFile, noMessageID int) {
	for _, f := range files {
		if f.MessageID == "" {
			noMessageID++
			continue
		}
		if manifest.Has(f.MessageID) {
			continue
		}
		candidates = append(candidates, f)
	}
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, noMessageID
}
