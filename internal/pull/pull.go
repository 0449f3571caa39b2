// Package pull implements the Pull Engine: the plan/fetch-loop that
// copies messages from one IMAP folder into the local Content Store,
// recording everything it did in the UID DB so a later invocation picks
// up exactly where it left off. It never issues STORE/EXPUNGE and never
// marks a source message \Seen: internal/imapclient already guarantees
// that with BODY.PEEK.
package pull

import (
	"bufio"
	"bytes"
	"fmt"
	"log"
	"net/mail"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/mailctl/eml/internal/faillog"
	"github.com/mailctl/eml/internal/imapclient"
	"github.com/mailctl/eml/internal/model"
	"github.com/mailctl/eml/internal/pathtmpl"
	"github.com/mailctl/eml/internal/searchindex"
	"github.com/mailctl/eml/internal/store"
	"github.com/mailctl/eml/internal/syncstatus"
	"github.com/mailctl/eml/internal/uiddb"
	"github.com/mailctl/eml/internal/workdir"
)

// Deps are the already-open collaborators a Run needs. Engines own no
// persistent state beyond these handles: the caller opens and closes
// the IMAP connection, the UID DB, the Content Store and the Index, and
// passes them in.
type Deps struct {
	IMAP     *imapclient.Client
	DB       *uiddb.DB
	Store    store.Store
	Index    *searchindex.Index // nil disables incremental indexing
	Root     workdir.Root
	Template pathtmpl.Template
}

// Options configures one Pull run.
type Options struct {
	Account         model.Account
	Folder          string
	DryRun          bool
	Full            bool
	Retry           bool
	Limit           int
	CacheTTLMinutes int
	MaxErrors       int
	Checkpoint      int
	Tag             string

	// Filter narrows the candidate set by address/domain (§4.A). A zero
	// value matches every message, the same as an unset filter.
	Filter imapclient.FilterConfig
	// StartDate/EndDate gate candidates by Date header, applied locally
	// after the header fetch (no SINCE/BEFORE is ever sent to the
	// server). Zero value means unbounded.
	StartDate time.Time
	EndDate   time.Time
}

// inRange reports whether d falls within the configured date bounds.
// A zero bound is unbounded; a zero d (missing Date header) always
// passes, since there is nothing to gate on.
func (o Options) inRange(d time.Time) bool {
	if d.IsZero() {
		return true
	}
	if !o.StartDate.IsZero() && d.Before(o.StartDate) {
		return false
	}
	if !o.EndDate.IsZero() && d.After(o.EndDate) {
		return false
	}
	return true
}

// Result summarizes one completed (or aborted) run.
type Result struct {
	Total       int
	Fetched     int
	Skipped     int
	SkippedDate int
	Failed      int
	Aborted     bool
	RunID       int64
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

// Run executes the full Plan + Fetch Loop + Post-loop sequence and
// returns once the run has ended (completed, aborted, or returns a
// non-nil error for a setup failure before any UID was touched).
func Run(deps Deps, opts Options) (Result, error) {
	account := opts.Account.Name
	folder := opts.Folder
	statusPath := deps.Root.StatusPath()
	failLogPath := deps.Root.FailureLogPath(account, folderSlug(folder))

	if !opts.DryRun {
		st, err := syncstatus.Acquire(statusPath, syncstatus.OpPull, account, folder, 0)
		if err != nil {
			return Result{}, err
		}
		defer syncstatus.Release(statusPath)
		_ = st
	}

	info, err := deps.IMAP.Select(folder)
	if err != nil {
		return Result{}, fmt.Errorf("pull: select %s: %w", folder, err)
	}

	storedUIDValidity, hadPrior, err := deps.DB.GetUIDValidity(account, folder)
	if err != nil {
		return Result{}, fmt.Errorf("pull: get uidvalidity: %w", err)
	}
	if hadPrior && storedUIDValidity != info.UIDValidity {
		// Old epoch is now dead; its records stay, the new epoch starts empty.
		log.Printf("WARN: pull: %s/%s UIDVALIDITY changed from %d to %d; earlier UIDs belong to a dead epoch",
			account, folder, storedUIDValidity, info.UIDValidity)
	}

	pulled, err := deps.DB.GetPulledUIDs(account, folder, info.UIDValidity)
	if err != nil {
		return Result{}, fmt.Errorf("pull: get pulled uids: %w", err)
	}

	serverUIDs, err := resolveServerUIDs(deps, opts, info.UIDValidity)
	if err != nil {
		return Result{}, err
	}

	fails, err := faillog.Load(failLogPath, account, folder)
	if err != nil {
		return Result{}, fmt.Errorf("pull: load failure log: %w", err)
	}

	candidates := composeCandidates(opts, serverUIDs, pulled, fails)
	candidates, err = filterByAddressDomain(deps.IMAP, candidates, opts.Filter)
	if err != nil {
		return Result{}, fmt.Errorf("pull: filter query: %w", err)
	}
	total := len(candidates)

	run := model.SyncRun{Operation: model.OpPull, Account: account, Folder: folder, Tag: opts.Tag, StartedAt: time.Now(), Total: total}
	var runID int64
	if !opts.DryRun {
		runID, err = deps.DB.StartRun(run)
		if err != nil {
			return Result{}, fmt.Errorf("pull: start run: %w", err)
		}
		st, _ := syncstatus.Read(statusPath)
		st.Total = total
		syncstatus.Update(statusPath, &st, 0, 0, 0, "")
	}

	res := Result{Total: total, RunID: runID}
	consecutiveErrors := 0

	for i, uid := range candidates {
		headers, err := deps.IMAP.FetchHeaders([]int64{uid})
		if err != nil || headers[uid] == nil {
			res.Failed++
			consecutiveErrors++
			recordFailure(deps, opts, failLogPath, account, folder, info.UIDValidity, runID, uid, errString(err, "empty header response"))
			if consecutiveErrors >= opts.maxErrors() {
				res.Aborted = true
				finishRun(deps, runID, run, res, opts.DryRun)
				return res, nil
			}
			continue
		}

		meta, parseErr := parseHeaderBlock(headers[uid])
		if parseErr != nil {
			meta = headerMeta{}
		}
		subject := meta.Subject
		if subject == "" {
			subject = "(no subject)"
		}

		if !opts.inRange(meta.Date) {
			res.SkippedDate++
			continue
		}

		if opts.DryRun {
			res.Fetched++
			continue
		}

		raw, err := deps.IMAP.FetchRaw([]int64{uid})
		if err != nil || raw[uid] == nil {
			res.Failed++
			consecutiveErrors++
			recordFailure(deps, opts, failLogPath, account, folder, info.UIDValidity, runID, uid, errString(err, "empty body response"))
			recordFailedWithSubject(deps, account, folder, info.UIDValidity, runID, uid, meta, errString(err, "empty body response"))
			if consecutiveErrors >= opts.maxErrors() {
				res.Aborted = true
				finishRun(deps, runID, run, res, opts.DryRun)
				return res, nil
			}
			continue
		}

		body := raw[uid]
		hash := pathtmpl.ContentHash(body)

		record := model.PulledRecord{
			Account: account, Folder: folder, UIDValidity: info.UIDValidity, UID: uid,
			ContentHash: hash, MessageID: meta.MessageID, Subject: subject, MsgDate: meta.Date,
			FromAddr: meta.From, ToAddr: meta.To, InReplyTo: meta.InReplyTo, References: meta.References,
			SyncRunID: runID, Status: model.StatusNew,
		}

		if existingPath, ok, _ := deps.DB.GetPathByContentHash(hash); ok && existingPath != "" {
			record.Status = model.StatusSkipped
			record.LocalPath = existingPath
			res.Skipped++
		} else {
			vars := pathtmpl.Vars{Folder: folder, Raw: body, Date: meta.Date, Subject: subject, From: meta.From, UID: uid}
			relPath, err := deps.Template.Render(vars)
			if err != nil {
				res.Failed++
				consecutiveErrors++
				recordFailure(deps, opts, failLogPath, account, folder, info.UIDValidity, runID, uid, err.Error())
				if consecutiveErrors >= opts.maxErrors() {
					res.Aborted = true
					finishRun(deps, runID, run, res, opts.DryRun)
					return res, nil
				}
				continue
			}
			localPath, err := deps.Store.Add(hash, relPath, body)
			if err != nil {
				res.Failed++
				consecutiveErrors++
				recordFailure(deps, opts, failLogPath, account, folder, info.UIDValidity, runID, uid, err.Error())
				if consecutiveErrors >= opts.maxErrors() {
					res.Aborted = true
					finishRun(deps, runID, run, res, opts.DryRun)
					return res, nil
				}
				continue
			}
			record.LocalPath = localPath
			res.Fetched++

			if deps.Index != nil {
				if err := deps.Index.AddOrReplace(localPath); err != nil {
					// Indexing failure does not fail the pull; the file is
					// already safely stored and a later Rebuild recovers it.
				}
			}
		}

		if err := deps.DB.RecordPull(record); err != nil {
			return res, fmt.Errorf("pull: record pull uid %d: %w", uid, err)
		}
		faillog.ClearUID(failLogPath, account, folder, uid)
		consecutiveErrors = 0

		if (i+1)%opts.checkpoint() == 0 || i == len(candidates)-1 {
			st, _ := syncstatus.Read(statusPath)
			syncstatus.Update(statusPath, &st, res.Fetched+res.Skipped+res.SkippedDate+res.Failed, res.Skipped+res.SkippedDate, res.Failed, subject)
		}
	}

	finishRun(deps, runID, run, res, opts.DryRun)
	return res, nil
}

func finishRun(deps Deps, runID int64, run model.SyncRun, res Result, dryRun bool) {
	if dryRun {
		return
	}
	run.EndedAt = time.Now()
	run.Fetched, run.Skipped, run.Failed = res.Fetched, res.Skipped+res.SkippedDate, res.Failed
	run.Status = model.RunCompleted
	if res.Aborted {
		run.Status = model.RunAborted
	}
	deps.DB.FinishRun(runID, run)
}

func recordFailure(deps Deps, opts Options, path, account, folder string, uidvalidity, runID, uid int64, msg string) {
	if opts.DryRun {
		return
	}
	faillog.RecordFailure(path, account, folder, model.FailureRecord{UID: uid, Error: msg, Timestamp: time.Now()})
	deps.DB.RecordPull(model.PulledRecord{
		Account: account, Folder: folder, UIDValidity: uidvalidity, UID: uid,
		Status: model.StatusFailed, Error: msg, SyncRunID: runID,
	})
}

func recordFailedWithSubject(deps Deps, account, folder string, uidvalidity, runID, uid int64, meta headerMeta, msg string) {
	deps.DB.RecordPull(model.PulledRecord{
		Account: account, Folder: folder, UIDValidity: uidvalidity, UID: uid,
		Status: model.StatusFailed, Error: msg, SyncRunID: runID,
		MessageID: meta.MessageID, Subject: meta.Subject, MsgDate: meta.Date,
	})
}

func errString(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}

// resolveServerUIDs returns the authoritative set of UIDs to consider
// pulling, refreshing the server_uids cache via UID SEARCH ALL when it
// is absent or stale.
func resolveServerUIDs(deps Deps, opts Options, uidvalidity int64) (map[int64]bool, error) {
	account, folder := opts.Account.Name, opts.Folder

	cached, err := deps.DB.GetServerUIDs(account, folder, uidvalidity)
	if err != nil {
		return nil, err
	}

	fresh := false
	if len(cached) > 0 && opts.CacheTTLMinutes > 0 {
		lastChecked, ok, err := deps.DB.GetServerFolderLastChecked(account, folder, uidvalidity)
		if err != nil {
			return nil, err
		}
		if ok && time.Since(lastChecked) < time.Duration(opts.CacheTTLMinutes)*time.Minute {
			fresh = true
		}
	}

	if fresh && !opts.Full {
		return cached, nil
	}

	uids, err := deps.IMAP.UIDSearchAll()
	if err != nil {
		return nil, err
	}
	serverUIDs := make([]model.ServerUID, len(uids))
	set := make(map[int64]bool, len(uids))
	for i, u := range uids {
		serverUIDs[i] = model.ServerUID{Account: account, Folder: folder, UIDValidity: uidvalidity, UID: u}
		set[u] = true
	}
	if err := deps.DB.RecordServerUIDs(account, folder, uidvalidity, serverUIDs); err != nil {
		return nil, err
	}
	if err := deps.DB.RecordServerFolder(model.FolderSnapshot{
		Account: account, Folder: folder, UIDValidity: uidvalidity, MessageCount: len(uids),
	}); err != nil {
		return nil, err
	}
	return set, nil
}

// composeCandidates picks the UID list to fetch this run and sorts it
// ascending.
func composeCandidates(opts Options, serverUIDs map[int64]bool, pulled map[int64]bool, fails faillog.Log) []int64 {
	var uids []int64
	switch {
	case opts.Retry:
		for _, f := range fails.Failures {
			uids = append(uids, f.UID)
		}
	case opts.Full:
		for u := range serverUIDs {
			uids = append(uids, u)
		}
	default:
		for u := range serverUIDs {
			if !pulled[u] {
				uids = append(uids, u)
			}
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if opts.Limit > 0 && len(uids) > opts.Limit {
		uids = uids[:opts.Limit]
	}
	return uids
}

// filterByAddressDomain narrows candidates to those the server reports
// as matching filter's address/domain query (§4.A), preserving
// candidates' existing order. An empty filter is a no-op.
func filterByAddressDomain(imap *imapclient.Client, candidates []int64, filter imapclient.FilterConfig) ([]int64, error) {
	if filter.IsEmpty() || len(candidates) == 0 {
		return candidates, nil
	}
	matched, err := imap.UIDSearch(filter.BuildQuery())
	if err != nil {
		return nil, err
	}
	matchSet := make(map[int64]bool, len(matched))
	for _, u := range matched {
		matchSet[u] = true
	}
	out := candidates[:0:0]
	for _, u := range candidates {
		if matchSet[u] {
			out = append(out, u)
		}
	}
	return out, nil
}

// headerMeta is what parseHeaderBlock extracts from one header-only fetch.
type headerMeta struct {
	Subject    string
	From       string
	To         string
	MessageID  string
	InReplyTo  string
	References string
	Date       time.Time
}

func parseHeaderBlock(raw []byte) (headerMeta, error) {
	if !bytes.HasSuffix(raw, []byte("\r\n\r\n")) {
		raw = append(raw, []byte("\r\n\r\n")...)
	}
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	hdr, err := tp.ReadMIMEHeader()
	if err != nil && len(hdr) == 0 {
		return headerMeta{}, err
	}

	m := headerMeta{
		Subject:   searchindex.DecodeHeader(strings.TrimSpace(hdr.Get("Subject"))),
		From:      searchindex.DecodeHeader(strings.TrimSpace(hdr.Get("From"))),
		To:        searchindex.DecodeHeader(strings.TrimSpace(hdr.Get("To"))),
		MessageID: strings.Trim(strings.TrimSpace(hdr.Get("Message-Id")), "<>"),
		InReplyTo: strings.Trim(strings.TrimSpace(hdr.Get("In-Reply-To")), "<>"),
	}
	var refs []string
	for _, ref := range strings.Fields(hdr.Get("References")) {
		refs = append(refs, strings.Trim(ref, "<>"))
	}
	m.References = strings.Join(refs, " ")
	if d := hdr.Get("Date"); d != "" {
		if t, err := mail.ParseDate(d); err == nil {
			m.Date = t
		}
	}
	return m, nil
}

// folderSlug turns an IMAP folder name into a filesystem-safe component
// for the Failure Log path ([Gmail]/All Mail -> gmail_all_mail).
func folderSlug(folder string) string {
	return pathtmpl.SanitizeForPath(folder, 60)
}
