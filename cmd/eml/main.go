// eml archives and migrates email between IMAP mailboxes into a durable,
// Git-trackable local store.
//
// Usage:
//
//	eml pull        Fetch new messages from the source account/folder
//	eml push        Re-upload locally archived messages to a destination
//	eml convert     Re-render the store under a new path template
//	eml status      Print the in-progress sync status (finished runs are not shown)
//	eml fix-dates   Fix .eml mtimes from their Date header
//	eml version     Print version information
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mailctl/eml/internal/convert"
	"github.com/mailctl/eml/internal/imapclient"
	"github.com/mailctl/eml/internal/maintenance"
	"github.com/mailctl/eml/internal/model"
	"github.com/mailctl/eml/internal/pathtmpl"
	"github.com/mailctl/eml/internal/pull"
	"github.com/mailctl/eml/internal/push"
	"github.com/mailctl/eml/internal/searchindex"
	"github.com/mailctl/eml/internal/store"
	"github.com/mailctl/eml/internal/syncstatus"
	"github.com/mailctl/eml/internal/uiddb"
	"github.com/mailctl/eml/internal/workdir"
)

var version = "1.0.0-dev"

// exit codes for engine entry points.
const (
	exitOK          = 0
	exitUserError   = 1
	exitConcurrency = 2
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string) bool {
	v := os.Getenv(key)
	return v == "1" || v == "true" || v == "yes"
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// envDate parses a "2006-01-02" date from the environment, returning the
// zero time (unbounded) if unset or unparsable.
func envDate(key string) time.Time {
	v := os.Getenv(key)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func filterFromEnv() imapclient.FilterConfig {
	return imapclient.FilterConfig{
		Addresses:     envList("ADDRESSES"),
		Domains:       envList("DOMAINS"),
		FromAddresses: envList("FROM_ADDRESSES"),
		FromDomains:   envList("FROM_DOMAINS"),
	}
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUserError)
	}

	switch os.Args[1] {
	case "pull":
		os.Exit(runPull())
	case "push":
		os.Exit(runPush())
	case "convert":
		os.Exit(runConvert())
	case "status":
		os.Exit(runStatus())
	case "fix-dates":
		os.Exit(runFixDates())
	case "thread":
		os.Exit(runThread())
	case "version":
		fmt.Printf("eml %s\n", version)
	default:
		printUsage()
		os.Exit(exitUserError)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: eml <command>

Commands:
  pull        Fetch new messages from the source account/folder
  push        Re-upload locally archived messages to a destination
  convert     Re-render the store under a new path template
  status      Print the in-progress sync status (finished runs are not shown)
  fix-dates   Fix .eml mtimes from their Date header
  thread <message-id>  Print a message's thread (§4.L) from the UID DB
  version     Print version information

Environment (source/shared):
  WORKDIR             Archive root directory (default: ./archive)
  LAYOUT              Path template preset, legacy alias, or raw template
                      (default: default); "sqlite" selects the SQLite store
  ACCOUNT             Account name (default: source)
  ACCOUNT_TYPE        gmail | zoho | generic (default: generic)
  IMAP_USER           IMAP login user
  IMAP_PASSWORD       IMAP login password
  IMAP_HOST           IMAP host (required for generic accounts)
  IMAP_PORT           IMAP port (default: 993)
  FOLDER              Source/destination mailbox (default depends on ACCOUNT_TYPE)
  TAG                 Correlation tag / local-store scope, optional

Pull-only:
  DRY_RUN, FULL, RETRY        1/true/yes to enable
  LIMIT                       max UIDs to consider (0 = unlimited)
  CACHE_TTL_MINUTES           UID-cache TTL (0 = always refresh)
  MAX_ERRORS                  consecutive-error abort threshold (default 10)
  CHECKPOINT                  progress report interval (default 100)
  ADDRESSES, DOMAINS          comma-separated; match To/From/Cc
  FROM_ADDRESSES, FROM_DOMAINS  comma-separated; match From only
  START_DATE, END_DATE        YYYY-MM-DD, local Date-header gate

Push-only:
  DEST_ACCOUNT, DEST_ACCOUNT_TYPE, DEST_IMAP_USER, DEST_IMAP_PASSWORD,
  DEST_IMAP_HOST, DEST_IMAP_PORT, DEST_FOLDER
  MAX_SIZE_BYTES              oversize gate (default 26214400, 25 MiB)
  DELAY_MS                    per-message pacing in milliseconds

Convert-only:
  NEW_LAYOUT                  destination path template/preset`)
}

func accountFromEnv(prefix string) model.Account {
	return model.Account{
		Name:     envOr(prefix+"ACCOUNT", "source"),
		Type:     model.AccountType(envOr(prefix+"ACCOUNT_TYPE", "generic")),
		User:     os.Getenv(prefix + "IMAP_USER"),
		Password: os.Getenv(prefix + "IMAP_PASSWORD"),
		Host:     os.Getenv(prefix + "IMAP_HOST"),
		Port:     envIntOr(prefix+"IMAP_PORT", 0),
	}
}

// openArchive resolves the working tree and opens the UID DB, Content
// Store, and File/FTS Index it needs.
func openArchive() (workdir.Root, *uiddb.DB, store.Store, *searchindex.Index, error) {
	root, err := workdir.Resolve(envOr("WORKDIR", "./archive"))
	if err != nil {
		return workdir.Root{}, nil, nil, nil, err
	}

	layout := envOr("LAYOUT", "default")
	db, err := uiddb.Open(root.UIDDBPath())
	if err != nil {
		return root, nil, nil, nil, err
	}
	if uiddb.NeedsRebuildFromParquet(root.UIDDBPath(), root.ParquetPath()) {
		if n, err := db.ImportParquet(root.ParquetPath()); err != nil {
			log.Printf("WARN: rebuild from parquet: %v", err)
		} else {
			log.Printf("INFO: rebuilt %d rows from %s", n, root.ParquetPath())
		}
	}
	if legacy := root.LegacyPullsDBPath(); fileExists(legacy) {
		if n, err := db.ImportLegacyPullsDB(legacy); err != nil {
			log.Printf("WARN: import legacy pulls.db: %v", err)
		} else if n > 0 {
			log.Printf("INFO: imported %d rows from legacy pulls.db", n)
		}
	}

	var st store.Store
	if layout == "sqlite" {
		st, err = store.Open(store.LayoutSQLite, root.Path+"/msgs.db")
	} else {
		st, err = store.Open(store.LayoutTree, root.Path)
	}
	if err != nil {
		db.Close()
		return root, nil, nil, nil, err
	}

	idx, err := searchindex.Open(root.IndexDBPath(), root.Path)
	if err != nil {
		db.Close()
		st.Close()
		return root, nil, nil, nil, err
	}

	return root, db, st, idx, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func runPull() int {
	root, db, st, idx, err := openArchive()
	if err != nil {
		log.Printf("ERROR: %v", err)
		return exitUserError
	}
	defer db.Close()
	defer st.Close()
	defer idx.Close()

	account := accountFromEnv("")
	folder := envOr("FOLDER", account.DefaultFolder())

	client, err := imapclient.DialAccount(account)
	if err != nil {
		log.Printf("ERROR: connect: %v", err)
		return exitUserError
	}
	defer client.Logout()
	if err := client.Login(account.User, account.Password); err != nil {
		log.Printf("ERROR: login: %v", err)
		return exitUserError
	}

	deps := pull.Deps{
		IMAP: client, DB: db, Store: st, Index: idx, Root: root,
		Template: pathtmpl.New(envOr("LAYOUT", "default")),
	}
	opts := pull.Options{
		Account: account, Folder: folder,
		DryRun: envBool("DRY_RUN"), Full: envBool("FULL"), Retry: envBool("RETRY"),
		Limit: envIntOr("LIMIT", 0), CacheTTLMinutes: envIntOr("CACHE_TTL_MINUTES", 0),
		MaxErrors: envIntOr("MAX_ERRORS", 0), Checkpoint: envIntOr("CHECKPOINT", 0),
		Tag:       os.Getenv("TAG"),
		Filter:    filterFromEnv(),
		StartDate: envDate("START_DATE"),
		EndDate:   envDate("END_DATE"),
	}

	res, err := pull.Run(deps, opts)
	if err != nil {
		if _, ok := err.(*syncstatus.ErrAlreadyRunning); ok {
			log.Printf("ERROR: %v", err)
			return exitConcurrency
		}
		log.Printf("ERROR: pull: %v", err)
		return exitUserError
	}

	log.Printf("Found %d, Fetched %d, Skipped (duplicate) %d, Skipped (date) %d, Failed %d%s",
		res.Total, res.Fetched, res.Skipped, res.SkippedDate, res.Failed, abortedSuffix(res.Aborted))
	return exitOK
}

func runPush() int {
	root, db, st, idx, err := openArchive()
	if err != nil {
		log.Printf("ERROR: %v", err)
		return exitUserError
	}
	defer db.Close()
	defer st.Close()
	defer idx.Close()

	dest := accountFromEnv("DEST_")
	folder := envOr("DEST_FOLDER", "INBOX")

	client, err := imapclient.DialAccount(dest)
	if err != nil {
		log.Printf("ERROR: connect: %v", err)
		return exitUserError
	}
	defer client.Logout()
	if err := client.Login(dest.User, dest.Password); err != nil {
		log.Printf("ERROR: login: %v", err)
		return exitUserError
	}

	deps := push.Deps{IMAP: client, Index: idx, Root: root, DB: db}
	opts := push.Options{
		Destination: dest, Folder: folder, Tag: os.Getenv("TAG"),
		DryRun: envBool("DRY_RUN"), Limit: envIntOr("LIMIT", 0),
		MaxSize: int64(envIntOr("MAX_SIZE_BYTES", 0)),
		MaxErrors: envIntOr("MAX_ERRORS", 0),
		Delay:     time.Duration(envIntOr("DELAY_MS", 0)) * time.Millisecond,
		Checkpoint: envIntOr("CHECKPOINT", 0),
	}

	res, err := push.Run(deps, opts)
	if err != nil {
		if _, ok := err.(*syncstatus.ErrAlreadyRunning); ok {
			log.Printf("ERROR: %v", err)
			return exitConcurrency
		}
		log.Printf("ERROR: push: %v", err)
		return exitUserError
	}

	log.Printf("Found %d, Migrated %d, Skipped %d, Failed %d%s",
		res.Total, res.Fetched, res.Skipped, res.Failed, abortedSuffix(res.Aborted))
	return exitOK
}

func runConvert() int {
	root, db, st, idx, err := openArchive()
	if err != nil {
		log.Printf("ERROR: %v", err)
		return exitUserError
	}
	defer db.Close()
	defer st.Close()
	defer idx.Close()

	newLayout := os.Getenv("NEW_LAYOUT")
	if newLayout == "" {
		log.Printf("ERROR: NEW_LAYOUT is required")
		return exitUserError
	}

	res, err := convert.ConvertLayout(db, st, idx, root, pathtmpl.New(newLayout), envBool("DRY_RUN"))
	if err != nil {
		log.Printf("ERROR: convert: %v", err)
		return exitUserError
	}
	log.Printf("Converted: %d moved, %d already in place, %d planned", res.Moved, res.Skipped, len(res.Moves))
	return exitOK
}

func runStatus() int {
	root, err := workdir.Resolve(envOr("WORKDIR", "./archive"))
	if err != nil {
		log.Printf("ERROR: %v", err)
		return exitUserError
	}
	st, ok := syncstatus.Read(root.StatusPath())
	if !ok {
		fmt.Println("no sync in progress")
		return exitOK
	}
	fmt.Printf("%s %s/%s: %d/%d completed, %d skipped, %d failed (pid %d, started %s)\n",
		st.Operation, st.Account, st.Folder, st.Completed, st.Total, st.Skipped, st.Failed,
		st.PID, st.Started.Format(time.RFC3339))
	return exitOK
}

func runFixDates() int {
	root, err := workdir.Resolve(envOr("WORKDIR", "./archive"))
	if err != nil {
		log.Printf("ERROR: %v", err)
		return exitUserError
	}
	res, err := maintenance.FixDates(root.Path)
	if err != nil {
		log.Printf("ERROR: fix-dates: %v", err)
		return exitUserError
	}
	log.Printf("Done: %d fixed, %d skipped, %d errors", res.Fixed, res.Skipped, res.Errors)
	return exitOK
}

func runThread() int {
	if len(os.Args) < 3 {
		log.Printf("ERROR: usage: eml thread <message-id>")
		return exitUserError
	}
	rootMessageID := os.Args[2]

	root, err := workdir.Resolve(envOr("WORKDIR", "./archive"))
	if err != nil {
		log.Printf("ERROR: %v", err)
		return exitUserError
	}
	db, err := uiddb.Open(root.UIDDBPath())
	if err != nil {
		log.Printf("ERROR: %v", err)
		return exitUserError
	}
	defer db.Close()

	thread, err := db.GetThread(rootMessageID)
	if err != nil {
		log.Printf("ERROR: thread: %v", err)
		return exitUserError
	}
	if len(thread.Messages) == 0 {
		fmt.Printf("no thread found for %s\n", rootMessageID)
		return exitOK
	}
	for _, m := range thread.Messages {
		marker := " "
		if m.MessageID == rootMessageID {
			marker = "*"
		}
		fmt.Printf("%s %s  %s\n", marker, m.Date.Format(time.RFC3339), m.MessageID)
	}
	return exitOK
}

func abortedSuffix(aborted bool) string {
	if aborted {
		return " (aborted: consecutive error limit reached)"
	}
	return ""
}
