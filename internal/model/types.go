// Package model defines the core data types shared across the archive and
// migration engines: accounts, folders, pulled records, sync runs, and the
// error-kind taxonomy used to decide whether a failure is local (counted,
// loop continues) or fatal (run aborts).
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewTag generates a short random correlation id: the first 8 characters
// of a fresh UUID.
func NewTag() string {
	return uuid.NewString()[:8]
}

// AccountType selects the IMAP connection profile.
type AccountType string

const (
	AccountGmail   AccountType = "gmail"
	AccountZoho    AccountType = "zoho"
	AccountGeneric AccountType = "generic"
)

// Account is a logical IMAP source/destination. Immutable during a run.
type Account struct {
	Name     string
	Type     AccountType
	User     string
	Password string
	Host     string
	Port     int // default 993
}

// DefaultFolder returns the folder synced when none is specified.
func (a Account) DefaultFolder() string {
	if a.Type == AccountGmail {
		return "[Gmail]/All Mail"
	}
	return "INBOX"
}

// ResolvedHost returns Host, defaulting by account Type for gmail/zoho.
func (a Account) ResolvedHost() string {
	if a.Host != "" {
		return a.Host
	}
	switch a.Type {
	case AccountGmail:
		return "imap.gmail.com"
	case AccountZoho:
		return "imap.zoho.com"
	default:
		return ""
	}
}

// ResolvedPort returns Port, defaulting to 993 (implicit TLS).
func (a Account) ResolvedPort() int {
	if a.Port != 0 {
		return a.Port
	}
	return 993
}

// PullStatus is the outcome recorded for one (folder, uidvalidity, uid).
type PullStatus string

const (
	StatusNew     PullStatus = "new"
	StatusSkipped PullStatus = "skipped"
	StatusFailed  PullStatus = "failed"
)

// PulledRecord is the primary-key (Account, Folder, UIDValidity, UID) row
// tracked by the UID DB.
type PulledRecord struct {
	Account     string
	Folder      string
	UIDValidity int64
	UID         int64

	ContentHash string
	MessageID   string
	LocalPath   string
	PulledAt    time.Time
	Status      PullStatus
	SyncRunID   int64
	Subject     string
	MsgDate     time.Time
	FromAddr    string
	ToAddr      string
	InReplyTo   string
	References  string // space-joined message ids
	Error       string
}

// ServerUID is a cached row of what a UID SEARCH ALL last returned.
type ServerUID struct {
	Account     string
	Folder      string
	UIDValidity int64
	UID         int64
	MessageID   string
	LastSeen    time.Time
}

// FolderSnapshot drives the UID-cache TTL for one (account, folder).
type FolderSnapshot struct {
	Account      string
	Folder       string
	UIDValidity  int64
	MessageCount int
	LastChecked  time.Time
}

// Operation distinguishes a Pull run from a Push run.
type Operation string

const (
	OpPull Operation = "pull"
	OpPush Operation = "push"
)

// RunStatus is the lifecycle state of a SyncRun.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
	RunFailed    RunStatus = "failed"
)

// SyncRun is one invocation of the Pull or Push engine.
type SyncRun struct {
	ID        int64
	Operation Operation
	Account   string
	Folder    string
	Tag       string
	StartedAt time.Time
	EndedAt   time.Time
	Status    RunStatus
	Total     int
	Fetched   int
	Skipped   int
	Failed    int
	Error     string
}

// IndexedFile is one .eml on disk as recorded by the File Index.
type IndexedFile struct {
	Path        string
	ContentHash string
	MessageID   string
	Date        time.Time
	From        string
	To          string
	Subject     string
	Size        int64
	ModTime     time.Time
}

// FailureRecord is a retriable per-UID error, persisted in the Failure Log.
type FailureRecord struct {
	UID       int64     `yaml:"uid"`
	Error     string    `yaml:"error"`
	Timestamp time.Time `yaml:"timestamp"`
}

// Kind classifies an error for the purposes of the fetch/push loop:
// transient errors are counted and retried on the next UID, fatal errors
// abort the run immediately.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindImapTransient
	KindImapFatal
	KindParse
	KindWrite
	KindSchema
	KindConcurrency
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindImapTransient:
		return "ImapTransient"
	case KindImapFatal:
		return "ImapFatal"
	case KindParse:
		return "ParseError"
	case KindWrite:
		return "WriteError"
	case KindSchema:
		return "SchemaError"
	case KindConcurrency:
		return "ConcurrencyError"
	default:
		return "Error"
	}
}

// KindError wraps a cause with a classification kind.
type KindError struct {
	Kind  Kind
	Cause error
}

func (e *KindError) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *KindError) Unwrap() error { return e.Cause }

// Wrap returns a KindError of the given kind wrapping err, or nil if err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Cause: err}
}

// KindOf returns the Kind of err if it (or something it wraps) is a
// *KindError, else KindUnknown.
func KindOf(err error) Kind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err should be counted against the
// consecutive-error budget but not abort the run immediately.
func IsTransient(err error) bool {
	return KindOf(err) == KindImapTransient
}
