// Package faillog persists retriable per-UID failures from a Pull run
// to a YAML file, one per (account, folder), sorted by UID so
// repeated runs produce stable diffs when the log is Git-tracked.
package faillog

import (
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mailctl/eml/internal/model"
)

// Log is the on-disk shape of one failure log file.
type Log struct {
	Account   string               `yaml:"account"`
	Folder    string               `yaml:"folder"`
	Failures  []model.FailureRecord `yaml:"failures"`
}

// Load reads a failure log from path. A missing file is not an error;
// it returns an empty Log for account/folder.
func Load(path, account, folder string) (Log, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Log{Account: account, Folder: folder}, nil
		}
		return Log{}, err
	}
	var l Log
	if err := yaml.Unmarshal(data, &l); err != nil {
		return Log{}, err
	}
	return l, nil
}

// RecordFailure upserts one UID's failure into the log at path and
// rewrites the file, sorted by UID.
func RecordFailure(path, account, folder string, rec model.FailureRecord) error {
	l, err := Load(path, account, folder)
	if err != nil {
		return err
	}
	l.Account = account
	l.Folder = folder

	replaced := false
	for i := range l.Failures {
		if l.Failures[i].UID == rec.UID {
			l.Failures[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		l.Failures = append(l.Failures, rec)
	}
	sort.Slice(l.Failures, func(i, j int) bool { return l.Failures[i].UID < l.Failures[j].UID })

	return save(path, l)
}

// ClearUID removes one UID's failure entry, e.g. after a retry succeeds.
func ClearUID(path, account, folder string, uid int64) error {
	l, err := Load(path, account, folder)
	if err != nil {
		return err
	}
	out := l.Failures[:0]
	for _, f := range l.Failures {
		if f.UID != uid {
			out = append(out, f)
		}
	}
	l.Failures = out
	return save(path, l)
}

func save(path string, l Log) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := yaml.Marshal(l)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
