// Package maintenance holds the small ambient filesystem-hygiene
// commands that ride alongside the Pull/Push/Convert engines but aren't
// part of any one component: today, fixing a .eml tree's mtimes to match
// the Date header each message actually carries.
package maintenance

import (
	"bufio"
	"log"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FixDatesResult summarizes one FixDates walk.
type FixDatesResult struct {
	Fixed   int
	Skipped int
	Errors  int
}

// FixDates walks every .eml file under root and sets its mtime to the
// Date header parsed from the message, skipping files whose mtime
// already agrees (within a minute) or whose Date header can't be
// parsed. It never touches file contents.
func FixDates(root string) (FixDatesResult, error) {
	var res FixDatesResult

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".eml") {
			return nil
		}

		date := extractEmailDate(path)
		if date.IsZero() {
			res.Skipped++
			return nil
		}

		info, err := d.Info()
		if err != nil {
			res.Errors++
			return nil
		}

		if info.ModTime().Sub(date).Abs() < time.Minute {
			res.Skipped++
			return nil
		}

		if err := os.Chtimes(path, date, date); err != nil {
			log.Printf("WARN: maintenance: fix-dates %s: %v", path, err)
			res.Errors++
			return nil
		}
		res.Fixed++
		if res.Fixed%1000 == 0 {
			log.Printf("INFO: maintenance: fix-dates progress: %d fixed, %d skipped, %d errors",
				res.Fixed, res.Skipped, res.Errors)
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

// extractEmailDate parses the Date header from an .eml file, falling
// back to a handful of common non-RFC-5322-compliant date layouts seen
// in the wild before giving up.
func extractEmailDate(path string) time.Time {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}
	}
	defer f.Close()

	msg, err := mail.ReadMessage(bufio.NewReader(f))
	if err != nil {
		return time.Time{}
	}

	if date, _ := msg.Header.Date(); !date.IsZero() {
		return date
	}

	raw := strings.TrimSpace(msg.Header.Get("Date"))
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05",
		"2 Jan 2006 15:04:05 -0700",
		"2 Jan 2006 15:04:05",
		time.RFC822Z,
		time.RFC822,
	} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
