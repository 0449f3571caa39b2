// Package pathtmpl renders on-disk paths for archived messages from a
// small set of named variables ($folder, $sha8, $subj, ...), following
// either a built-in preset or a raw template string.
package pathtmpl

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrUndefinedVar is the error Render returns when a template
// references a variable name outside the recognized set. Undefined
// variables are a fatal render error, not a silent empty substitution.
type ErrUndefinedVar struct {
	Name string
}

func (e *ErrUndefinedVar) Error() string {
	return fmt.Sprintf("pathtmpl: undefined variable %q", e.Name)
}

// Presets are named templates a caller can select by name instead of
// spelling out the substitution string.
var Presets = map[string]string{
	"default": "$folder/$yyyy/$mm/$dd/${hhmmss}_${sha8}_${subj}.eml",
	"flat":    "$folder/${sha8}_${subj}.eml",
	"monthly": "$folder/$yyyy/$mm/${sha8}_${subj}.eml",
	"daily":   "$folder/$yyyy/$mm/$dd/${sha8}_${subj}.eml",
	"compact": "$folder/$yyyy$mm${dd}_${sha8}.eml",
	"hash2":   "$folder/${sha2}/${sha8}_${subj}.eml",
	"verbose": "$folder/$yyyy/$mm/$dd/${hhmm}_${from}_${subj}_${sha8}.eml",
}

// LegacyPresets maps old preset names used by archives created before
// presets were renamed. tree:year keeps its own literal template rather
// than aliasing another preset name, matching the original tool.
var LegacyPresets = map[string]string{
	"tree:flat":  "flat",
	"tree:year":  "$folder/$yyyy/${sha8}_${subj}.eml",
	"tree:month": "monthly",
	"tree:day":   "daily",
	"tree:hash2": "hash2",
}

// ResolvePreset resolves a preset or legacy-preset name to its template
// string. A name that matches neither table is assumed to already be a
// raw template and is returned unchanged.
func ResolvePreset(layout string) string {
	if resolved, ok := LegacyPresets[layout]; ok {
		if tmpl, ok := Presets[resolved]; ok {
			return tmpl
		}
		return resolved
	}
	if tmpl, ok := Presets[layout]; ok {
		return tmpl
	}
	return layout
}

var (
	reNonAlnum = regexp.MustCompile(`[^a-z0-9]`)
	reUnderRun = regexp.MustCompile(`_+`)
)

var stripPrefixes = []string{"re:", "fwd:", "fw:"}

// SanitizeForPath lowercases s, strips repeated re:/fwd:/fw: prefixes,
// replaces every non-alphanumeric run with a single underscore, trims
// leading/trailing underscores, and truncates to maxLen. An empty result
// becomes "_".
func SanitizeForPath(s string, maxLen int) string {
	if s == "" {
		return "_"
	}
	s = strings.ToLower(s)

	for changed := true; changed; {
		changed = false
		for _, prefix := range stripPrefixes {
			if strings.HasPrefix(s, prefix) {
				s = strings.TrimLeft(s[len(prefix):], " \t")
				changed = true
			}
		}
	}

	s = reNonAlnum.ReplaceAllString(s, "_")
	s = reUnderRun.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")

	if len(s) > maxLen {
		s = strings.TrimRight(s[:maxLen], "_")
	}
	if s == "" {
		return "_"
	}
	return s
}

// ContentHash returns the hex SHA-256 digest of raw message bytes. This
// is the canonical content_hash for the content store and UID DB.
func ContentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%x", sum)
}

// Vars holds the inputs available for template interpolation.
type Vars struct {
	Folder  string
	Raw     []byte
	Date    time.Time
	Subject string
	From    string
	UID     int64
}

// ToMap expands Vars into every named template variable.
func (v Vars) ToMap() map[string]string {
	m := make(map[string]string, 24)
	m["folder"] = v.Folder

	sha := ContentHash(v.Raw)
	m["sha"] = sha
	m["sha2"] = sha[:2]
	m["sha4"] = sha[:4]
	m["sha8"] = sha[:8]
	m["sha16"] = sha[:16]
	m["sha32"] = sha[:32]

	dt := v.Date
	if dt.IsZero() {
		dt = time.Now()
	}
	m["yyyy"] = dt.Format("2006")
	m["yy"] = dt.Format("06")
	m["mm"] = dt.Format("01")
	m["dd"] = dt.Format("02")
	m["hh"] = dt.Format("15")
	m["MM"] = dt.Format("04")
	m["ss"] = dt.Format("05")
	m["hhmm"] = dt.Format("1504")
	m["hhmmss"] = dt.Format("150405")

	m["subj"] = SanitizeForPath(v.Subject, 30)
	m["subj10"] = SanitizeForPath(v.Subject, 10)
	m["subj20"] = SanitizeForPath(v.Subject, 20)
	m["subj40"] = SanitizeForPath(v.Subject, 40)
	m["subj60"] = SanitizeForPath(v.Subject, 60)

	m["from"] = SanitizeForPath(v.From, 20)
	m["from10"] = SanitizeForPath(v.From, 10)
	m["from30"] = SanitizeForPath(v.From, 30)

	m["uid"] = fmt.Sprintf("%d", v.UID)

	return m
}

// Template renders a path template (preset name, legacy alias, or raw
// template string) against a set of Vars.
type Template struct {
	Original string
	Resolved string
}

// New resolves layout (a preset name, legacy alias, or raw template) and
// returns a Template ready to Render.
func New(layout string) Template {
	return Template{Original: layout, Resolved: ResolvePreset(layout)}
}

// Render substitutes every $var/${var} in the template with its value
// from vars.ToMap(). A variable name outside the recognized set is a
// fatal render error, returned as *ErrUndefinedVar.
func (t Template) Render(vars Vars) (string, error) {
	return substitute(t.Resolved, vars.ToMap())
}

var reVar = regexp.MustCompile(`\$\{([a-zA-Z0-9_]+)\}|\$([a-zA-Z_][a-zA-Z0-9_]*)`)

func substitute(tmpl string, vars map[string]string) (string, error) {
	var firstErr error
	out := reVar.ReplaceAllStringFunc(tmpl, func(match string) string {
		if firstErr != nil {
			return ""
		}
		groups := reVar.FindStringSubmatch(match)
		name := groups[1]
		if name == "" {
			name = groups[2]
		}
		val, ok := vars[name]
		if !ok {
			firstErr = &ErrUndefinedVar{Name: name}
			return ""
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}
