package pathtmpl

import (
	"strings"
	"testing"
	"time"
)

func TestSanitizeForPath(t *testing.T) {
	cases := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"", 30, "_"},
		{"Re: Re: Hello World!", 30, "hello_world"},
		{"Fwd: FW: quarterly report", 30, "quarterly_report"},
		{"   ***   ", 30, "_"},
		{"a very long subject line that exceeds the limit", 10, "a_very_lon"},
	}
	for _, c := range cases {
		got := SanitizeForPath(c.in, c.maxLen)
		if got != c.want {
			t.Errorf("SanitizeForPath(%q, %d) = %q, want %q", c.in, c.maxLen, got, c.want)
		}
	}
}

func TestResolvePreset(t *testing.T) {
	if got := ResolvePreset("flat"); got != Presets["flat"] {
		t.Errorf("flat preset = %q, want %q", got, Presets["flat"])
	}
	if got := ResolvePreset("tree:month"); got != Presets["monthly"] {
		t.Errorf("tree:month = %q, want monthly preset %q", got, Presets["monthly"])
	}
	if got := ResolvePreset("tree:year"); got != LegacyPresets["tree:year"] {
		t.Errorf("tree:year should keep its own literal template, got %q", got)
	}
	raw := "$folder/custom/${sha8}.eml"
	if got := ResolvePreset(raw); got != raw {
		t.Errorf("raw template should pass through unchanged, got %q", got)
	}
}

func TestTemplateRender(t *testing.T) {
	tmpl := New("flat")
	date := time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC)
	v := Vars{
		Folder:  "INBOX",
		Raw:     []byte("hello"),
		Date:    date,
		Subject: "Re: Quarterly Report",
		From:    "alice@example.com",
		UID:     42,
	}
	got, err := tmpl.Render(v)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.HasPrefix(got, "INBOX/") || !strings.HasSuffix(got, "_quarterly_report.eml") {
		t.Errorf("flat render = %q, unexpected shape", got)
	}
}

func TestTemplateRenderBareFromIsTruncatedTo20(t *testing.T) {
	tmpl := New("verbose")
	v := Vars{
		Folder:  "INBOX",
		Raw:     []byte("hello"),
		Date:    time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC),
		Subject: "hi",
		From:    "a_very_long_mailbox_local_part@example.com",
		UID:     1,
	}
	got, err := tmpl.Render(v)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(got, SanitizeForPath(v.From, 20)+"_hi_") {
		t.Errorf("verbose render = %q, want bare $from truncated to 20 chars", got)
	}
	if strings.Contains(got, SanitizeForPath(v.From, 30)) {
		t.Errorf("verbose render = %q, bare $from should not use the 30-char truncation", got)
	}
}

func TestTemplateRenderUndefinedVariableIsFatal(t *testing.T) {
	tmpl := New("$folder/$bogus.eml")
	_, err := tmpl.Render(Vars{Folder: "INBOX"})
	if err == nil {
		t.Fatal("expected an error for an undefined template variable, got nil")
	}
	if !strings.Contains(err.Error(), "bogus") {
		t.Errorf("error %v does not mention the undefined variable name", err)
	}
}

func TestContentHashDeterministic(t *testing.T) {
	h1 := ContentHash([]byte("abc"))
	h2 := ContentHash([]byte("abc"))
	if h1 != h2 {
		t.Fatalf("ContentHash not deterministic: %q != %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
}
