package searchindex

import (
	"strings"
	"testing"
)

func TestExtractBodyTextPlain(t *testing.T) {
	body := "Hello, this is the plain text body."
	got := ExtractBodyText("text/plain; charset=utf-8", "", strings.NewReader(body))
	if got != body {
		t.Errorf("ExtractBodyText = %q, want %q", got, body)
	}
}

func TestExtractBodyTextHTMLStripped(t *testing.T) {
	html := "<html><body><style>.x{color:red}</style><p>Hello <b>World</b></p></body></html>"
	got := ExtractBodyText("text/html", "", strings.NewReader(html))
	if !strings.Contains(got, "Hello") || !strings.Contains(got, "World") || strings.Contains(got, "<") {
		t.Errorf("ExtractBodyText(html) = %q, expected stripped tags", got)
	}
}

func TestDecodeHeaderPlainPassthrough(t *testing.T) {
	if got := DecodeHeader("Plain Subject"); got != "Plain Subject" {
		t.Errorf("DecodeHeader = %q", got)
	}
}

func TestDecodeHeaderEncodedWord(t *testing.T) {
	got := DecodeHeader("=?UTF-8?B?SGVsbG8=?=")
	if got != "Hello" {
		t.Errorf("DecodeHeader encoded-word = %q, want Hello", got)
	}
}

func TestSnippetTruncates(t *testing.T) {
	long := strings.Repeat("a", 300)
	got := snippet(long, 200)
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected truncated snippet with ellipsis, got %q", got)
	}
	if len(got) > 204 {
		t.Errorf("snippet too long: %d chars", len(got))
	}
}

func TestSnippetShortBodyUnchanged(t *testing.T) {
	short := "short body"
	if got := snippet(short, 200); got != short {
		t.Errorf("snippet(%q) = %q", short, got)
	}
}
