package imapclient

import (
	"reflect"
	"testing"
)

func TestBuildUIDOrQuery(t *testing.T) {
	cases := []struct {
		uids []int64
		want string
	}{
		{[]int64{5}, "UID 5"},
		{[]int64{1, 2}, "OR UID 1 UID 2"},
		{[]int64{1, 2, 3}, "OR UID 1 OR UID 2 UID 3"},
	}
	for _, c := range cases {
		if got := buildUIDOrQuery(c.uids); got != c.want {
			t.Errorf("buildUIDOrQuery(%v) = %q, want %q", c.uids, got, c.want)
		}
	}
}

func TestFilterConfigBuildQuery(t *testing.T) {
	cases := []struct {
		name string
		f    FilterConfig
		want string
	}{
		{"empty", FilterConfig{}, "ALL"},
		{"one from_address", FilterConfig{FromAddresses: []string{"a@x.com"}}, `(FROM "a@x.com")`},
		{"two terms", FilterConfig{FromAddresses: []string{"a@x.com", "b@x.com"}}, `(OR FROM "a@x.com" FROM "b@x.com")`},
		{"three terms", FilterConfig{FromAddresses: []string{"a@x.com", "b@x.com", "c@x.com"}}, `(OR (OR FROM "a@x.com" FROM "b@x.com") FROM "c@x.com")`},
		{"address expands to TO/FROM/CC", FilterConfig{Addresses: []string{"a@x.com"}},
			`(OR (OR TO "a@x.com" FROM "a@x.com") CC "a@x.com")`},
		{"domain expands to TO/FROM/CC", FilterConfig{Domains: []string{"x.com"}},
			`(OR (OR TO "x.com" FROM "x.com") CC "x.com")`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.f.BuildQuery(); got != c.want {
				t.Errorf("BuildQuery() = %q, want %q", got, c.want)
			}
		})
	}
}

func TestFilterConfigIsEmpty(t *testing.T) {
	if !(FilterConfig{}).IsEmpty() {
		t.Error("zero-value FilterConfig should be empty")
	}
	if (FilterConfig{Domains: []string{"x.com"}}).IsEmpty() {
		t.Error("FilterConfig with a domain should not be empty")
	}
}

func TestParseSearchUIDs(t *testing.T) {
	lines := []string{"* SEARCH 1 2 3 4", "A0001 OK done"}
	got := parseSearchUIDs(lines)
	want := []int64{1, 2, 3, 4}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseSearchUIDs = %v, want %v", got, want)
	}
}

func TestParseListLine(t *testing.T) {
	f, ok := parseListLine(`* LIST (\HasNoChildren) "/" "INBOX"`)
	if !ok {
		t.Fatal("expected parse success")
	}
	if f.Name != "INBOX" || f.Delimiter != "/" || f.NoSelect {
		t.Errorf("parsed %+v", f)
	}

	noSel, ok := parseListLine(`* LIST (\Noselect \HasChildren) "/" "[Gmail]"`)
	if !ok || !noSel.NoSelect {
		t.Errorf("expected NoSelect true, got %+v ok=%v", noSel, ok)
	}

	if _, ok := parseListLine("A0001 OK LIST completed"); ok {
		t.Error("tag line should not parse as a folder")
	}
}

func TestExtractOKNumber(t *testing.T) {
	line := "* OK [UIDVALIDITY 123456] UIDs valid"
	if got := extractOKNumber(line, "UIDVALIDITY"); got != 123456 {
		t.Errorf("extractOKNumber = %d, want 123456", got)
	}
}

func TestQuoteUnquote(t *testing.T) {
	q := quote(`he said "hi"`)
	if q != `"he said \"hi\""` {
		t.Errorf("quote = %q", q)
	}
	if got := unquote(`"INBOX"`); got != "INBOX" {
		t.Errorf("unquote = %q", got)
	}
}
