// Package imapclient is a small buffered IMAP4rev1 client built for
// archiving: UID-stable SEARCH/FETCH, header-only fetches via
// BODY.PEEK[HEADER.FIELDS], full RFC822-message fetch via BODY.PEEK[]
// (so \Seen is never set), and APPEND for
// the Push Engine. It never issues STORE or EXPUNGE; messages are only
// ever read from or appended to a mailbox, never deleted or flagged.
package imapclient

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mailctl/eml/internal/model"
)

const (
	readTimeout  = 120 * time.Second
	dialTimeout  = 30 * time.Second
	fetchBufSize = 8192
)

// Client is a single logged-in IMAP session. Not safe for concurrent use;
// callers needing parallelism open one Client per connection.
type Client struct {
	conn net.Conn
	buf  []byte
	tag  int
}

// Dial opens a TCP (or, if tlsConfig is non-nil, TLS) connection to addr
// and reads the server greeting.
func Dial(addr string, tlsConfig *tls.Config) (*Client, error) {
	var conn net.Conn
	var err error
	if tlsConfig != nil {
		d := &net.Dialer{Timeout: dialTimeout}
		conn, err = tls.DialWithDialer(d, "tcp", addr, tlsConfig)
	} else {
		conn, err = net.DialTimeout("tcp", addr, dialTimeout)
	}
	if err != nil {
		return nil, model.Wrap(model.KindImapTransient, fmt.Errorf("dial %s: %w", addr, err))
	}

	c := &Client{conn: conn, buf: make([]byte, 0, fetchBufSize)}
	if _, err := c.readLine(); err != nil {
		conn.Close()
		return nil, model.Wrap(model.KindImapTransient, fmt.Errorf("greeting: %w", err))
	}
	return c, nil
}

// DialAccount connects using an Account's resolved host/port, over
// implicit TLS (IMAPS, the only transport this client supports).
func DialAccount(acct model.Account) (*Client, error) {
	addr := net.JoinHostPort(acct.ResolvedHost(), strconv.Itoa(acct.ResolvedPort()))
	return Dial(addr, &tls.Config{ServerName: acct.ResolvedHost()})
}

// Close closes the underlying connection without sending LOGOUT. Prefer
// Logout for a graceful shutdown.
func (c *Client) Close() error { return c.conn.Close() }

// Login authenticates with a plaintext LOGIN command.
func (c *Client) Login(user, password string) error {
	_, err := c.command(`LOGIN %s %s`, quote(user), quote(password))
	if err != nil {
		return model.Wrap(model.KindImapFatal, fmt.Errorf("login: %w", err))
	}
	return nil
}

// Logout sends LOGOUT and closes the connection.
func (c *Client) Logout() {
	c.command("LOGOUT")
	c.conn.Close()
}

// Folder describes one entry from a LIST response.
type Folder struct {
	Name      string
	Delimiter string
	NoSelect  bool
}

// ListFolders issues LIST "" "*" and parses every returned mailbox.
func (c *Client) ListFolders() ([]Folder, error) {
	lines, err := c.command(`LIST "" "*"`)
	if err != nil {
		return nil, classify(err)
	}
	var folders []Folder
	for _, line := range lines {
		f, ok := parseListLine(line)
		if ok {
			folders = append(folders, f)
		}
	}
	return folders, nil
}

func parseListLine(line string) (Folder, bool) {
	if !strings.HasPrefix(line, "* LIST ") {
		return Folder{}, false
	}
	lower := strings.ToLower(line)
	noSelect := strings.Contains(lower, `\noselect`)

	open := strings.IndexByte(line, '(')
	close := strings.IndexByte(line, ')')
	if open < 0 || close < open {
		return Folder{}, false
	}
	rest := strings.TrimSpace(line[close+1:])

	fields := splitQuotedFields(rest)
	if len(fields) < 2 {
		return Folder{}, false
	}
	return Folder{
		Delimiter: unquote(fields[0]),
		Name:      unquote(fields[len(fields)-1]),
		NoSelect:  noSelect,
	}, true
}

// splitQuotedFields splits on whitespace outside of double quotes.
func splitQuotedFields(s string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// SelectInfo is what SELECT reports about a mailbox.
type SelectInfo struct {
	Exists      int
	UIDValidity int64
	UIDNext     int64
}

// Select opens folder read-write (though this client never writes to an
// existing message) and returns its EXISTS count and UIDVALIDITY.
func (c *Client) Select(folder string) (SelectInfo, error) {
	lines, err := c.command(`SELECT %s`, quote(folder))
	if err != nil {
		return SelectInfo{}, classify(err)
	}
	var info SelectInfo
	for _, line := range lines {
		fields := strings.Fields(line)
		switch {
		case len(fields) >= 3 && fields[0] == "*" && fields[2] == "EXISTS":
			info.Exists, _ = strconv.Atoi(fields[1])
		case strings.Contains(line, "UIDVALIDITY"):
			info.UIDValidity = extractOKNumber(line, "UIDVALIDITY")
		case strings.Contains(line, "UIDNEXT"):
			info.UIDNext = extractOKNumber(line, "UIDNEXT")
		}
	}
	return info, nil
}

func extractOKNumber(line, key string) int64 {
	idx := strings.Index(line, key)
	if idx < 0 {
		return 0
	}
	rest := line[idx+len(key):]
	rest = strings.TrimLeft(rest, " ")
	end := strings.IndexAny(rest, "] ")
	if end < 0 {
		end = len(rest)
	}
	n, _ := strconv.ParseInt(rest[:end], 10, 64)
	return n
}

// UIDSearchAll returns every UID in the currently selected folder.
func (c *Client) UIDSearchAll() ([]int64, error) {
	lines, err := c.command("UID SEARCH ALL")
	if err != nil {
		return nil, classify(err)
	}
	return parseSearchUIDs(lines), nil
}

// UIDSearch issues "UID SEARCH <criteria>" and returns the matching UIDs.
// criteria is typically the output of FilterConfig.BuildQuery.
func (c *Client) UIDSearch(criteria string) ([]int64, error) {
	lines, err := c.command("UID SEARCH %s", criteria)
	if err != nil {
		return nil, classify(err)
	}
	return parseSearchUIDs(lines), nil
}

// FilterConfig selects messages by address/domain for the "select by
// address, domain" capability in §1 PURPOSE. addresses/domains match
// To, From or Cc; from_addresses/from_domains match only From.
type FilterConfig struct {
	Addresses     []string
	Domains       []string
	FromAddresses []string
	FromDomains   []string
}

// IsEmpty reports whether no filter term is set.
func (f FilterConfig) IsEmpty() bool {
	return len(f.Addresses) == 0 && len(f.Domains) == 0 &&
		len(f.FromAddresses) == 0 && len(f.FromDomains) == 0
}

// BuildQuery folds the filter's terms into an IMAP SEARCH criteria
// string: addresses/domains each expand to "TO x OR FROM x OR CC x",
// from_addresses/from_domains each expand to "FROM x" only. All terms
// are quoted and left-folded into nested OR pairs: one term is "(TERM)",
// two terms are "(OR a b)", three are "(OR (OR a b) c)". An empty filter
// builds "ALL".
func (f FilterConfig) BuildQuery() string {
	var terms []string

	for _, addr := range f.Addresses {
		terms = append(terms, fmt.Sprintf(`TO %s`, quote(addr)), fmt.Sprintf(`FROM %s`, quote(addr)), fmt.Sprintf(`CC %s`, quote(addr)))
	}
	for _, domain := range f.Domains {
		terms = append(terms, fmt.Sprintf(`TO %s`, quote(domain)), fmt.Sprintf(`FROM %s`, quote(domain)), fmt.Sprintf(`CC %s`, quote(domain)))
	}
	for _, addr := range f.FromAddresses {
		terms = append(terms, fmt.Sprintf(`FROM %s`, quote(addr)))
	}
	for _, domain := range f.FromDomains {
		terms = append(terms, fmt.Sprintf(`FROM %s`, quote(domain)))
	}

	if len(terms) == 0 {
		return "ALL"
	}

	result := terms[0]
	for i, term := range terms[1:] {
		if i > 0 {
			result = "(" + result + ")"
		}
		result = fmt.Sprintf("OR %s %s", result, term)
	}
	return "(" + result + ")"
}

// UIDSearchUIDs checks which of the given UIDs still exist on the server,
// folding the candidate set into a single right-nested OR query
// ("UID SEARCH OR UID 1 OR UID 2 UID 3 ...") rather than one round trip
// per UID.
func (c *Client) UIDSearchUIDs(uids []int64) ([]int64, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	query := buildUIDOrQuery(uids)
	lines, err := c.command("UID SEARCH %s", query)
	if err != nil {
		return nil, classify(err)
	}
	return parseSearchUIDs(lines), nil
}

// buildUIDOrQuery folds a UID set from the right into IMAP SEARCH's
// binary OR, nesting each later pair inside the earlier one:
// [1] -> "UID 1"
// [1,2] -> "OR UID 1 UID 2"
// [1,2,3] -> "OR UID 1 OR UID 2 UID 3"
func buildUIDOrQuery(uids []int64) string {
	if len(uids) == 1 {
		return fmt.Sprintf("UID %d", uids[0])
	}
	query := fmt.Sprintf("UID %d", uids[len(uids)-1])
	for i := len(uids) - 2; i >= 0; i-- {
		query = fmt.Sprintf("OR UID %d %s", uids[i], query)
	}
	return query
}

func parseSearchUIDs(lines []string) []int64 {
	var uids []int64
	for _, line := range lines {
		if !strings.HasPrefix(line, "* SEARCH") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		for _, tok := range fields[2:] {
			if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
				uids = append(uids, n)
			}
		}
	}
	return uids
}

// HeaderFields are the header names fetched by FetchHeaders, kept small
// so plan-phase metadata lookups stay cheap.
var HeaderFields = []string{"Date", "Subject", "From", "To", "Message-ID", "In-Reply-To", "References"}

// FetchHeaders retrieves BODY.PEEK[HEADER.FIELDS (...)] for a batch of
// UIDs without marking them \Seen, returning raw per-UID header blocks.
func (c *Client) FetchHeaders(uids []int64) (map[int64][]byte, error) {
	fieldList := strings.Join(HeaderFields, " ")
	spec := fmt.Sprintf("BODY.PEEK[HEADER.FIELDS (%s)]", fieldList)
	return c.fetchLiteral(uids, spec)
}

// FetchRaw retrieves the full RFC822 message for a batch of UIDs using
// BODY.PEEK[], which returns the same bytes without marking them \Seen.
func (c *Client) FetchRaw(uids []int64) (map[int64][]byte, error) {
	return c.fetchLiteral(uids, "BODY.PEEK[]")
}

func (c *Client) fetchLiteral(uids []int64, itemSpec string) (map[int64][]byte, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	parts := make([]string, len(uids))
	for i, uid := range uids {
		parts[i] = strconv.FormatInt(uid, 10)
	}
	uidSet := strings.Join(parts, ",")

	c.tag++
	tag := fmt.Sprintf("A%04d", c.tag)
	cmd := fmt.Sprintf("%s UID FETCH %s (%s)\r\n", tag, uidSet, itemSpec)
	if _, err := c.conn.Write([]byte(cmd)); err != nil {
		return nil, model.Wrap(model.KindImapTransient, err)
	}

	result := make(map[int64][]byte)
	for {
		line, err := c.readLine()
		if err != nil {
			return result, model.Wrap(model.KindImapTransient, fmt.Errorf("fetch: %w", err))
		}
		if strings.HasPrefix(line, tag+" ") {
			if strings.Contains(line, "OK") {
				return result, nil
			}
			return result, model.Wrap(model.KindImapFatal, fmt.Errorf("fetch error: %s", line))
		}
		if !strings.Contains(line, "{") {
			continue
		}

		var msgUID int64
		if idx := strings.Index(strings.ToUpper(line), "UID "); idx >= 0 {
			fmt.Sscanf(line[idx+4:], "%d", &msgUID)
		}

		braceStart := strings.LastIndex(line, "{")
		braceEnd := strings.LastIndex(line, "}")
		if braceStart < 0 || braceEnd <= braceStart {
			continue
		}
		size, err := strconv.Atoi(line[braceStart+1 : braceEnd])
		if err != nil || size < 0 {
			continue
		}

		data, err := c.readExact(size)
		if err != nil {
			return result, model.Wrap(model.KindImapTransient, fmt.Errorf("literal UID %d: %w", msgUID, err))
		}

		trailing, err := c.readLine()
		if err != nil {
			return result, model.Wrap(model.KindImapTransient, fmt.Errorf("trailing: %w", err))
		}
		if msgUID == 0 {
			if idx := strings.Index(strings.ToUpper(trailing), "UID "); idx >= 0 {
				fmt.Sscanf(trailing[idx+4:], "%d", &msgUID)
			}
		}
		if msgUID > 0 {
			result[msgUID] = data
		}
	}
}

// Append uploads raw as a new message in folder, stamped with
// internalDate, and returns without marking it in any way on the
// source side. Used exclusively by the Push Engine.
func (c *Client) Append(folder string, raw []byte, internalDate time.Time) error {
	dateStr := internalDate.Format("_2-Jan-2006 15:04:05 -0700")
	c.tag++
	tag := fmt.Sprintf("A%04d", c.tag)
	header := fmt.Sprintf("%s APPEND %s (\\Seen) \"%s\" {%d}\r\n", tag, quote(folder), dateStr, len(raw))
	if _, err := c.conn.Write([]byte(header)); err != nil {
		return model.Wrap(model.KindImapTransient, err)
	}

	// Server sends "+ go ahead" before accepting the literal.
	cont, err := c.readLine()
	if err != nil {
		return model.Wrap(model.KindImapTransient, err)
	}
	if !strings.HasPrefix(cont, "+") {
		return model.Wrap(model.KindImapFatal, fmt.Errorf("append not continued: %s", cont))
	}

	if _, err := c.conn.Write(raw); err != nil {
		return model.Wrap(model.KindImapTransient, err)
	}
	if _, err := c.conn.Write([]byte("\r\n")); err != nil {
		return model.Wrap(model.KindImapTransient, err)
	}

	for {
		line, err := c.readLine()
		if err != nil {
			return model.Wrap(model.KindImapTransient, err)
		}
		if strings.HasPrefix(line, tag+" ") {
			if strings.Contains(line, "OK") {
				return nil
			}
			return model.Wrap(model.KindImapFatal, fmt.Errorf("append error: %s", line))
		}
	}
}

func (c *Client) command(format string, args ...any) ([]string, error) {
	c.tag++
	tag := fmt.Sprintf("A%04d", c.tag)
	cmd := fmt.Sprintf("%s %s\r\n", tag, fmt.Sprintf(format, args...))
	if _, err := c.conn.Write([]byte(cmd)); err != nil {
		return nil, err
	}

	var lines []string
	for {
		line, err := c.readLine()
		if err != nil {
			return lines, err
		}
		if strings.HasPrefix(line, tag+" ") {
			if strings.Contains(line, "OK") {
				return lines, nil
			}
			return lines, fmt.Errorf("IMAP error: %s", line)
		}
		lines = append(lines, line)
	}
}

func (c *Client) readLine() (string, error) {
	for {
		if idx := indexOf(c.buf, '\n'); idx >= 0 {
			line := string(c.buf[:idx])
			c.buf = c.buf[idx+1:]
			return strings.TrimRight(line, "\r"), nil
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		tmp := make([]byte, fetchBufSize)
		n, err := c.conn.Read(tmp)
		if n > 0 {
			c.buf = append(c.buf, tmp[:n]...)
		}
		if err != nil {
			if len(c.buf) > 0 {
				line := string(c.buf)
				c.buf = c.buf[:0]
				return strings.TrimRight(line, "\r\n"), err
			}
			return "", err
		}
	}
}

func (c *Client) readExact(n int) ([]byte, error) {
	for len(c.buf) < n {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		tmp := make([]byte, fetchBufSize)
		nr, err := c.conn.Read(tmp)
		if nr > 0 {
			c.buf = append(c.buf, tmp[:nr]...)
		}
		if err != nil {
			return nil, err
		}
	}
	data := make([]byte, n)
	copy(data, c.buf[:n])
	c.buf = c.buf[n:]
	return data, nil
}

func indexOf(b []byte, target byte) int {
	for i, v := range b {
		if v == target {
			return i
		}
	}
	return -1
}

// classify wraps a raw command error into a model.Kind: a "NO"/"BAD"
// response naming auth or syntax is fatal, anything else (timeouts,
// connection resets) is treated as transient and worth retrying.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "imap error") &&
		(strings.Contains(msg, "auth") || strings.Contains(msg, "login") || strings.Contains(msg, "bad")) {
		return model.Wrap(model.KindImapFatal, err)
	}
	return model.Wrap(model.KindImapTransient, err)
}
