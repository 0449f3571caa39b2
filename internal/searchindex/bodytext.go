package searchindex

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// maxBodyBytes caps stored body text per message so a pathological
// multi-gigabyte attachment can't blow up index memory.
const maxBodyBytes = 64 * 1024

var mimeWordDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		cs := strings.ToLower(strings.TrimSpace(charset))
		if cs == "utf-8" || cs == "us-ascii" || cs == "ascii" {
			return input, nil
		}
		enc, err := htmlindex.Get(cs)
		if err != nil {
			return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
		}
		return transform.NewReader(input, enc.NewDecoder()), nil
	},
}

// DecodeHeader decodes an RFC 2047 MIME-encoded header value, returning
// the raw value unchanged if it can't be decoded.
func DecodeHeader(raw string) string {
	decoded, err := mimeWordDecoder.DecodeHeader(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// ExtractBodyText walks a message's MIME structure and returns the first
// usable plain-text body, falling back to HTML stripped of markup when
// no text/plain part exists.
func ExtractBodyText(contentType, transferEncoding string, body io.Reader) string {
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return readLimited(body, transferEncoding, "")
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		return extractFromMultipart(params["boundary"], body)
	}

	raw := readLimited(body, transferEncoding, params["charset"])
	if mediaType == "text/html" {
		return stripHTML(raw)
	}
	return raw
}

func extractFromMultipart(boundary string, r io.Reader) string {
	if boundary == "" {
		return ""
	}
	mr := multipart.NewReader(r, boundary)

	var htmlFallback string
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		ct := part.Header.Get("Content-Type")
		cte := part.Header.Get("Content-Transfer-Encoding")
		if ct == "" {
			ct = "text/plain"
		}
		partMedia, partParams, parseErr := mime.ParseMediaType(ct)
		if parseErr != nil {
			part.Close()
			continue
		}

		if strings.HasPrefix(partMedia, "multipart/") {
			if text := extractFromMultipart(partParams["boundary"], part); text != "" {
				part.Close()
				return text
			}
			part.Close()
			continue
		}

		if partMedia == "text/plain" {
			text := readLimited(part, cte, partParams["charset"])
			part.Close()
			if text != "" {
				return text
			}
			continue
		}

		if partMedia == "text/html" && htmlFallback == "" {
			htmlFallback = stripHTML(readLimited(part, cte, partParams["charset"]))
		}
		part.Close()
	}
	return htmlFallback
}

func readLimited(r io.Reader, transferEncoding, charset string) string {
	r = decodeTransferEncoding(r, transferEncoding)
	r = charsetReader(charset, r)
	data, err := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	if err != nil {
		return ""
	}
	return ensureUTF8(strings.TrimSpace(string(data)))
}

func decodeTransferEncoding(r io.Reader, encoding string) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}

func charsetReader(charset string, r io.Reader) io.Reader {
	cs := strings.ToLower(strings.TrimSpace(charset))
	if cs == "" || cs == "utf-8" || cs == "us-ascii" || cs == "ascii" {
		return r
	}
	enc, err := htmlindex.Get(cs)
	if err != nil || enc == nil {
		return r
	}
	return transform.NewReader(r, enc.NewDecoder())
}

func ensureUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	enc, err := htmlindex.Get("windows-1252")
	if err != nil || enc == nil {
		return s
	}
	decoded, _, err := transform.String(enc.NewDecoder(), s)
	if err != nil {
		return s
	}
	return decoded
}

var (
	reStyle      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	reScript     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	reHTMLTag    = regexp.MustCompile(`<[^>]*>`)
	reWhitespace = regexp.MustCompile(`[\s]+`)
	reHTMLEntity = regexp.MustCompile(`&[a-zA-Z0-9#]+;`)
)

func stripHTML(html string) string {
	text := reStyle.ReplaceAllString(html, " ")
	text = reScript.ReplaceAllString(text, " ")
	text = reHTMLTag.ReplaceAllString(text, " ")
	text = strings.NewReplacer(
		"&amp;", "&", "&lt;", "<", "&gt;", ">",
		"&quot;", `"`, "&apos;", "'", "&#39;", "'",
		"&nbsp;", " ",
	).Replace(text)
	text = reHTMLEntity.ReplaceAllString(text, " ")
	text = reWhitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
