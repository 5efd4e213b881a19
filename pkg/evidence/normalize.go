// Package evidence is the immutable, content-addressed store of fetched
// source material. A single Normalize function defines what is hashed, so
// storing, verifying and repairing always agree.
package evidence

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/regtruth/pkg/canonicalize"
)

// ErrInvalidContent is returned when content cannot be normalized for its declared type.
var ErrInvalidContent = errors.New("evidence: content does not match its content type")

// Kind is the normalization family of a content type.
type Kind string

const (
	KindHTML  Kind = "html"
	KindText  Kind = "text"
	KindJSON  Kind = "json"
	KindBytes Kind = "bytes"
)

// Classify maps a MIME content type to its normalization family.
func Classify(contentType string) Kind {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mt == "text/html", mt == "application/xhtml+xml":
		return KindHTML
	case mt == "application/json", strings.HasSuffix(mt, "+json"):
		return KindJSON
	case strings.HasPrefix(mt, "text/"):
		return KindText
	default:
		return KindBytes
	}
}

var (
	horizontalSpace = regexp.MustCompile(`[ \t\f\v\x{00A0}\x{2000}-\x{200A}\x{202F}\x{205F}\x{3000}]+`)
	anySpace        = regexp.MustCompile(`\s+`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
)

// Normalize returns the canonical bytes that are hashed for content of the given type.
func Normalize(raw []byte, contentType string) ([]byte, error) {
	switch Classify(contentType) {
	case KindHTML:
		text, err := visibleText(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidContent, err)
		}
		return []byte(text), nil
	case KindText:
		return []byte(normalizeText(string(raw))), nil
	default:
		// Structured formats are hashed as fetched.
		return raw, nil
	}
}

// Hash returns the content hash of raw under contentType.
func Hash(raw []byte, contentType string) (string, error) {
	n, err := Normalize(raw, contentType)
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(n), nil
}

// Text returns the normalized content as a string. Quotes are matched against it.
func Text(raw []byte, contentType string) (string, error) {
	n, err := Normalize(raw, contentType)
	if err != nil {
		return "", err
	}
	return string(n), nil
}

func normalizeText(s string) string {
	s = norm.NFC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(horizontalSpace.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Inline elements join their text directly so "<b>25</b>%" reads "25%".
var blockElements = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true, "br": true, "dd": true,
	"div": true, "dl": true, "dt": true, "figcaption": true, "footer": true, "h1": true, "h2": true,
	"h3": true, "h4": true, "h5": true, "h6": true, "header": true, "hr": true, "li": true,
	"main": true, "nav": true, "ol": true, "p": true, "pre": true, "section": true, "table": true,
	"td": true, "th": true, "tr": true, "ul": true,
}

// visibleText extracts rendered text from an HTML document, skipping
// non-rendered elements, and collapses all whitespace to single spaces.
func visibleText(raw []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}

	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		block := false
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "iframe", "template", "head":
				return
			}
			block = blockElements[n.Data]
		}
		if block {
			buf.WriteByte(' ')
		}
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			buf.WriteByte(' ')
		}
	}
	walk(doc)

	text := norm.NFC.String(buf.String())
	return strings.TrimSpace(anySpace.ReplaceAllString(text, " ")), nil
}
