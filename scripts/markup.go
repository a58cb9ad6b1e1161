package scripts

import (
	"bytes"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const (
	MarkupText     = "text"
	MarkupHTML     = "html"
	MarkupMarkdown = "markdown"
)

// user text is untrusted, so raw HTML inside markdown is not passed through
var md = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		extension.Linkify,
	),
)

// policy strips scripts, event handlers and unsafe URLs from rendered
// HTML while keeping ordinary formatting.
var policy = bluemonday.UGCPolicy()

// RenderMarkup formats user-supplied text for display according to its
// markup. HTML and markdown output is sanitized.
func RenderMarkup(text, markup string) string {
	switch markup {
	case MarkupMarkdown:
		var buf bytes.Buffer
		if err := md.Convert([]byte(text), &buf); err != nil {
			return html.EscapeString(text)
		}
		return policy.Sanitize(buf.String())
	case MarkupHTML:
		return policy.Sanitize(text)
	default:
		return strings.ReplaceAll(html.EscapeString(text), "\n", "<br>\n")
	}
}
