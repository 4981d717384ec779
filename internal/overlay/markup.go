package overlay

import (
	"html"
	"regexp"
)

var tagPattern = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)

// StripMarkup turns a Pango-markup caption ("<b>&#60;nick&#62;</b> hi")
// into plain text ("<nick> hi") for renderers without markup support.
func StripMarkup(s string) string {
	return html.UnescapeString(tagPattern.ReplaceAllString(s, ""))
}
