package pipeline

import (
	"strings"
	"unicode/utf8"

	"github.com/joshsymonds/mailsentinel/internal/gmail"
)

const (
	htmlPreviewLimit = 500
	noContentMarker  = "[no email content could be extracted]"
)

// ExtractText pulls a plain-text rendition out of a full-format message.
// Preference order: text/plain parts (all of them, concatenated), then a
// tagged preview of the first text/html part, then the provider snippet. The
// result is never empty; a placeholder marks messages nothing could be read
// from.
func ExtractText(msg gmail.Message) string {
	if text := collectParts(msg.Payload, "text/plain"); text != "" {
		return strings.TrimSpace(text)
	}
	if html := firstPart(msg.Payload, "text/html"); html != "" {
		if len(html) > htmlPreviewLimit {
			cut := htmlPreviewLimit
			for cut > 0 && !utf8.RuneStart(html[cut]) {
				cut--
			}
			html = html[:cut] + "…"
		}
		return "[HTML content] " + strings.TrimSpace(html)
	}
	if msg.Snippet != "" {
		return msg.Snippet
	}
	return noContentMarker
}

// collectParts concatenates the bodies of every part with the given MIME
// type, walking nested multiparts.
func collectParts(part gmail.Part, mimeType string) string {
	var b strings.Builder
	var walk func(p gmail.Part)
	walk = func(p gmail.Part) {
		if p.MIMEType == mimeType && len(p.Body) > 0 {
			b.Write(p.Body)
			b.WriteByte('\n')
		}
		for _, child := range p.Parts {
			walk(child)
		}
	}
	walk(part)
	return b.String()
}

func firstPart(part gmail.Part, mimeType string) string {
	if part.MIMEType == mimeType && len(part.Body) > 0 {
		return string(part.Body)
	}
	for _, child := range part.Parts {
		if s := firstPart(child, mimeType); s != "" {
			return s
		}
	}
	return ""
}
