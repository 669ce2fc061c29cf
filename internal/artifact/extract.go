// Package artifact recovers markup from free-form generation output and
// inspects the landmarks downstream consumers rely on.
package artifact

import (
	"regexp"
	"strings"
)

const fenceMark = "```"

var rootElement = regexp.MustCompile(`(?is)<html\b[^>]*>(.*)</html\s*>`)

// Source names the fallback step that produced an artifact
type Source string

const (
	SourceTaggedFence   Source = "tagged_fence"
	SourceUntaggedFence Source = "untagged_fence"
	SourceRootElement   Source = "root_element"
	SourceRaw           Source = "raw"
)

// Extract returns the markup contained in raw. It never fails: the first of
// tagged fence, untagged fence, outermost <html> element or raw text wins.
func Extract(raw string) string {
	out, _ := ExtractWithSource(raw)
	return out
}

// ExtractWithSource is Extract that also reports which step matched
func ExtractWithSource(raw string) (string, Source) {
	blocks := fences(raw)
	for _, b := range blocks {
		switch b.info {
		case "html", "htm", "xhtml":
			return strings.TrimSpace(b.body), SourceTaggedFence
		}
	}
	for _, b := range blocks {
		if b.info == "" {
			return strings.TrimSpace(b.body), SourceUntaggedFence
		}
	}
	if m := rootElement.FindStringSubmatch(raw); m != nil {
		return "<html>" + m[1] + "</html>", SourceRootElement
	}
	return raw, SourceRaw
}

type fence struct {
	info string
	body string
}

// fences pairs code fences left to right, so the closing fence of one block
// is never taken for the opening fence of the next. Inline spans opened and
// closed on one line are skipped, as is an unterminated last block.
func fences(raw string) []fence {
	var out []fence
	for {
		start := strings.Index(raw, fenceMark)
		if start < 0 {
			return out
		}
		rest := raw[start+len(fenceMark):]
		eol := strings.IndexByte(rest, '\n')
		if eol < 0 {
			return out
		}
		info := rest[:eol]
		if i := strings.Index(info, fenceMark); i >= 0 {
			raw = rest[i+len(fenceMark):]
			continue
		}

		body := rest[eol+1:]
		end := strings.Index(body, fenceMark)
		if end < 0 {
			return out
		}
		out = append(out, fence{info: strings.ToLower(strings.TrimSpace(info)), body: body[:end]})
		raw = body[end+len(fenceMark):]
	}
}
