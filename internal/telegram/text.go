package telegram

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf16"
)

var markdownLinkRe = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)

// renderHTML turns normalized post text into Telegram HTML: everything is
// escaped except [label](target) links, which become anchors.
func renderHTML(text string) string {
	var b strings.Builder
	last := 0
	for _, m := range markdownLinkRe.FindAllStringSubmatchIndex(text, -1) {
		b.WriteString(html.EscapeString(text[last:m[0]]))
		label := text[m[2]:m[3]]
		target := text[m[4]:m[5]]
		if !strings.Contains(target, "://") {
			target = "https://" + target
		}
		b.WriteString(`<a href="` + html.EscapeString(target) + `">` + html.EscapeString(label) + `</a>`)
		last = m[1]
	}
	b.WriteString(html.EscapeString(text[last:]))
	return b.String()
}

// visibleLength is the length Telegram counts against its limits: UTF-16
// code units of the text with link targets removed.
func visibleLength(text string) int {
	visible := markdownLinkRe.ReplaceAllString(text, "$1")
	return len(utf16.Encode([]rune(visible)))
}

// splitText cuts text into pieces of at most limit visible units,
// preferring line boundaries.
func splitText(text string, limit int) []string {
	if visibleLength(text) <= limit {
		return []string{text}
	}
	var (
		chunks  []string
		current strings.Builder
	)
	flush := func() {
		if s := strings.TrimRight(current.String(), "\n"); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		if visibleLength(current.String()+line) <= limit {
			current.WriteString(line)
			continue
		}
		flush()
		for visibleLength(line) > limit {
			head, tail := cutRunes(line, limit)
			chunks = append(chunks, head)
			line = tail
		}
		current.WriteString(line)
	}
	flush()
	return chunks
}

// cutRunes splits s after at most limit UTF-16 units.
func cutRunes(s string, limit int) (string, string) {
	units := 0
	for i, r := range s {
		n := utf16.RuneLen(r)
		if units+n > limit {
			return s[:i], s[i:]
		}
		units += n
	}
	return s, ""
}
