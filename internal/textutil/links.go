// Package textutil normalizes wall text for destination renderers.
package textutil

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/forPelevin/gomoji"
	"github.com/rivo/uniseg"
)

const zeroWidthSpace = "\u200b"

var (
	bracketLinkRe  = regexp.MustCompile(`\[([^\]|]+)\|([^\]]+)\]`)
	protocolURLRe  = regexp.MustCompile(`https?://[^\s\]]+`)
	schemePrefixRe = regexp.MustCompile(`^https?://`)
	internalRefRe  = regexp.MustCompile(`^(club\d+|id\d+)$`)
	bareDomainRe   = regexp.MustCompile(`^[\w.-]+\.[a-z]{2,}`)
)

// NormalizeLinks makes wall markup readable on destinations:
// emoji sequences get a zero-width space appended, [target|label] markup is
// rewritten to markdown links or plain labels, and remaining http(s) URLs
// lose their scheme.
func NormalizeLinks(text string) string {
	if text == "" {
		return text
	}
	text = separateEmoji(text)
	text = bracketLinkRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := bracketLinkRe.FindStringSubmatch(m)
		return rewriteBracketLink(strings.TrimSpace(sub[1]), strings.TrimSpace(sub[2]))
	})
	return protocolURLRe.ReplaceAllStringFunc(text, func(raw string) string {
		if short, ok := hostPath(raw); ok {
			return short
		}
		return raw
	})
}

func rewriteBracketLink(target, label string) string {
	if internalRefRe.MatchString(target) {
		return "[" + label + "](vk.com/" + target + ")"
	}
	if schemePrefixRe.MatchString(label) {
		if short, ok := hostPath(label); ok {
			return short
		}
	}
	if schemePrefixRe.MatchString(target) {
		if short, ok := hostPath(target); ok {
			return "[" + label + "](" + short + ")"
		}
		return label
	}
	if bareDomainRe.MatchString(target) {
		return "[" + label + "](" + target + ")"
	}
	return label
}

// hostPath renders an http(s) URL as host+path, dropping a lone "/" path.
func hostPath(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	p := u.RawPath
	if p == "" {
		p = u.Path
	}
	if p == "/" {
		p = ""
	}
	return u.Host + p, true
}

// separateEmoji appends a zero-width space after every emoji grapheme
// cluster, so flags and ZWJ families stay intact.
func separateEmoji(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)
	g := uniseg.NewGraphemes(s)
	for g.Next() {
		cluster := g.Str()
		b.WriteString(cluster)
		if gomoji.ContainsEmoji(cluster) {
			b.WriteString(zeroWidthSpace)
		}
	}
	return b.String()
}
