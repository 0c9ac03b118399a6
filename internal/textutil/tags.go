package textutil

import "strings"

// ExtractTags inspects only the last line of text. When every
// whitespace-separated token there starts with '#', the tokens become tags
// ('#' stripped, '_' turned into spaces) and the line is removed from the
// returned text. Otherwise text is returned unchanged with no tags.
func ExtractTags(text string) (string, []string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return text, nil
	}
	cut := strings.LastIndex(trimmed, "\n")
	lastLine := strings.TrimSpace(trimmed[cut+1:])
	words := strings.Fields(lastLine)
	if len(words) == 0 {
		return text, nil
	}
	for _, w := range words {
		if !strings.HasPrefix(w, "#") {
			return text, nil
		}
	}

	tags := make([]string, 0, len(words))
	for _, w := range words {
		tag := strings.ReplaceAll(strings.TrimLeft(w, "#"), "_", " ")
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	if cut < 0 {
		return "", tags
	}
	return strings.TrimRight(trimmed[:cut], " \t\r\n"), tags
}
