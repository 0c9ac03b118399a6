package textutil

import (
	"path/filepath"
	"regexp"
	"strings"
)

const maxFilenameLength = 200

var (
	slashRe       = regexp.MustCompile(`[\\/]`)
	invalidCharRe = regexp.MustCompile(`[:*?"<>|]`)
	controlRe     = regexp.MustCompile(`[\x00-\x1f]`)
	spacesRe      = regexp.MustCompile(`\s+`)
	underscoresRe = regexp.MustCompile(`_+`)
	bracketsRe    = regexp.MustCompile(`[\[\]()]`)
)

// SanitizeFilename makes name safe for Windows and Linux filesystems and for
// chat clients that mangle brackets. The extension is kept as is.
func SanitizeFilename(name string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	stem = slashRe.ReplaceAllString(stem, " ")
	stem = invalidCharRe.ReplaceAllString(stem, "_")
	stem = controlRe.ReplaceAllString(stem, "")
	stem = bracketsRe.ReplaceAllString(stem, " ")
	stem = spacesRe.ReplaceAllString(stem, " ")
	stem = underscoresRe.ReplaceAllString(stem, "_")
	stem = strings.TrimSpace(stem)

	if r := []rune(stem); len(r) > maxFilenameLength {
		stem = strings.TrimSpace(string(r[:maxFilenameLength]))
	}
	if stem == "" {
		stem = "file"
	}
	return stem + ext
}
