package canonicalize

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]`)
	runsOfSpace  = regexp.MustCompile(`\s+`)

	punctuationFolder = strings.NewReplacer(
		"“", `"`, "”", `"`,
		"‘", "'", "’", "'",
		"–", "-", "—", "-",
		"«", `"`, "»", `"`,
	)
)

// NormalizeText folds interaction text into a stable form before hashing:
// Unicode NFC, LF line endings, control characters stripped, typographic
// quotes and dashes folded to ASCII, and whitespace collapsed per line.
func NormalizeText(s string) string {
	s = norm.NFC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = controlChars.ReplaceAllString(s, "")
	s = punctuationFolder.Replace(s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(runsOfSpace.ReplaceAllString(line, " "))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// ContentHash hashes prompt or response content for inclusion in a receipt.
// Strings are normalized first; everything else is canonicalized as JSON.
func ContentHash(content any) (string, error) {
	if s, ok := content.(string); ok {
		return CanonicalHash(NormalizeText(s))
	}
	return CanonicalHash(content)
}
