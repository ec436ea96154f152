package naming

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	vendorSuffixes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\s*[-|]\s*Microsoft\s*Power\s*BI.*$`),
		regexp.MustCompile(`(?i)\s*-\s*Power\s*BI.*$`),
		regexp.MustCompile(`(?i)\s*[-|]\s*Tableau\s*Public.*$`),
	}

	unsafeChars = regexp.MustCompile(`[^\w\-. ]+`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// StripVendorSuffix removes trailing vendor boilerplate like
// " - Microsoft Power BI" from page titles.
func StripVendorSuffix(s string) string {
	for _, re := range vendorSuffixes {
		s = re.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(s)
}

// Sanitize folds a display name into a filesystem/identifier-safe token:
// diacritics stripped, unsafe characters and runs of whitespace collapsed to
// underscores, trimmed to maxLen. Empty input becomes "untitled".
func Sanitize(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = foldDiacritics(s)
	s = unsafeChars.ReplaceAllString(s, "_")
	s = whitespace.ReplaceAllString(s, "_")
	if maxLen > 0 && len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.TrimRight(s, "._-")
	if s == "" {
		return "untitled"
	}
	return s
}

// Slugify lowercases and sanitizes for use in storage keys.
func Slugify(s string, maxLen int) string {
	out := strings.Trim(Sanitize(strings.ToLower(s), maxLen), "_")
	if out == "" {
		return "untitled"
	}
	return out
}

// foldDiacritics decomposes accented characters and drops the combining
// marks, so "Comptes Clés" files as "Comptes_Cles".
func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
