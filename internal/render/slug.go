package render

import (
	"strings"
	"unicode"
)

// slugify reduces s to a lowercase filename-safe fragment of at most maxLen
// bytes: ASCII letters and digits pass through, everything else collapses
// into single hyphens. Non-ASCII prompts (common for this model family)
// may slug to an empty string; the job id fragment in the filename keeps it
// unique regardless.
func slugify(s string, maxLen int) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen

	for _, r := range strings.ToLower(s) {
		switch {
		case r <= unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
		if b.Len() >= maxLen {
			break
		}
	}

	out := b.String()
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	return strings.Trim(out, "-")
}
