package textutil

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

// Sanitizer turns free-text customer input into plain, NFC-normalised text: markup is
// stripped, control characters are dropped, and runs of whitespace collapse to one space.
type Sanitizer struct {
	policy *bluemonday.Policy
}

func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean returns at most maxLen runes. A non-positive maxLen disables truncation.
func (s *Sanitizer) Clean(value string, maxLen int) string {
	if value == "" {
		return ""
	}
	// The strict policy escapes what it keeps; stored text is unescaped and escaped again on
	// output.
	stripped := html.UnescapeString(s.policy.Sanitize(value))
	normalised := norm.NFC.String(stripped)

	var b strings.Builder
	b.Grow(len(normalised))
	space := false
	for _, r := range normalised {
		switch {
		case unicode.IsSpace(r):
			space = true
			continue
		case unicode.IsControl(r), r == unicode.ReplacementChar:
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	out := b.String()
	if maxLen > 0 {
		if runes := []rune(out); len(runes) > maxLen {
			out = strings.TrimSpace(string(runes[:maxLen]))
		}
	}
	return out
}
