package logging

import (
	"regexp"
	"strings"
)

// Helpers for sanitizing values before they hit the log file or a
// notification channel.

// MaskEmail masks the local part and domain labels of an address,
// keeping the first and last character of each part.
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}
	mask := func(part string) string {
		if len(part) <= 1 {
			return "*"
		}
		n := len(part) - 2
		if n < 0 {
			n = 0
		}
		return part[:1] + strings.Repeat("*", n) + part[len(part)-1:]
	}
	labels := strings.Split(s[at+1:], ".")
	for i, l := range labels {
		labels[i] = mask(l)
	}
	return mask(s[:at]) + "@" + strings.Join(labels, ".")
}

var emailRE = regexp.MustCompile(`(?i)[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// RedactEmailsIn masks every email address found in s.
func RedactEmailsIn(s string) string {
	return emailRE.ReplaceAllStringFunc(s, MaskEmail)
}

// BoundAndClean strips control characters and bounds the length of
// arbitrary strings (subjects, sender names) for safe logging.
func BoundAndClean(s string, limit int) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 32 || r == 127 {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if limit <= 0 || len(out) <= limit {
		return out
	}
	// Don't cut in the middle of a UTF-8 sequence.
	cut := limit
	for cut > 0 && cut < len(out) && out[cut]&0xC0 == 0x80 {
		cut--
	}
	if cut <= 0 {
		cut = limit
	}
	return out[:cut]
}
