// Package extract contains the pure text-extraction helpers for Netflix
// verification mails. All functions are total: malformed or empty input
// yields a "not found" result, never a panic, so callers can keep their
// per-message error handling flat.
package extract

import (
	"regexp"
	"strings"
)

// codeRE matches a 4-digit verification code inside an HTML table cell,
// the layout Netflix uses for account-access mails.
var codeRE = regexp.MustCompile(`<td[^>]*>\s*(\d{4})\s*</td>`)

// URL returns the substring of body starting at the first occurrence of
// marker and ending just before the next double quote. The second return
// is false when the marker is absent or no closing quote follows.
func URL(body, marker string) (string, bool) {
	if body == "" || marker == "" {
		return "", false
	}
	start := strings.Index(body, marker)
	if start == -1 {
		return "", false
	}
	end := strings.IndexByte(body[start:], '"')
	if end == -1 {
		return "", false
	}
	return body[start : start+end], true
}

// Code returns the first 4-digit code found in an HTML table cell.
func Code(body string) (string, bool) {
	m := codeRE.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return m[1], true
}
