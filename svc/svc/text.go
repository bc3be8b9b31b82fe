package svc

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// cleanText NFC-normalises s, drops invalid UTF-8 and strips control
// characters other than newline, carriage return and tab.
func cleanText(s string) string {
	s = norm.NFC.String(s)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// cleanUsername normalises a username and trims surrounding space.
func cleanUsername(s string) string {
	return strings.TrimSpace(cleanText(s))
}
