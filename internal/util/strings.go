package util

import (
	"strings"
	"unicode/utf8"
)

// Prefix returns at most n bytes of s, cut back to a rune boundary. It is
// used to log enough of an identifier to correlate without revealing it.
func Prefix(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// NormalizeURL drops trailing slashes so "https://pod.example/" and
// "https://pod.example" compare equal.
func NormalizeURL(u string) string {
	return strings.TrimRight(u, "/")
}
