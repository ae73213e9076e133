package assembler

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxLineChars bounds a single logged line
const MaxLineChars = 20000

const truncatedSuffix = "...[truncated]"

var ansiEscape = regexp.MustCompile(`\x1B(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

// Sanitize turns raw device bytes into a single printable log line: trailing
// CR/LF dropped, NULs removed, invalid UTF-8 replaced, ANSI sequences stripped,
// remaining control characters (except tab) escaped as \xNN, and overly long
// lines truncated.
func Sanitize(raw []byte) string {
	s := strings.TrimRight(string(raw), "\r\n")
	s = strings.ReplaceAll(s, "\x00", "")
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	s = ansiEscape.ReplaceAllString(s, "")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\t' || (r >= 0x20 && r != 0x7f) {
			b.WriteRune(r)
			continue
		}
		fmt.Fprintf(&b, `\x%02x`, r)
	}
	s = b.String()

	if utf8.RuneCountInString(s) > MaxLineChars {
		runes := []rune(s)
		s = string(runes[:MaxLineChars]) + truncatedSuffix
	}
	return s
}
