package render

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

const ellipsis = "…"

// TextLen measures s the way Telegram counts message length: in UTF-16
// code units, so emoji outside the BMP count twice.
func TextLen(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// Truncate limits s to max UTF-16 units, marking the cut with an ellipsis.
// Runes are never split.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if TextLen(s) <= max {
		return s
	}
	budget := max - TextLen(ellipsis)
	n := 0
	for i, r := range s {
		w := utf16.RuneLen(r)
		if n+w > budget {
			return s[:i] + ellipsis
		}
		n += w
	}
	return s
}

// Split cuts s into chunks of at most max UTF-16 units. Chunks end on a
// newline when one is available in the second half of the window.
// Concatenating the chunks yields s exactly.
func Split(s string, max int) []string {
	if s == "" {
		return nil
	}
	if max <= 0 {
		return []string{s}
	}
	var out []string
	for s != "" {
		if TextLen(s) <= max {
			out = append(out, s)
			break
		}
		cut, lastNewline, units := 0, 0, 0
		for i := 0; i < len(s); {
			r, size := utf8.DecodeRuneInString(s[i:])
			w := utf16.RuneLen(r)
			if units+w > max {
				break
			}
			units += w
			i += size
			cut = i
			if r == '\n' && units > max/2 {
				lastNewline = cut
			}
		}
		if lastNewline > 0 {
			cut = lastNewline
		}
		if cut == 0 {
			// a single surrogate-pair rune wider than max
			_, cut = utf8.DecodeRuneInString(s)
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	return out
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
