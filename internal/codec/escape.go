package codec

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const escapeChar = '\\'

// escape prefixes the escape character, every rune found in specials, and
// any leading or trailing whitespace with a backslash.
func escape(s, specials string) string {
	leftEnd := len(s) - len(strings.TrimLeftFunc(s, unicode.IsSpace))
	rightStart := len(strings.TrimRightFunc(s, unicode.IsSpace))

	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		edge := i < leftEnd || i >= rightStart
		if r == escapeChar || edge || strings.ContainsRune(specials, r) {
			b.WriteRune(escapeChar)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// splitUnescaped splits raw on every occurrence of sep that is not preceded
// by the escape character. Parts are returned still escaped.
func splitUnescaped(raw, sep string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(raw); {
		if raw[i] == escapeChar {
			i += 1 + runeLen(raw[i+1:])
			continue
		}
		if strings.HasPrefix(raw[i:], sep) {
			parts = append(parts, raw[start:i])
			i += len(sep)
			start = i
			continue
		}
		i++
	}
	return append(parts, raw[start:])
}

// cutUnescaped is strings.Cut that ignores escaped occurrences of sep.
func cutUnescaped(s, sep string) (before, after string, found bool) {
	for i := 0; i < len(s); {
		if s[i] == escapeChar {
			i += 1 + runeLen(s[i+1:])
			continue
		}
		if strings.HasPrefix(s[i:], sep) {
			return s[:i], s[i+len(sep):], true
		}
		i++
	}
	return s, "", false
}

// unescapeTrimmed drops unescaped surrounding whitespace, then removes the
// escape characters. A trailing lone backslash is kept literally.
func unescapeTrimmed(s string) string {
	left := strings.TrimLeftFunc(s, unicode.IsSpace)
	trimmed := strings.TrimRightFunc(left, unicode.IsSpace)
	if len(trimmed) < len(left) && trailingEscapes(trimmed)%2 == 1 {
		trimmed = left[:len(trimmed)+runeLen(left[len(trimmed):])]
	}

	if strings.IndexByte(trimmed, escapeChar) < 0 {
		return trimmed
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	for i := 0; i < len(trimmed); {
		if trimmed[i] == escapeChar && i+1 < len(trimmed) {
			i++
		}
		size := runeLen(trimmed[i:])
		b.WriteString(trimmed[i : i+size])
		i += size
	}
	return b.String()
}

func trailingEscapes(s string) int {
	n := 0
	for i := len(s) - 1; i >= 0 && s[i] == escapeChar; i-- {
		n++
	}
	return n
}

func runeLen(s string) int {
	if s == "" {
		return 0
	}
	_, size := utf8.DecodeRuneInString(s)
	return size
}
