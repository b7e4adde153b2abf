package codec

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Format tags how a stored string is turned back into a typed value.
type Format string

const (
	FormatString  Format = "string"
	FormatArray   Format = "array"
	FormatHash    Format = "hash"
	FormatBoolean Format = "boolean"
)

const (
	defaultListSeparator = ","
	defaultPairSeparator = ":"
)

// Formats lists every recognised format tag.
func Formats() []Format {
	return []Format{FormatString, FormatArray, FormatHash, FormatBoolean}
}

// ParseFormat normalises a stored tag. Unknown tags fall back to FormatString
// and report false.
func ParseFormat(raw string) (Format, bool) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case FormatString:
		return FormatString, true
	case FormatArray:
		return FormatArray, true
	case FormatHash:
		return FormatHash, true
	case FormatBoolean:
		return FormatBoolean, true
	default:
		return FormatString, false
	}
}

// Codec converts between stored text and typed values.
// The zero value uses "," between items and ":" between hash keys and values.
type Codec struct {
	ListSeparator string
	PairSeparator string
}

// ErrAmbiguousSeparators reports separators that cannot be told apart when
// decoding.
var ErrAmbiguousSeparators = errors.New("ambiguous separators")

// Validate checks that the effective separators can be split unambiguously.
func (c Codec) Validate() error {
	list, pair := c.listSeparator(), c.pairSeparator()
	switch {
	case strings.ContainsRune(list, escapeChar) || strings.ContainsRune(pair, escapeChar):
		return fmt.Errorf("%w: separators must not contain %q", ErrAmbiguousSeparators, escapeChar)
	case strings.Contains(list, pair) || strings.Contains(pair, list):
		return fmt.Errorf("%w: list %q and pair %q overlap", ErrAmbiguousSeparators, list, pair)
	}
	return nil
}

// Default returns a Codec with the default separators.
func Default() Codec {
	return Codec{
		ListSeparator: defaultListSeparator,
		PairSeparator: defaultPairSeparator,
	}
}

// Decode uses the default separators.
func Decode(raw string, format Format) any {
	return Default().Decode(raw, format)
}

// Encode uses the default separators.
func Encode(value any) (string, Format) {
	return Default().Encode(value)
}

// Decode turns raw into a string, []string, map[string]string or bool
// depending on format. Malformed input never fails; it degrades to the
// closest parse.
func (c Codec) Decode(raw string, format Format) any {
	format, _ = ParseFormat(string(format))

	switch format {
	case FormatBoolean:
		return strings.EqualFold(strings.TrimSpace(raw), "true")
	case FormatArray:
		return c.splitList(raw)
	case FormatHash:
		return c.decodeHash(raw)
	default:
		return raw
	}
}

// Encode infers the format from the dynamic type of value and serialises it.
// Types outside the four formats are stringified with fmt.Sprint and tagged
// as FormatString.
func (c Codec) Encode(value any) (string, Format) {
	switch v := value.(type) {
	case nil:
		return "", FormatString
	case string:
		return v, FormatString
	case bool:
		if v {
			return "true", FormatBoolean
		}
		return "false", FormatBoolean
	case []string:
		return c.encodeList(v), FormatArray
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			items = append(items, fmt.Sprint(item))
		}
		return c.encodeList(items), FormatArray
	case map[string]string:
		return c.encodeHash(v), FormatHash
	case map[string]any:
		flat := make(map[string]string, len(v))
		for key, item := range v {
			flat[key] = fmt.Sprint(item)
		}
		return c.encodeHash(flat), FormatHash
	default:
		return fmt.Sprint(v), FormatString
	}
}

// splitList splits on unescaped list separators. Elements are trimmed of
// unescaped whitespace and unescaped; empty elements are dropped.
func (c Codec) splitList(raw string) []string {
	out := make([]string, 0)
	for _, part := range splitUnescaped(raw, c.listSeparator()) {
		item := unescapeTrimmed(part)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

func (c Codec) encodeList(items []string) string {
	escaped := make([]string, 0, len(items))
	for _, item := range items {
		escaped = append(escaped, escape(item, c.listSeparator()))
	}
	return strings.Join(escaped, c.listSeparator())
}

// decodeHash cuts each pair on its first unescaped pair separator.
func (c Codec) decodeHash(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range splitUnescaped(raw, c.listSeparator()) {
		rawKey, rawValue, _ := cutUnescaped(pair, c.pairSeparator())
		key := unescapeTrimmed(rawKey)
		if key == "" {
			continue
		}
		out[key] = unescapeTrimmed(rawValue)
	}
	return out
}

func (c Codec) encodeHash(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	keySpecials := c.listSeparator() + c.pairSeparator()
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, escape(key, keySpecials)+c.pairSeparator()+escape(m[key], c.listSeparator()))
	}
	return strings.Join(pairs, c.listSeparator())
}

func (c Codec) listSeparator() string {
	if c.ListSeparator == "" {
		return defaultListSeparator
	}
	return c.ListSeparator
}

func (c Codec) pairSeparator() string {
	if c.PairSeparator == "" {
		return defaultPairSeparator
	}
	return c.PairSeparator
}
