package catalog

import (
	"html"
	"strings"
)

// The legacy import scripts each carried their own copy of this
// cleanup; it lives here once so the matcher and its tests share one
// definition.

var dashRunes = map[rune]bool{
	'‐': true, // hyphen
	'‑': true, // non-breaking hyphen
	'‒': true, // figure dash
	'–': true, // en dash
	'—': true, // em dash
	'―': true, // horizontal bar
	'−': true, // minus sign
	'﹘': true, // small em dash
	'﹣': true, // small hyphen-minus
	'－': true, // fullwidth hyphen-minus
}

var singleQuoteRunes = map[rune]bool{
	'‘': true,
	'’': true,
	'‚': true,
	'‛': true,
	'ʼ': true,
	'`': true,
}

var doubleQuoteRunes = map[rune]bool{
	'“': true,
	'”': true,
	'„': true,
	'‟': true,
	'«': true,
	'»': true,
}

// NormalizeName canonicalizes a product or line-item display name so
// that cosmetically different renderings of the same title compare
// equal: HTML entities are decoded, dash and quote variants fold to
// their ASCII forms, whitespace runs collapse, and the result is
// lowercased.
func NormalizeName(name string) string {
	s := html.UnescapeString(name)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case dashRunes[r]:
			b.WriteRune('-')
		case singleQuoteRunes[r]:
			b.WriteRune('\'')
		case doubleQuoteRunes[r]:
			b.WriteRune('"')
		default:
			b.WriteRune(r)
		}
	}

	s = strings.Join(strings.Fields(b.String()), " ")
	return strings.ToLower(s)
}

// MatchName compares two already-normalized names in two tiers: exact
// equality, then full containment in either direction. Anything else is
// no match.
func MatchName(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}
