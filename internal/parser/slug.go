// File path: internal/parser/slug.go
package parser

import (
	"strings"
	"unicode"
)

// Slug derives the stable codebundle slug from a directory name. The slug
// deliberately excludes the collection prefix: external identity is always
// (collection_slug, codebundle_slug).
func Slug(dirName string) string {
	trimmed := strings.TrimSpace(dirName)
	var sb strings.Builder
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			sb.WriteRune(unicode.ToLower(r))
		case r == ' ' || r == '_' || r == '-':
			sb.WriteRune('-')
		default:
			sb.WriteRune('-')
		}
	}
	return strings.Trim(sb.String(), "-")
}

// DisplayNameFromDir derives a human-readable name by splitting the
// directory name on '-', '_' and camelCase boundaries and title-casing each
// segment. Used only when the task file carries no explicit Display Name
// metadata.
func DisplayNameFromDir(dirName string) string {
	words := splitNameWords(dirName)
	if len(words) == 0 {
		return strings.TrimSpace(dirName)
	}
	for i, word := range words {
		words[i] = titleWord(word)
	}
	return strings.Join(words, " ")
}

func splitNameWords(name string) []string {
	var words []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}
	runes := []rune(strings.TrimSpace(name))
	for i, r := range runes {
		switch {
		case r == '-' || r == '_' || r == ' ':
			flush()
		case unicode.IsUpper(r) && i > 0 && unicode.IsLower(runes[i-1]):
			flush()
			current.WriteRune(r)
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return words
}

func titleWord(word string) string {
	if word == "" {
		return word
	}
	runes := []rune(word)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
