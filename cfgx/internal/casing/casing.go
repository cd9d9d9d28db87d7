// Package casing converts dotted Go field paths such as Logging.Level or
// DB.HTTPPort into the names used by environment variables, flags and
// secret files.
package casing

import (
	"strings"
	"unicode"
)

// words splits a dotted path into lower case words. A new word starts at
// an upper case letter that follows a lower case letter or digit, and at
// the last letter of an acronym followed by lower case, so HTTPPort is
// http, port.
func words(path string) []string {
	var out []string

	for segment := range strings.SplitSeq(path, ".") {
		r := []rune(segment)
		start := 0

		for i := 1; i < len(r); i++ {
			if !unicode.IsUpper(r[i]) {
				continue
			}
			prevUpper := unicode.IsUpper(r[i-1])
			nextLower := i+1 < len(r) && unicode.IsLower(r[i+1])

			if !prevUpper || nextLower {
				out = append(out, strings.ToLower(string(r[start:i])))
				start = i
			}
		}
		if start < len(r) {
			out = append(out, strings.ToLower(string(r[start:])))
		}
	}
	return out
}

// ToSnake returns path in snake_case.
func ToSnake(path string) string {
	return strings.Join(words(path), "_")
}

// ToScreamingSnake returns path in SCREAMING_SNAKE_CASE.
func ToScreamingSnake(path string) string {
	return strings.ToUpper(ToSnake(path))
}

// ToKebab returns path in kebab-case.
func ToKebab(path string) string {
	return strings.Join(words(path), "-")
}
