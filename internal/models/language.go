package models

import "strings"

// NormalizeLanguage lowercases and trims a language name so that two spellings
// differing only in case or surrounding whitespace resolve to the same storage
// key. Every storage or lookup key must be built from the normalized form.
func NormalizeLanguage(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}

// DisplayLanguage is the derived, non-authoritative presentation form.
func DisplayLanguage(language string) string {
	l := NormalizeLanguage(language)
	if l == "" {
		return ""
	}
	return strings.ToUpper(l[:1]) + l[1:]
}

// NormalizeLanguages normalizes a slice, dropping empties and duplicates while
// keeping first-seen order.
func NormalizeLanguages(languages []string) []string {
	seen := make(map[string]bool, len(languages))
	out := make([]string, 0, len(languages))
	for _, l := range languages {
		n := NormalizeLanguage(l)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
