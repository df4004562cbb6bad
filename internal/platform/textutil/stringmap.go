package textutil

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrTooManyEntries is returned when a map holds more entries than allowed.
var ErrTooManyEntries = errors.New("textutil: too many entries")

// NormalizeKey lowercases a key and folds spaces and hyphens into underscores, so
// "Phone Number" and "phone-number" both become "phone_number".
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(key))
	underscore := false
	for _, r := range key {
		if unicode.IsSpace(r) || r == '-' || r == '_' {
			if !underscore && b.Len() > 0 {
				b.WriteByte('_')
				underscore = true
			}
			continue
		}
		b.WriteRune(unicode.ToLower(r))
		underscore = false
	}
	return strings.TrimSuffix(b.String(), "_")
}

// NormalizeAttributes normalises keys with NormalizeKey and trims values. Entries whose key or
// value ends up empty are dropped and values are cut to maxValueRunes. Non-positive limits
// disable the matching bound. When two keys normalise to the same name the lexically greater
// original key wins, which keeps the result independent of map iteration order.
func NormalizeAttributes(values map[string]string, maxEntries, maxValueRunes int) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	result := make(map[string]string, len(values))
	origin := make(map[string]string, len(values))
	for key, value := range values {
		normalized := NormalizeKey(key)
		value = strings.TrimSpace(value)
		if normalized == "" || value == "" {
			continue
		}
		if prev, ok := origin[normalized]; ok && prev > key {
			continue
		}
		origin[normalized] = key
		result[normalized] = truncateRunes(value, maxValueRunes)
	}
	if maxEntries > 0 && len(result) > maxEntries {
		return nil, ErrTooManyEntries
	}
	if len(result) == 0 {
		return nil, nil
	}
	return result, nil
}

func truncateRunes(value string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return strings.TrimSpace(string(runes[:limit]))
}
