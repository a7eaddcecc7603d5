package validator

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// FieldError is one failed check on a named input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects every failed check so callers can report them together.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Field + ": " + e.Message
	}
	return strings.Join(parts, "; ")
}

func (v ValidationErrors) HasErrors() bool { return len(v) > 0 }

func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, FieldError{Field: field, Message: message})
}

// LengthBetween reports whether s holds between min and max characters (runes, not bytes).
func LengthBetween(s string, min, max int) bool {
	n := utf8.RuneCountInString(s)
	return n >= min && n <= max
}

var blockedWords = map[string]struct{}{
	"fuck":    {},
	"shit":    {},
	"bitch":   {},
	"asshole": {},
	"bastard": {},
	"cunt":    {},
	"dick":    {},
	"slut":    {},
	"whore":   {},
	"retard":  {},
	"씨발":      {},
	"시발":      {},
	"병신":      {},
	"개새끼":     {},
	"좆":       {},
}

// ContainsProfanity reports whether any word of s is on the block list. Matching is
// case-insensitive and ignores punctuation around words.
func ContainsProfanity(s string) bool {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		if _, ok := blockedWords[w]; ok {
			return true
		}
	}
	return false
}
