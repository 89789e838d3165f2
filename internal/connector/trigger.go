package connector

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Trigger decides whether an item's text is addressed to the agent.
type Trigger struct {
	// Mentions are handles matched case-insensitively as whole words ("@pmbot", "PM Bot").
	Mentions []string
	// Keywords are matched as whole words, case-insensitively.
	Keywords []string
}

func (t Trigger) Match(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range t.Mentions {
		if containsWord(lower, strings.ToLower(strings.TrimSpace(m))) {
			return true
		}
	}
	for _, k := range t.Keywords {
		if containsWord(lower, strings.ToLower(strings.TrimSpace(k))) {
			return true
		}
	}
	return false
}

// containsWord reports whether word occurs in s with no letter or digit directly
// before or after it.
func containsWord(s, word string) bool {
	if word == "" {
		return false
	}
	for off := 0; off < len(s); {
		i := strings.Index(s[off:], word)
		if i < 0 {
			return false
		}
		start := off + i
		end := start + len(word)
		before, _ := utf8.DecodeLastRuneInString(s[:start])
		after, _ := utf8.DecodeRuneInString(s[end:])
		if (start == 0 || !isWordRune(before)) && (end == len(s) || !isWordRune(after)) {
			return true
		}
		off = start + 1
	}
	return false
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
