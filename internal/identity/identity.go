// Package identity canonicalizes the free-text order identifiers and customer
// names that arrive from the order system. Every matching decision in the
// queue (dedup, snooze/cancel targeting, lookups) goes through this single
// normalization path; bypassing it silently proliferates duplicates.
//
// Two raw order identifiers refer to the same order iff their canonical keys
// are equal and non-empty.
package identity

import (
	"regexp"
	"strings"
)

// keyWidth is the fixed width of a canonical order key. Shorter digit runs
// are left-padded with zeros; longer ones keep their rightmost digits.
const keyWidth = 6

// prettySplit is the display split point: "001293" renders as "00.1293".
const prettySplit = 2

var (
	digitsRE     = regexp.MustCompile(`\d`)
	whitespaceRE = regexp.MustCompile(`\s+`)
)

// CanonicalOrderKey reduces a raw order identifier to its stable comparison
// key: presentation artifacts (leading quotes, labels, embedded whitespace,
// punctuation) are stripped, the digits are extracted, and the result is
// padded or truncated to the fixed key width. It returns "" when raw carries
// no digits at all; an empty key never matches anything.
func CanonicalOrderKey(raw string) string {
	digits := digitsRE.FindAllString(raw, -1)
	if len(digits) == 0 {
		return ""
	}
	key := strings.Join(digits, "")
	if len(key) > keyWidth {
		key = key[len(key)-keyWidth:]
	}
	for len(key) < keyWidth {
		key = "0" + key
	}
	return key
}

// PrettyOrderKey formats a canonical key for display ("001293" → "00.1293").
// Inputs that are not canonical keys are first canonicalized; "" stays "".
func PrettyOrderKey(key string) string {
	k := CanonicalOrderKey(key)
	if k == "" {
		return ""
	}
	return k[:prettySplit] + "." + k[prettySplit:]
}

// NormalizeText collapses non-breaking and repeated whitespace to single
// spaces and trims the result. Customer-name comparisons are performed on
// normalized text only.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, " ", " ")
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(s, " "))
}

// EqualsCI reports whether a and b are the same text after normalization,
// ignoring case. Two empty strings are not considered a match.
func EqualsCI(a, b string) bool {
	na, nb := NormalizeText(a), NormalizeText(b)
	if na == "" || nb == "" {
		return false
	}
	return strings.EqualFold(na, nb)
}
