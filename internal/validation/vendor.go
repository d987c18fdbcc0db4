package validation

import (
	"maps"
	"slices"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// VendorMatcher canonicalizes an extracted vendor name. ok is false when
// the matcher has no opinion and the cleaned input should be kept.
type VendorMatcher interface {
	Match(vendor string) (canonical string, ok bool)
}

// AliasMatcher maps known spellings to a canonical name by
// case-insensitive exact match on the vendor key. When several aliases
// share a key the lexically smallest alias wins.
type AliasMatcher map[string]string

// Match returns the canonical name of the first alias whose key equals the vendor's.
func (a AliasMatcher) Match(vendor string) (string, bool) {
	key := vendorKey(vendor)
	for _, alias := range slices.Sorted(maps.Keys(a)) {
		canonical := a[alias]
		if vendorKey(alias) == key {
			return canonical, true
		}
	}
	return "", false
}

// HistoryMatcher snaps a vendor to one the user has already recorded.
//
// Both names are reduced to a key (lowercase, letters and digits only,
// single spaces). A known vendor matches when its key equals the input key,
// or when the Levenshtein similarity 1 - distance/max(len) of the keys is
// at least Threshold. The most similar known vendor wins; ties keep the
// earliest entry of Known.
type HistoryMatcher struct {
	Known     []string
	Threshold float64
}

// NewHistoryMatcher creates a HistoryMatcher with the default threshold of 0.85.
func NewHistoryMatcher(known []string) *HistoryMatcher {
	return &HistoryMatcher{Known: known, Threshold: 0.85}
}

// Match returns the most similar known vendor at or above Threshold.
func (h *HistoryMatcher) Match(vendor string) (string, bool) {
	key := vendorKey(vendor)
	if key == "" {
		return "", false
	}

	best, bestScore := "", 0.0
	for _, known := range h.Known {
		score := similarity(key, vendorKey(known))
		if score > bestScore {
			best, bestScore = known, score
		}
	}
	if bestScore < h.Threshold || bestScore == 0 {
		return "", false
	}
	return best, true
}

// Matchers tries each matcher in order.
type Matchers []VendorMatcher

// Match returns the first opinion of any matcher.
func (m Matchers) Match(vendor string) (string, bool) {
	for _, matcher := range m {
		if matcher == nil {
			continue
		}
		if canonical, ok := matcher.Match(vendor); ok {
			return canonical, true
		}
	}
	return "", false
}

func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	longest := max(len([]rune(a)), len([]rune(b)))
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

func vendorKey(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// cleanVendor trims and collapses internal whitespace.
func cleanVendor(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
