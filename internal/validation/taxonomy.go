package validation

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Uncategorized is the reserved fallback category.
const Uncategorized = "uncategorized"

// Taxonomy is the closed category allow-list plus a synonym table.
type Taxonomy struct {
	Categories []string          `yaml:"categories"`
	Synonyms   map[string]string `yaml:"synonyms"`
}

// DefaultTaxonomy is used when no taxonomy file is configured.
func DefaultTaxonomy() *Taxonomy {
	return &Taxonomy{
		Categories: []string{
			"dining",
			"groceries",
			"transportation",
			"lodging",
			"travel",
			"entertainment",
			"utilities",
			"healthcare",
			"shopping",
			"office",
			Uncategorized,
		},
		Synonyms: map[string]string{
			"eatery":      "dining",
			"restaurant":  "dining",
			"cafe":        "dining",
			"coffee":      "dining",
			"food":        "dining",
			"supermarket": "groceries",
			"grocery":     "groceries",
			"taxi":        "transportation",
			"rideshare":   "transportation",
			"fuel":        "transportation",
			"gas":         "transportation",
			"parking":     "transportation",
			"hotel":       "lodging",
			"motel":       "lodging",
			"airfare":     "travel",
			"flight":      "travel",
			"pharmacy":    "healthcare",
			"medical":     "healthcare",
			"retail":      "shopping",
			"supplies":    "office",
		},
	}
}

// LoadTaxonomy reads a YAML taxonomy file:
//
//	categories: [dining, groceries]
//	synonyms:
//	  eatery: dining
func LoadTaxonomy(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading taxonomy: %w", err)
	}

	var t Taxonomy
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing taxonomy: %w", err)
	}
	if err := t.check(); err != nil {
		return nil, err
	}
	return &t, nil
}

// check lowercases entries, adds the reserved fallback, and ensures every
// synonym points into the allow-list.
func (t *Taxonomy) check() error {
	seen := make(map[string]bool, len(t.Categories)+1)
	categories := make([]string, 0, len(t.Categories)+1)
	for _, c := range t.Categories {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		categories = append(categories, c)
	}
	if !seen[Uncategorized] {
		categories = append(categories, Uncategorized)
		seen[Uncategorized] = true
	}
	t.Categories = categories

	synonyms := make(map[string]string, len(t.Synonyms))
	for from, to := range t.Synonyms {
		to = strings.ToLower(strings.TrimSpace(to))
		if !seen[to] {
			return fmt.Errorf("synonym %q maps to unknown category %q", from, to)
		}
		synonyms[strings.ToLower(strings.TrimSpace(from))] = to
	}
	t.Synonyms = synonyms
	return nil
}

// Resolve maps a raw category by case-insensitive exact match, then by
// synonym. ok is false when neither matched.
func (t *Taxonomy) Resolve(raw string) (string, bool) {
	key := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	for _, c := range t.Categories {
		if c == key {
			return c, true
		}
	}
	if c, ok := t.Synonyms[key]; ok {
		return c, true
	}
	return Uncategorized, false
}
