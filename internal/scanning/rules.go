package scanning

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	moneyPattern = regexp.MustCompile(`([$€£¥₹])?\s?(\d{1,3}(?:,\d{3})*\.\d{2}|\d+\.\d{2})\b`)
	datePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
		regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`),
		regexp.MustCompile(`\b\d{1,2}-\d{1,2}-\d{4}\b`),
		regexp.MustCompile(`(?i)\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.? \d{1,2},? \d{4}\b`),
	}
	totalPattern    = regexp.MustCompile(`(?i)\b(grand total|total|amount due|balance due)\b`)
	notTotalPattern = regexp.MustCompile(`(?i)\b(subtotal|sub total|tax|change|tip|savings|discount)\b`)
	skipItemPattern = regexp.MustCompile(`(?i)\b(subtotal|total|tax|change|cash|visa|mastercard|amex|debit|credit|balance|tip)\b`)
)

var symbolCurrency = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
	"₹": "INR",
}

// Rules is a deterministic offline Inferrer. It reads vendor, date, total,
// and line items with simple line heuristics and never calls a network service.
type Rules struct{}

// NewRules creates the offline rules inferrer.
func NewRules() *Rules {
	return &Rules{}
}

type rulesValue struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

type rulesItem struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

// Infer answers every schema field it understands; the rest are null.
func (r *Rules) Infer(ctx context.Context, text string, schema Schema) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lines := strings.Split(text, "\n")
	found := map[string]*rulesValue{
		"vendor": rulesVendor(lines),
		"date":   rulesDate(lines),
	}

	amount, symbol := rulesTotal(lines)
	found["amount"] = amount
	if code, ok := symbolCurrency[symbol]; ok {
		found["currency"] = &rulesValue{Value: code, Confidence: 0.7}
	}
	if items := rulesItems(lines); len(items) > 0 {
		found["line_items"] = &rulesValue{Value: items, Confidence: 0.5}
	}

	reply := make(map[string]*rulesValue, len(schema.Fields))
	for _, f := range schema.Fields {
		reply[f.Name] = found[f.Name]
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("marshaling reply: %w", err)
	}
	return &Reply{Text: string(data), Model: "rules"}, nil
}

// Close is a no-op
func (r *Rules) Close() error {
	return nil
}

func rulesVendor(lines []string) *rulesValue {
	for _, line := range lines {
		if !strings.ContainsFunc(line, isLetter) || moneyPattern.MatchString(line) || findDate(line) != "" {
			continue
		}
		return &rulesValue{Value: strings.TrimSpace(line), Confidence: 0.6}
	}
	return nil
}

func rulesDate(lines []string) *rulesValue {
	for _, line := range lines {
		if d := findDate(line); d != "" {
			return &rulesValue{Value: d, Confidence: 0.8}
		}
	}
	return nil
}

func findDate(line string) string {
	for _, p := range datePatterns {
		if m := p.FindString(line); m != "" {
			return m
		}
	}
	return ""
}

// rulesTotal prefers the last TOTAL-like line, falling back to the largest amount.
func rulesTotal(lines []string) (*rulesValue, string) {
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if !totalPattern.MatchString(line) || notTotalPattern.MatchString(line) {
			continue
		}
		matches := moneyPattern.FindAllStringSubmatch(line, -1)
		if len(matches) == 0 {
			continue
		}
		last := matches[len(matches)-1]
		return &rulesValue{Value: strings.TrimSpace(last[0]), Confidence: 0.9}, last[1]
	}

	var (
		best    decimal.Decimal
		bestRaw []string
	)
	for _, line := range lines {
		for _, m := range moneyPattern.FindAllStringSubmatch(line, -1) {
			d, err := decimal.NewFromString(strings.ReplaceAll(m[2], ",", ""))
			if err != nil {
				continue
			}
			if bestRaw == nil || d.GreaterThan(best) {
				best, bestRaw = d, m
			}
		}
	}
	if bestRaw == nil {
		return nil, ""
	}
	return &rulesValue{Value: strings.TrimSpace(bestRaw[0]), Confidence: 0.5}, bestRaw[1]
}

func rulesItems(lines []string) []rulesItem {
	var items []rulesItem
	for _, line := range lines {
		if skipItemPattern.MatchString(line) {
			continue
		}
		loc := moneyPattern.FindStringSubmatchIndex(line)
		if loc == nil {
			continue
		}
		desc := strings.TrimSpace(line[:loc[0]])
		if desc == "" || !strings.ContainsFunc(desc, isLetter) {
			continue
		}
		items = append(items, rulesItem{
			Description: desc,
			Amount:      strings.TrimSpace(line[loc[0]:loc[1]]),
		})
	}
	return items
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
