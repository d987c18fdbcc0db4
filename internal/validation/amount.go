package validation

import (
	"errors"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	errUnparsable = errors.New("not a monetary amount")
	errPrecision  = errors.New("more than two fractional digits")

	plainAmount    = regexp.MustCompile(`^(\d+\.?\d*|\.\d+)$`)
	groupedAmount  = regexp.MustCompile(`^\d{1,3}(,\d{3})+(\.\d+)?$`)
	commaDecimal   = regexp.MustCompile(`^\d+,\d{1,2}$`)
	currencyPrefix = regexp.MustCompile(`^([A-Za-z]{3})\s*`)
	currencySuffix = regexp.MustCompile(`\s*([A-Za-z]{3})$`)

	moneyToken = regexp.MustCompile(`\d{1,3}(?:,\d{3})+(?:\.\d{2})?|\d+[.,]\d{2}\b`)
)

// symbolCurrency maps printed currency symbols to ISO 4217 codes.
var symbolCurrency = map[string]string{
	"$":   "USD",
	"US$": "USD",
	"€":   "EUR",
	"£":   "GBP",
	"¥":   "JPY",
	"₹":   "INR",
	"₩":   "KRW",
	"₽":   "RUB",
	"R$":  "BRL",
	"C$":  "CAD",
	"A$":  "AUD",
}

// ParseAmount parses a monetary string such as "$1,234.50", "45.00 EUR",
// "45,00" or "(12.00)". The currency hint is the ISO code implied by a
// symbol or code attached to the number, if any. Negative amounts parse
// successfully and are left for the caller to judge.
func ParseAmount(raw string) (decimal.Decimal, string, error) {
	s := strings.TrimSpace(raw)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s, neg := trimSign(s)
	negative = negative || neg

	s, hint := stripCurrency(s)
	s, neg = trimSign(s)
	negative = negative || neg
	s = strings.ReplaceAll(s, " ", "")

	switch {
	case plainAmount.MatchString(s):
		s = strings.TrimSuffix(s, ".")
		if strings.HasPrefix(s, ".") {
			s = "0" + s
		}
	case groupedAmount.MatchString(s):
		s = strings.ReplaceAll(s, ",", "")
	case commaDecimal.MatchString(s):
		s = strings.Replace(s, ",", ".", 1)
	default:
		return decimal.Zero, hint, errUnparsable
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, hint, errUnparsable
	}
	if d.Exponent() < -2 {
		return decimal.Zero, hint, errPrecision
	}
	if negative {
		d = d.Neg()
	}
	return d, hint, nil
}

// trimSign removes a leading "+" or "-" and reports whether it was "-".
func trimSign(s string) (string, bool) {
	switch {
	case strings.HasPrefix(s, "-"):
		return strings.TrimSpace(s[1:]), true
	case strings.HasPrefix(s, "+"):
		return strings.TrimSpace(s[1:]), false
	}
	return s, false
}

func stripCurrency(s string) (string, string) {
	// Longest symbols first so "US$" wins over "$".
	for _, sym := range []string{"US$", "R$", "C$", "A$", "$", "€", "£", "¥", "₹", "₩", "₽"} {
		if strings.HasPrefix(s, sym) {
			return strings.TrimSpace(strings.TrimPrefix(s, sym)), symbolCurrency[sym]
		}
		if strings.HasSuffix(s, sym) {
			return strings.TrimSpace(strings.TrimSuffix(s, sym)), symbolCurrency[sym]
		}
	}
	if m := currencyPrefix.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(s[len(m[0]):]), strings.ToUpper(m[1])
	}
	if m := currencySuffix.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(s[:len(s)-len(m[0])]), strings.ToUpper(m[1])
	}
	return s, ""
}

// amountsInText returns every monetary value printed in text.
func amountsInText(text string) []decimal.Decimal {
	var out []decimal.Decimal
	for _, tok := range moneyToken.FindAllString(text, -1) {
		if d, _, err := ParseAmount(tok); err == nil {
			out = append(out, d)
		}
	}
	return out
}

// currenciesInText returns the distinct ISO codes implied by symbols
// printed in text.
func currenciesInText(text string) map[string]bool {
	out := make(map[string]bool)
	for sym, code := range symbolCurrency {
		if len(sym) > 1 && strings.HasSuffix(sym, "$") {
			continue
		}
		if strings.Contains(text, sym) {
			out[code] = true
		}
	}
	return out
}
