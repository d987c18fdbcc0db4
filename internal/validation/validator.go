// Package validation checks extracted receipt fields against plausibility
// rules, reconciles them with the source text, and decides whether the
// record may become an expense.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/extraction"
)

// UnknownVendor stands in for a vendor the receipt did not yield.
const UnknownVendor = "Unknown vendor"

// Validator is the Validator/Reconciler. It performs no I/O and is
// deterministic for a fixed clock.
type Validator struct {
	cfg Config
}

// NewValidator checks cfg and fills in its defaults.
func NewValidator(cfg Config) (*Validator, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	if err := cfg.Taxonomy.check(); err != nil {
		return nil, fmt.Errorf("invalid taxonomy: %w", err)
	}
	return &Validator{cfg: cfg}, nil
}

// Taxonomy returns the active category allow-list.
func (v *Validator) Taxonomy() *Taxonomy {
	return v.cfg.Taxonomy
}

// Option adjusts a single validation run.
type Option func(*run)

type run struct {
	vendors VendorMatcher
}

// WithVendors adds a matcher consulted before the configured one, such as
// a HistoryMatcher built from the owner's earlier expenses.
func WithVendors(m VendorMatcher) Option {
	return func(r *run) {
		r.vendors = m
	}
}

// Validate judges a candidate. The expense is nil when the report is
// rejected, which happens when the total amount or the date is invalid.
func (v *Validator) Validate(candidate *extraction.Result, opts ...Option) (*ValidatedExpense, *ValidationReport) {
	r := run{}
	for _, opt := range opts {
		opt(&r)
	}
	vendors := Matchers{r.vendors, v.cfg.Vendors}
	text := candidate.Input.Text()

	report := &ValidationReport{Fields: make(map[string]FieldReport, 5)}
	expense := &ValidatedExpense{}

	amountField := candidate.Field(extraction.FieldAmount)
	amount, hint, amountReport := v.amount(amountField, text)
	report.Fields[extraction.FieldAmount] = amountReport
	expense.Amount = amount

	dateField := candidate.Field(extraction.FieldDate)
	date, dateReport := v.date(dateField)
	report.Fields[extraction.FieldDate] = dateReport
	expense.Date = date

	vendorReport := v.vendor(candidate.Field(extraction.FieldVendor), vendors)
	report.Fields[extraction.FieldVendor] = vendorReport
	expense.Vendor = vendorReport.Value
	if expense.Vendor == "" {
		expense.Vendor = UnknownVendor
	}

	currencyReport := v.currency(candidate.Field(extraction.FieldCurrency), hint, text)
	report.Fields[extraction.FieldCurrency] = currencyReport
	expense.Currency = currencyReport.Value

	categoryReport := v.category(candidate.Field(extraction.FieldCategory))
	report.Fields[extraction.FieldCategory] = categoryReport
	expense.Category = categoryReport.Value

	for _, item := range candidate.LineItems {
		lineReport, validated, ok := v.lineItem(item)
		report.LineItems = append(report.LineItems, lineReport)
		if ok {
			expense.LineItems = append(expense.LineItems, validated)
		}
	}

	report.Confidence = min(amountReport.Confidence, dateReport.Confidence)
	report.NeedsReview = report.Confidence < v.cfg.ReviewThreshold
	for _, f := range report.Fields {
		if f.Status != StatusOK {
			report.NeedsReview = true
		}
	}

	if amountReport.Status == StatusInvalid || dateReport.Status == StatusInvalid {
		report.Decision = DecisionRejected
		return nil, report
	}
	report.Decision = DecisionAccepted
	return expense, report
}

func (v *Validator) amount(f extraction.Field, text string) (decimal.Decimal, string, FieldReport) {
	raw := strings.TrimSpace(f.Raw)
	if !f.Known || raw == "" {
		return decimal.Zero, "", verdict(f, "", StatusInvalid, "total amount missing")
	}

	amount, hint, err := ParseAmount(raw)
	switch {
	case errors.Is(err, errPrecision):
		return decimal.Zero, hint, verdict(f, raw, StatusInvalid, "total amount has more than two decimal places")
	case err != nil:
		return decimal.Zero, hint, verdict(f, raw, StatusInvalid, "total amount is not a number")
	case amount.IsNegative():
		return amount, hint, verdict(f, amount.StringFixed(2), StatusInvalid, "total amount is negative")
	case amount.IsZero():
		return amount, hint, verdict(f, amount.StringFixed(2), StatusInvalid, "total amount is zero")
	}

	value := amount.StringFixed(2)
	if strings.TrimSpace(text) != "" && !containsAmount(amountsInText(text), amount) {
		return amount, hint, verdict(f, value, StatusSuspicious, "total amount does not appear in receipt text")
	}
	return amount, hint, verdict(f, value, StatusOK, "")
}

func (v *Validator) date(f extraction.Field) (time.Time, FieldReport) {
	raw := strings.TrimSpace(f.Raw)
	if !f.Known || raw == "" {
		return time.Time{}, verdict(f, "", StatusInvalid, "date missing")
	}

	date, err := ParseDate(raw)
	if err != nil {
		return time.Time{}, verdict(f, raw, StatusInvalid, "date is not a calendar date")
	}

	value := date.Format(time.DateOnly)
	now := v.cfg.Now()
	switch {
	case date.After(now.Add(v.cfg.FutureHorizon)):
		return date, verdict(f, value, StatusInvalid, "date is in the future")
	case date.Before(now.Add(-v.cfg.PastHorizon)):
		return date, verdict(f, value, StatusSuspicious, "date is implausibly old")
	}
	return date, verdict(f, value, StatusOK, "")
}

func (v *Validator) vendor(f extraction.Field, matcher VendorMatcher) FieldReport {
	name := cleanVendor(f.Raw)
	if !f.Known || name == "" {
		return verdict(f, "", StatusIncomplete, "vendor missing")
	}
	if canonical, ok := matcher.Match(name); ok {
		return verdict(f, canonical, StatusOK, "")
	}
	return verdict(f, name, StatusOK, "")
}

func (v *Validator) currency(f extraction.Field, hint, text string) FieldReport {
	fallback := v.cfg.DefaultCurrency
	if validCurrency(hint) {
		fallback = hint
	}

	raw := strings.TrimSpace(f.Raw)
	if !f.Known || raw == "" {
		if validCurrency(hint) {
			return verdict(f, hint, StatusOK, "")
		}
		return verdict(f, fallback, StatusIncomplete, "currency missing, default applied")
	}

	code, ok := symbolCurrency[raw]
	if !ok {
		code = strings.ToUpper(raw)
	}
	if !validCurrency(code) {
		return verdict(f, fallback, StatusSuspicious, fmt.Sprintf("unrecognized currency %q", raw))
	}
	if hint != "" && hint != code {
		return verdict(f, code, StatusSuspicious, "currency disagrees with amount symbol")
	}
	if seen := currenciesInText(text); len(seen) > 0 && !seen[code] {
		return verdict(f, code, StatusSuspicious, "currency disagrees with receipt text")
	}
	return verdict(f, code, StatusOK, "")
}

func (v *Validator) category(f extraction.Field) FieldReport {
	raw := strings.TrimSpace(f.Raw)
	if !f.Known || raw == "" {
		return verdict(f, Uncategorized, StatusIncomplete, "category missing")
	}
	category, ok := v.cfg.Taxonomy.Resolve(raw)
	if !ok {
		return verdict(f, Uncategorized, StatusIncomplete, fmt.Sprintf("category %q not in taxonomy", raw))
	}
	return verdict(f, category, StatusOK, "")
}

func (v *Validator) lineItem(item extraction.LineItem) (LineItemReport, ValidatedLineItem, bool) {
	report := LineItemReport{
		Description: cleanVendor(item.Description.Raw),
		Amount:      strings.TrimSpace(item.Amount.Raw),
		Status:      StatusOK,
	}

	amount, _, err := ParseAmount(item.Amount.Raw)
	switch {
	case !item.Amount.Known || err != nil:
		report.Status, report.Reason = StatusInvalid, "item amount is not a number"
		return report, ValidatedLineItem{}, false
	case amount.IsNegative():
		report.Status, report.Reason = StatusInvalid, "item amount is negative"
		return report, ValidatedLineItem{}, false
	case amount.IsZero():
		report.Status, report.Reason = StatusSuspicious, "item amount is zero"
	case report.Description == "":
		report.Status, report.Reason = StatusIncomplete, "item description missing"
	}
	report.Amount = amount.StringFixed(2)

	return report, ValidatedLineItem{Description: report.Description, Amount: amount}, true
}

func verdict(f extraction.Field, value string, status Status, reason string) FieldReport {
	c := statusCeiling[status]
	if f.Confidence != nil && *f.Confidence < c {
		c = *f.Confidence
	}
	return FieldReport{Status: status, Value: value, Reason: reason, Confidence: c}
}

func validCurrency(code string) bool {
	return code != "" && validate.Var(code, "iso4217") == nil
}

func containsAmount(amounts []decimal.Decimal, want decimal.Decimal) bool {
	for _, a := range amounts {
		if a.Equal(want) {
			return true
		}
	}
	return false
}

// Manual is a user-entered expense in raw form.
type Manual struct {
	Vendor   string
	Amount   string
	Currency string
	Date     string
	Category string
}

// ValidateManual applies the same field rules to a manual entry. There is
// no source text to reconcile against.
func (v *Validator) ValidateManual(m Manual, opts ...Option) (*ValidatedExpense, *ValidationReport) {
	fields := make(map[string]extraction.Field, 5)
	for name, raw := range map[string]string{
		extraction.FieldVendor:   m.Vendor,
		extraction.FieldAmount:   m.Amount,
		extraction.FieldCurrency: m.Currency,
		extraction.FieldDate:     m.Date,
		extraction.FieldCategory: m.Category,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		fields[name] = extraction.Field{Name: name, Raw: raw, Known: true}
	}
	return v.Validate(&extraction.Result{Fields: fields}, opts...)
}
