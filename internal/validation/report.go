package validation

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/errs"
)

// Status is a per-field validation verdict.
type Status string

const (
	StatusOK         Status = "ok"
	StatusSuspicious Status = "suspicious"
	StatusIncomplete Status = "incomplete"
	StatusInvalid    Status = "invalid"
)

// statusCeiling caps field confidence by verdict.
var statusCeiling = map[Status]float64{
	StatusOK:         1,
	StatusSuspicious: 0.5,
	StatusIncomplete: 0,
	StatusInvalid:    0,
}

// Decision is the record-level outcome.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
)

// FieldReport is the verdict for one field.
type FieldReport struct {
	Status     Status  `json:"status"`
	Value      string  `json:"value"`
	Reason     string  `json:"reason,omitempty"`
	Confidence float64 `json:"confidence"`
}

// LineItemReport is the verdict for one line item.
type LineItemReport struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Status      Status `json:"status"`
	Reason      string `json:"reason,omitempty"`
}

// ValidationReport is the full outcome of validating a candidate.
type ValidationReport struct {
	Decision    Decision               `json:"decision"`
	Fields      map[string]FieldReport `json:"fields"`
	LineItems   []LineItemReport       `json:"line_items,omitempty"`
	Confidence  float64                `json:"confidence"`
	NeedsReview bool                   `json:"needs_review"`
}

// Accepted reports whether the record may become an expense.
func (r *ValidationReport) Accepted() bool {
	return r.Decision == DecisionAccepted
}

// Err is nil for accepted reports and a ValidationError naming each
// invalid field otherwise.
func (r *ValidationReport) Err() error {
	if r.Accepted() {
		return nil
	}
	fields := make(map[string]string)
	var reasons []string
	for name, f := range r.Fields {
		if f.Status == StatusInvalid {
			fields[name] = f.Reason
			reasons = append(reasons, name+": "+f.Reason)
		}
	}
	sort.Strings(reasons)
	return errs.NewValidationError("record rejected: "+strings.Join(reasons, "; "), fields)
}

// Statuses flattens field verdicts.
func (r *ValidationReport) Statuses() map[string]string {
	out := make(map[string]string, len(r.Fields))
	for name, f := range r.Fields {
		out[name] = string(f.Status)
	}
	return out
}

// Confidences flattens field confidences.
func (r *ValidationReport) Confidences() map[string]float64 {
	out := make(map[string]float64, len(r.Fields))
	for name, f := range r.Fields {
		out[name] = f.Confidence
	}
	return out
}

// ValidatedExpense holds typed values for an accepted record.
type ValidatedExpense struct {
	Vendor    string
	Amount    decimal.Decimal
	Currency  string
	Date      time.Time
	Category  string
	LineItems []ValidatedLineItem
}

// ValidatedLineItem is a line item whose amount parsed.
type ValidatedLineItem struct {
	Description string
	Amount      decimal.Decimal
}
