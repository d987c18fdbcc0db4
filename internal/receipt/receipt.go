package receipt

import (
	"time"

	"github.com/shopspring/decimal"
)

// Receipt is an uploaded receipt image and its processing state.
type Receipt struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	// ImageRef is the opaque storage handle of the image.
	ImageRef string `json:"-"`
	State    State  `json:"state"`
	// RawText is set once, when OCR first succeeds.
	RawText   *string   `json:"raw_text,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AttemptStatus is the outcome of one extraction attempt.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	// AttemptPartial is an accepted record with fields needing review.
	AttemptPartial AttemptStatus = "partial"
	AttemptFailed  AttemptStatus = "failed"
)

// ExtractionAttempt is one append-only record of an inference run.
type ExtractionAttempt struct {
	ID          string        `json:"id"`
	ReceiptID   string        `json:"receipt_id"`
	Seq         uint64        `json:"seq"`
	InputText   string        `json:"input_text"`
	InputDigest string        `json:"input_digest"`
	RawResponse string        `json:"raw_response,omitempty"`
	Model       string        `json:"model,omitempty"`
	Status      AttemptStatus `json:"status"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	// Fields is set for success and partial attempts.
	Fields    *ExtractedFields `json:"fields,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Succeeded reports whether the attempt produced an accepted record.
func (a *ExtractionAttempt) Succeeded() bool {
	return a.Status == AttemptSuccess || a.Status == AttemptPartial
}

// ExtractedFields are the validated values of an attempt.
type ExtractedFields struct {
	Vendor      string             `json:"vendor"`
	Amount      decimal.Decimal    `json:"amount"`
	Currency    string             `json:"currency"`
	Date        time.Time          `json:"date"`
	Category    string             `json:"category"`
	LineItems   []LineItem         `json:"line_items,omitempty"`
	Statuses    map[string]string  `json:"statuses"`
	Confidences map[string]float64 `json:"confidences"`
	Confidence  float64            `json:"confidence"`
	NeedsReview bool               `json:"needs_review"`
}

// LineItem is one validated purchase line of an expense.
type LineItem struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// Source says where an expense came from.
type Source string

const (
	SourceManual  Source = "manual"
	SourceReceipt Source = "receipt"
)

// Expense is a ledger entry.
type Expense struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	// ReceiptID is empty for manual entries.
	ReceiptID string          `json:"receipt_id,omitempty"`
	Vendor    string          `json:"vendor"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Category  string          `json:"category"`
	Date      time.Time       `json:"date"`
	LineItems []LineItem      `json:"line_items,omitempty"`
	Source    Source          `json:"source"`
	// Confidences and Statuses are set for receipt-derived expenses.
	Confidences map[string]float64 `json:"confidences,omitempty"`
	Statuses    map[string]string  `json:"statuses,omitempty"`
	NeedsReview bool               `json:"needs_review"`
	CreatedAt   time.Time          `json:"created_at"`
}

// ExpenseFilter narrows ListExpenses. Zero values match everything; From
// and To are inclusive calendar dates.
type ExpenseFilter struct {
	From     time.Time
	To       time.Time
	Category string
}

// Matches reports whether e passes the filter.
func (f ExpenseFilter) Matches(e *Expense) bool {
	if !f.From.IsZero() && e.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Date.After(f.To) {
		return false
	}
	if f.Category != "" && f.Category != e.Category {
		return false
	}
	return true
}
