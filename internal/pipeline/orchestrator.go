// Package pipeline drives a receipt from upload to expense: OCR, text
// normalization, field extraction, validation, and the state transitions
// between them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-ledger/internal/errs"
	"github.com/zombor/receipt-ledger/internal/extraction"
	"github.com/zombor/receipt-ledger/internal/normalize"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/validation"
	"github.com/zombor/receipt-ledger/pkg/logger"
)

// expenseNamespace seeds deterministic expense IDs.
var expenseNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("receipt-ledger/expense"))

// ExpenseID is the ID of the expense derived from a receipt. Every run for
// the same receipt derives the same ID, so a repeated write is detected by
// the repository instead of creating a second expense.
func ExpenseID(receiptID string) string {
	return uuid.NewSHA1(expenseNamespace, []byte(receiptID)).String()
}

// Repository is the persistence the orchestrator needs.
type Repository interface {
	GetReceipt(ctx context.Context, userID, id string) (*receipt.Receipt, error)
	TransitionState(ctx context.Context, userID, id string, from, to receipt.State, lastError string, at time.Time) (*receipt.Receipt, error)
	SetRawText(ctx context.Context, userID, id, text string, at time.Time) error
	ListStale(ctx context.Context, state receipt.State, before time.Time) ([]*receipt.Receipt, error)
	AppendAttempt(ctx context.Context, attempt *receipt.ExtractionAttempt) error
	ListAttempts(ctx context.Context, receiptID string) ([]*receipt.ExtractionAttempt, error)
	CreateExpense(ctx context.Context, expense *receipt.Expense) error
	GetExpense(ctx context.Context, userID, id string) (*receipt.Expense, error)
	ListExpenses(ctx context.Context, userID string, filter receipt.ExpenseFilter) ([]*receipt.Expense, error)
}

// ImageStore fetches receipt images by handle.
type ImageStore interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

// OCRService transcribes an image.
type OCRService interface {
	Recognize(ctx context.Context, imageData []byte, contentType string) (string, error)
}

// Extractor turns normalized text into candidate fields.
type Extractor interface {
	Extract(ctx context.Context, normalized normalize.NormalizedText) (*extraction.Result, error)
}

// Outcome is the result of a processing request. Expense is set only when
// the receipt reached the extracted state.
type Outcome struct {
	Receipt *receipt.Receipt           `json:"receipt"`
	Attempt *receipt.ExtractionAttempt `json:"attempt,omitempty"`
	Expense *receipt.Expense           `json:"expense,omitempty"`
	Report  *validation.ValidationReport         `json:"report,omitempty"`
	// Replayed is true when the receipt was already extracted and no
	// external service was called.
	Replayed bool `json:"replayed"`
}

// Orchestrator is the PipelineOrchestrator.
type Orchestrator struct {
	repo        Repository
	images      ImageStore
	ocr         OCRService
	extractor   Extractor
	validator   *validation.Validator
	cfg         Config
	idGenerator receipt.IDGenerator
	timeSource  receipt.TimeSource
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string { return uuid.NewString() }

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// New creates an Orchestrator with random expense attempt IDs and the system clock
func New(repo Repository, images ImageStore, ocr OCRService, extractor Extractor, v *validation.Validator, cfg Config) (*Orchestrator, error) {
	return NewWithDeps(repo, images, ocr, extractor, v, cfg, uuidGenerator{}, utcClock{})
}

// NewWithDeps creates an Orchestrator with custom ID and time sources for testing
func NewWithDeps(repo Repository, images ImageStore, ocr OCRService, extractor Extractor, v *validation.Validator, cfg Config, idGen receipt.IDGenerator, timeSrc receipt.TimeSource) (*Orchestrator, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		repo:        repo,
		images:      images,
		ocr:         ocr,
		extractor:   extractor,
		validator:   v,
		cfg:         cfg,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}, nil
}

// Process runs the pipeline for one receipt from whatever state it is in.
//
// An extracted receipt is returned as is, without calling OCR or inference.
// A failed receipt is retried from its failed step. A receipt another run
// is working on yields a ConflictError, unless that run has been pending
// longer than StaleAfter, in which case it is reclaimed and retried.
//
// When the run fails, the returned Outcome still describes the receipt's
// current state and the attempt that was recorded, if any.
func (o *Orchestrator) Process(ctx context.Context, userID, receiptID string) (*Outcome, error) {
	log, ctx := logger.With(ctx, "receipt_id", receiptID, "user_id", userID)

	r, err := o.repo.GetReceipt(ctx, userID, receiptID)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}

	if r.State.Pending() {
		if r, err = o.reclaim(ctx, r); err != nil {
			return &Outcome{Receipt: r}, err
		}
	}

	switch r.State {
	case receipt.StateExtracted:
		return o.replay(ctx, r)

	case receipt.StateUploaded, receipt.StateOCRFailed:
		if r, err = o.recognize(ctx, r); err != nil {
			return &Outcome{Receipt: r}, err
		}
		return o.extract(ctx, r)

	case receipt.StateOCRDone, receipt.StateExtractionFailed:
		return o.extract(ctx, r)
	}

	log.Error("Receipt in unknown state", "state", r.State)
	return &Outcome{Receipt: r}, fmt.Errorf("receipt %s has unknown state %q", r.ID, r.State)
}

// recognize moves the receipt through OCR and returns it in ocr_done.
func (o *Orchestrator) recognize(ctx context.Context, r *receipt.Receipt) (*receipt.Receipt, error) {
	r, err := o.transition(ctx, r, receipt.StateOCRPending, "")
	if err != nil {
		return r, err
	}

	// OCR text is immutable once recorded; an earlier run may have stored
	// it before failing to advance the state.
	if r.RawText != nil {
		logger.FromContext(ctx).Info("Reusing recorded OCR text")
		return o.transition(ctx, r, receipt.StateOCRDone, "")
	}

	text, err := o.runOCR(ctx, r)
	if err == nil {
		err = o.repo.SetRawText(ctx, r.UserID, r.ID, text, o.timeSource.Now())
	}
	if err != nil {
		failed, tErr := o.transition(context.WithoutCancel(ctx), r, receipt.StateOCRFailed, err.Error())
		if tErr != nil {
			logger.FromContext(ctx).Error("Failed to record OCR failure", "error", tErr)
		}
		return failed, fmt.Errorf("recognizing receipt: %w", err)
	}
	r.RawText = &text

	return o.transition(ctx, r, receipt.StateOCRDone, "")
}

func (o *Orchestrator) runOCR(ctx context.Context, r *receipt.Receipt) (string, error) {
	image, err := o.images.Get(ctx, r.ImageRef)
	if err != nil {
		return "", fmt.Errorf("fetching image: %w", err)
	}

	var text string
	err = o.retry(ctx, "ocr", func(ctx context.Context) error {
		var err error
		text, err = o.ocr.Recognize(ctx, image, r.ContentType)
		return err
	})
	if err != nil {
		return "", err
	}

	logger.FromContext(ctx).Info("Receipt recognized", "chars", len(text))
	return text, nil
}

// extract moves an ocr_done or extraction_failed receipt through one
// extraction attempt.
func (o *Orchestrator) extract(ctx context.Context, r *receipt.Receipt) (*Outcome, error) {
	r, err := o.transition(ctx, r, receipt.StateExtractionPending, "")
	if err != nil {
		return &Outcome{Receipt: r}, err
	}

	attempt := &receipt.ExtractionAttempt{
		ID:        o.idGenerator.Generate(),
		ReceiptID: r.ID,
		CreatedAt: o.timeSource.Now(),
	}

	raw := ""
	if r.RawText != nil {
		raw = *r.RawText
	}
	normalized, err := normalize.Normalize(raw)
	if err != nil {
		return o.fail(ctx, r, attempt, nil, err)
	}
	attempt.InputText = normalized.Text()
	attempt.InputDigest = normalized.Digest()

	var result *extraction.Result
	err = o.retry(ctx, "inference", func(ctx context.Context) error {
		var err error
		result, err = o.extractor.Extract(ctx, normalized)
		return err
	})
	if err != nil {
		var malformed *errs.MalformedResponseError
		if errors.As(err, &malformed) {
			attempt.RawResponse = malformed.Raw
		}
		return o.fail(ctx, r, attempt, nil, err)
	}
	attempt.RawResponse = result.RawResponse
	attempt.Model = result.Model

	validated, report := o.validator.Validate(result, o.vendorHistory(ctx, r.UserID)...)
	if !report.Accepted() {
		return o.fail(ctx, r, attempt, report, report.Err())
	}

	attempt.Fields = extractedFields(validated, report)
	attempt.Status = receipt.AttemptSuccess
	if report.NeedsReview {
		attempt.Status = receipt.AttemptPartial
	}
	if err := o.repo.AppendAttempt(ctx, attempt); err != nil {
		return o.abandon(ctx, r, fmt.Errorf("recording attempt: %w", err))
	}

	r, err = o.transition(ctx, r, receipt.StateExtracted, "")
	if err != nil {
		return &Outcome{Receipt: r, Attempt: attempt, Report: report}, err
	}

	expense, err := o.createExpense(ctx, r, attempt)
	if err != nil {
		return &Outcome{Receipt: r, Attempt: attempt, Report: report}, err
	}

	logger.FromContext(ctx).Info("Receipt extracted",
		"attempt_id", attempt.ID,
		"status", attempt.Status,
		"confidence", report.Confidence,
	)
	return &Outcome{Receipt: r, Attempt: attempt, Expense: expense, Report: report}, nil
}

// fail records a failed attempt and moves the receipt to extraction_failed.
// State writes outlive a cancelled request so the receipt is not left
// pending.
func (o *Orchestrator) fail(ctx context.Context, r *receipt.Receipt, attempt *receipt.ExtractionAttempt, report *validation.ValidationReport, cause error) (*Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)

	attempt.Status = receipt.AttemptFailed
	attempt.ErrorKind = string(errs.KindOf(cause))
	attempt.Error = cause.Error()
	if err := o.repo.AppendAttempt(ctx, attempt); err != nil {
		log.Error("Failed to record extraction attempt", "error", err)
	}

	failed, err := o.transition(ctx, r, receipt.StateExtractionFailed, cause.Error())
	if err != nil {
		log.Error("Failed to record extraction failure", "error", err)
	}

	log.Warn("Extraction failed", "kind", attempt.ErrorKind, "error", cause)
	return &Outcome{Receipt: failed, Attempt: attempt, Report: report}, fmt.Errorf("extracting receipt: %w", cause)
}

// abandon moves a receipt out of extraction_pending after an
// infrastructure failure.
func (o *Orchestrator) abandon(ctx context.Context, r *receipt.Receipt, cause error) (*Outcome, error) {
	failed, err := o.transition(context.WithoutCancel(ctx), r, receipt.StateExtractionFailed, cause.Error())
	if err != nil {
		logger.FromContext(ctx).Error("Failed to record extraction failure", "error", err)
	}
	return &Outcome{Receipt: failed}, cause
}

// replay returns the stored result of an extracted receipt. A missing
// expense, left by a run that stopped after the state change, is
// recreated from the latest successful attempt.
func (o *Orchestrator) replay(ctx context.Context, r *receipt.Receipt) (*Outcome, error) {
	attempt, err := o.latestSuccess(ctx, r.ID)
	if err != nil {
		return &Outcome{Receipt: r}, err
	}

	expense, err := o.repo.GetExpense(ctx, r.UserID, ExpenseID(r.ID))
	if errs.KindOf(err) == errs.KindNotFound {
		logger.FromContext(ctx).Warn("Restoring missing expense for extracted receipt")
		expense, err = o.createExpense(ctx, r, attempt)
	}
	if err != nil {
		return &Outcome{Receipt: r, Attempt: attempt}, fmt.Errorf("getting expense: %w", err)
	}

	return &Outcome{Receipt: r, Attempt: attempt, Expense: expense, Replayed: true}, nil
}

// latestSuccess returns the current extraction of a receipt.
func (o *Orchestrator) latestSuccess(ctx context.Context, receiptID string) (*receipt.ExtractionAttempt, error) {
	attempts, err := o.repo.ListAttempts(ctx, receiptID)
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Succeeded() && attempts[i].Fields != nil {
			return attempts[i], nil
		}
	}
	return nil, fmt.Errorf("receipt %s is extracted but has no successful attempt", receiptID)
}

func (o *Orchestrator) createExpense(ctx context.Context, r *receipt.Receipt, attempt *receipt.ExtractionAttempt) (*receipt.Expense, error) {
	f := attempt.Fields
	expense := &receipt.Expense{
		ID:          ExpenseID(r.ID),
		UserID:      r.UserID,
		ReceiptID:   r.ID,
		Vendor:      f.Vendor,
		Amount:      f.Amount,
		Currency:    f.Currency,
		Category:    f.Category,
		Date:        f.Date,
		LineItems:   f.LineItems,
		Source:      receipt.SourceReceipt,
		Confidences: f.Confidences,
		Statuses:    f.Statuses,
		NeedsReview: f.NeedsReview,
		CreatedAt:   o.timeSource.Now(),
	}

	err := o.repo.CreateExpense(ctx, expense)
	var exists *errs.AlreadyExistsError
	if errors.As(err, &exists) {
		return o.repo.GetExpense(ctx, r.UserID, expense.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("saving expense: %w", err)
	}
	return expense, nil
}

// vendorHistory matches vendors against names the user already recorded.
func (o *Orchestrator) vendorHistory(ctx context.Context, userID string) []validation.Option {
	expenses, err := o.repo.ListExpenses(ctx, userID, receipt.ExpenseFilter{})
	if err != nil {
		logger.FromContext(ctx).Warn("Skipping vendor history", "error", err)
		return nil
	}

	seen := make(map[string]bool)
	var known []string
	for _, e := range expenses {
		if e.Vendor == validation.UnknownVendor || seen[e.Vendor] {
			continue
		}
		seen[e.Vendor] = true
		known = append(known, e.Vendor)
	}
	if len(known) == 0 {
		return nil
	}
	return []validation.Option{validation.WithVendors(validation.NewHistoryMatcher(known))}
}

func (o *Orchestrator) transition(ctx context.Context, r *receipt.Receipt, to receipt.State, reason string) (*receipt.Receipt, error) {
	next, err := o.repo.TransitionState(ctx, r.UserID, r.ID, r.State, to, reason, o.timeSource.Now())
	if err != nil {
		return r, fmt.Errorf("moving receipt to %s: %w", to, err)
	}
	logger.FromContext(ctx).Info("Receipt state changed", "from", r.State, "to", to)
	return next, nil
}

func extractedFields(v *validation.ValidatedExpense, report *validation.ValidationReport) *receipt.ExtractedFields {
	fields := &receipt.ExtractedFields{
		Vendor:      v.Vendor,
		Amount:      v.Amount,
		Currency:    v.Currency,
		Date:        v.Date,
		Category:    v.Category,
		Statuses:    report.Statuses(),
		Confidences: report.Confidences(),
		Confidence:  report.Confidence,
		NeedsReview: report.NeedsReview,
	}
	for _, item := range v.LineItems {
		fields.LineItems = append(fields.LineItems, receipt.LineItem{
			Description: item.Description,
			Amount:      item.Amount,
		})
	}
	return fields
}
