package receipt

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/zombor/receipt-ledger/internal/errs"
	"github.com/zombor/receipt-ledger/internal/validation"
	"github.com/zombor/receipt-ledger/pkg/logger"
)

// DefaultMaxUpload is the upload size limit when none is configured.
const DefaultMaxUpload = 10 << 20

// contentTypeExtensions maps the image formats the OCR step can read to
// their file extensions.
var contentTypeExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"image/heic":      ".heic",
	"image/heif":      ".heif",
	"application/pdf": ".pdf",
}

// DefaultAllowedTypes are the upload content types accepted when none are configured.
var DefaultAllowedTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp", "image/heic", "image/heif", "application/pdf"}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	filenameSpaces      = regexp.MustCompile(`\s+`)
)

// IDGenerator generates unique IDs for receipts and expenses
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// Service handles receipt and expense CRUD. Processing lives in the
// pipeline package.
type Service struct {
	db          DB
	storage     Storage
	validator   *validation.Validator
	maxUpload   int64
	allowed     map[string]struct{}
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, storage Storage, v *validation.Validator, maxUpload int64) *Service {
	return NewServiceWithDeps(db, storage, v, maxUpload, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, v *validation.Validator, maxUpload int64, idGen IDGenerator, timeSrc TimeSource) *Service {
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUpload
	}
	return &Service{
		db:          db,
		storage:     storage,
		validator:   v,
		maxUpload:   maxUpload,
		allowed:     allowedSet(DefaultAllowedTypes),
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// WithAllowedTypes replaces the accepted upload content types. An empty
// list keeps the current set.
func (s *Service) WithAllowedTypes(types []string) *Service {
	if len(types) > 0 {
		s.allowed = allowedSet(types)
	}
	return s
}

func allowedSet(types []string) map[string]struct{} {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[normalizeContentType(t)] = struct{}{}
	}
	return set
}

// MaxUpload is the largest accepted image in bytes.
func (s *Service) MaxUpload() int64 {
	return s.maxUpload
}

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	filename = filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filename, filepath.Ext(filename))

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = filenameSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	// Truncate to reasonable length (50 chars for base, plus extension)
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}
	if len(ext) > 6 || unsafeFilenameChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	return base + ext
}

// normalizeContentType strips parameters and lowercases the media type.
func normalizeContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mediaType
}

// SupportedType reports whether the OCR step can read contentType.
func SupportedType(contentType string) bool {
	_, ok := contentTypeExtensions[normalizeContentType(contentType)]
	return ok
}

// ContentTypeFor guesses a content type from a filename extension.
func ContentTypeFor(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	for contentType, e := range contentTypeExtensions {
		if e == ext {
			return contentType
		}
	}
	if ext == ".jpeg" {
		return "image/jpeg"
	}
	return ""
}

// Upload stores an image and records a receipt in the uploaded state.
func (s *Service) Upload(ctx context.Context, userID, filename string, data []byte, contentType string) (*Receipt, error) {
	if len(data) == 0 {
		return nil, errs.NewEmptyInputError("uploaded file is empty")
	}
	if int64(len(data)) > s.maxUpload {
		return nil, errs.NewValidationError(
			fmt.Sprintf("file exceeds %d bytes", s.maxUpload),
			map[string]string{"file": "too large"},
		)
	}

	contentType = normalizeContentType(contentType)
	if contentType == "" {
		contentType = ContentTypeFor(filename)
	}
	if _, ok := s.allowed[contentType]; !ok {
		return nil, errs.NewUnsupportedFormatError(fmt.Sprintf("content type %q is not supported", contentType), nil)
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()
	cleanFilename := sanitizeFilename(filename)
	log, ctx := logger.With(ctx, "receipt_id", id, "user_id", userID)

	ref, err := s.storage.Save(ctx, fmt.Sprintf("%s_%s", id, cleanFilename), data, contentType)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	receipt := &Receipt{
		ID:          id,
		UserID:      userID,
		Filename:    cleanFilename,
		ContentType: contentType,
		Size:        int64(len(data)),
		ImageRef:    ref,
		State:       StateUploaded,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.CreateReceipt(ctx, receipt); err != nil {
		if delErr := s.storage.Delete(ctx, ref); delErr != nil {
			log.Warn("Failed to clean up file", "ref", ref, "error", delErr)
		}
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}

	log.Info("Receipt uploaded", "filename", cleanFilename, "content_type", contentType, "size", len(data))
	return receipt, nil
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(ctx context.Context, userID, id string) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(ctx, userID, id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts returns the user's receipts
func (s *Service) ListReceipts(ctx context.Context, userID string) ([]*Receipt, error) {
	receipts, err := s.db.ListReceipts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// DeleteReceipt removes a receipt, its attempts, its derived expenses, and its file
func (s *Service) DeleteReceipt(ctx context.Context, userID, id string) error {
	receipt, err := s.db.GetReceipt(ctx, userID, id)
	if err != nil {
		return fmt.Errorf("getting receipt for deletion: %w", err)
	}

	if err := s.db.DeleteReceipt(ctx, userID, id); err != nil {
		return fmt.Errorf("deleting receipt from database: %w", err)
	}

	if err := s.storage.Delete(ctx, receipt.ImageRef); err != nil {
		logger.FromContext(ctx).Warn("Failed to delete file", "ref", receipt.ImageRef, "error", err)
	}
	return nil
}

// GetReceiptFile retrieves the image for a receipt
func (s *Service) GetReceiptFile(ctx context.Context, userID, id string) ([]byte, string, error) {
	receipt, err := s.db.GetReceipt(ctx, userID, id)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt: %w", err)
	}

	data, err := s.storage.Get(ctx, receipt.ImageRef)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}
	return data, receipt.ContentType, nil
}

// ListAttempts returns the extraction history of a receipt
func (s *Service) ListAttempts(ctx context.Context, userID, id string) ([]*ExtractionAttempt, error) {
	if _, err := s.db.GetReceipt(ctx, userID, id); err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	attempts, err := s.db.ListAttempts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	return attempts, nil
}

// ManualExpense is a user-entered expense. ReceiptID optionally links it
// to one of the user's receipts, such as one whose extraction failed.
type ManualExpense struct {
	Vendor    string `json:"vendor" validate:"required,max=200"`
	Amount    string `json:"amount" validate:"required,max=32"`
	Currency  string `json:"currency" validate:"omitempty,len=3"`
	Date      string `json:"date" validate:"required,max=64"`
	Category  string `json:"category" validate:"omitempty,max=64"`
	ReceiptID string `json:"receipt_id" validate:"omitempty,max=64"`
}

var validate = newValidate()

// newValidate reports fields by their JSON names.
func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CreateManualExpense validates and records a manual entry.
func (s *Service) CreateManualExpense(ctx context.Context, userID string, in ManualExpense) (*Expense, error) {
	if err := validate.Struct(in); err != nil {
		return nil, toValidationError(err)
	}
	if in.ReceiptID != "" {
		if _, err := s.db.GetReceipt(ctx, userID, in.ReceiptID); err != nil {
			return nil, fmt.Errorf("getting receipt: %w", err)
		}
	}

	validated, report := s.validator.ValidateManual(validation.Manual{
		Vendor:   in.Vendor,
		Amount:   in.Amount,
		Currency: in.Currency,
		Date:     in.Date,
		Category: in.Category,
	})
	if !report.Accepted() {
		return nil, report.Err()
	}

	expense := &Expense{
		ID:          s.idGenerator.Generate(),
		UserID:      userID,
		ReceiptID:   in.ReceiptID,
		Vendor:      validated.Vendor,
		Amount:      validated.Amount,
		Currency:    validated.Currency,
		Category:    validated.Category,
		Date:        validated.Date,
		Source:      SourceManual,
		Statuses:    report.Statuses(),
		NeedsReview: report.NeedsReview,
		CreatedAt:   s.timeSource.Now(),
	}
	if err := s.db.CreateExpense(ctx, expense); err != nil {
		return nil, fmt.Errorf("saving expense: %w", err)
	}
	return expense, nil
}

// ListExpenses returns the user's expenses matching filter
func (s *Service) ListExpenses(ctx context.Context, userID string, filter ExpenseFilter) ([]*Expense, error) {
	expenses, err := s.db.ListExpenses(ctx, userID, filter)
	if err != nil {
		return nil, fmt.Errorf("listing expenses: %w", err)
	}
	return expenses, nil
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errs.NewValidationError(err.Error(), nil)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return errs.NewValidationError("invalid expense", fields)
}
