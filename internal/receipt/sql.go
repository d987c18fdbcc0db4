package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/zombor/receipt-ledger/internal/errs"
)

type receiptRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	UserID      string `gorm:"size:128;index;not null"`
	Filename    string
	ContentType string `gorm:"size:128"`
	Size        int64
	ImageRef    string
	State       string    `gorm:"size:32;index;not null"`
	RawText     *string   `gorm:"type:text"`
	LastError   string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false;index"`
}

func (receiptRow) TableName() string { return "receipts" }

type attemptRow struct {
	Seq         uint64 `gorm:"primaryKey;autoIncrement"`
	ID          string `gorm:"size:64;uniqueIndex;not null"`
	ReceiptID   string `gorm:"size:64;index;not null"`
	InputText   string `gorm:"type:text"`
	InputDigest string `gorm:"size:64"`
	RawResponse string `gorm:"type:text"`
	Model       string
	Status      string    `gorm:"size:16;not null"`
	ErrorKind   string    `gorm:"size:32"`
	Error       string    `gorm:"type:text"`
	Fields      string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"autoCreateTime:false"`
}

func (attemptRow) TableName() string { return "extraction_attempts" }

type expenseRow struct {
	ID          string          `gorm:"primaryKey;size:64"`
	UserID      string          `gorm:"size:128;index;not null"`
	ReceiptID   *string         `gorm:"size:64;index"`
	Vendor      string          `gorm:"not null"`
	Amount      decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	Currency    string          `gorm:"size:3;not null"`
	Category    string          `gorm:"size:64;index"`
	Date        time.Time       `gorm:"index"`
	LineItems   string          `gorm:"type:text"`
	Source      string          `gorm:"size:16;not null"`
	Confidences string          `gorm:"type:text"`
	Statuses    string          `gorm:"type:text"`
	NeedsReview bool
	CreatedAt   time.Time `gorm:"autoCreateTime:false"`
}

func (expenseRow) TableName() string { return "expenses" }

// SQLDB implements the DB interface on a SQL database through gorm.
type SQLDB struct {
	db *gorm.DB
}

// OpenPostgres connects to PostgreSQL with a DSN such as
// "host=localhost user=ledger dbname=ledger sslmode=disable".
func OpenPostgres(dsn string) (*SQLDB, error) {
	return openSQL(postgres.Open(dsn))
}

// OpenSQLite opens a SQLite file. Writes are funneled through a single
// connection, since SQLite allows one writer at a time.
func OpenSQLite(path string) (*SQLDB, error) {
	s, err := openSQL(sqlite.Open(path))
	if err != nil {
		return nil, err
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return s, nil
}

func openSQL(dialector gorm.Dialector) (*SQLDB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return NewSQLDB(db)
}

// NewSQLDB migrates the schema on an open connection.
func NewSQLDB(db *gorm.DB) (*SQLDB, error) {
	if err := db.AutoMigrate(&receiptRow{}, &attemptRow{}, &expenseRow{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &SQLDB{db: db}, nil
}

func (s *SQLDB) CreateReceipt(ctx context.Context, receipt *Receipt) error {
	row := toReceiptRow(receipt)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errs.NewAlreadyExistsError(fmt.Sprintf("receipt %s already exists", receipt.ID))
		}
		return fmt.Errorf("inserting receipt: %w", err)
	}
	return nil
}

func (s *SQLDB) GetReceipt(ctx context.Context, userID, id string) (*Receipt, error) {
	var row receiptRow
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NewNotFoundError(fmt.Sprintf("receipt not found: %s", id))
	}
	if err != nil {
		return nil, fmt.Errorf("selecting receipt: %w", err)
	}
	return row.toReceipt(), nil
}

func (s *SQLDB) ListReceipts(ctx context.Context, userID string) ([]*Receipt, error) {
	var rows []receiptRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("selecting receipts: %w", err)
	}
	receipts := make([]*Receipt, 0, len(rows))
	for i := range rows {
		receipts = append(receipts, rows[i].toReceipt())
	}
	return receipts, nil
}

func (s *SQLDB) DeleteReceipt(ctx context.Context, userID, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&receiptRow{})
		if res.Error != nil {
			return fmt.Errorf("deleting receipt: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errs.NewNotFoundError(fmt.Sprintf("receipt not found: %s", id))
		}
		if err := tx.Where("receipt_id = ?", id).Delete(&attemptRow{}).Error; err != nil {
			return fmt.Errorf("deleting attempts: %w", err)
		}
		if err := tx.Where("receipt_id = ? AND source = ?", id, string(SourceReceipt)).Delete(&expenseRow{}).Error; err != nil {
			return fmt.Errorf("deleting expenses: %w", err)
		}
		if err := tx.Model(&expenseRow{}).Where("receipt_id = ?", id).Update("receipt_id", nil).Error; err != nil {
			return fmt.Errorf("unlinking expenses: %w", err)
		}
		return nil
	})
}

func (s *SQLDB) TransitionState(ctx context.Context, userID, id string, from, to State, lastError string, at time.Time) (*Receipt, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}

	res := s.db.WithContext(ctx).Model(&receiptRow{}).
		Where("id = ? AND user_id = ? AND state = ?", id, userID, string(from)).
		Updates(map[string]any{"state": string(to), "last_error": lastError, "updated_at": at})
	if res.Error != nil {
		return nil, fmt.Errorf("updating receipt state: %w", res.Error)
	}

	current, err := s.GetReceipt(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, errs.NewConflictError(fmt.Sprintf("receipt %s is %s, not %s", id, current.State, from))
	}
	return current, nil
}

func (s *SQLDB) SetRawText(ctx context.Context, userID, id, text string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&receiptRow{}).
		Where("id = ? AND user_id = ? AND raw_text IS NULL", id, userID).
		Updates(map[string]any{"raw_text": text, "updated_at": at})
	if res.Error != nil {
		return fmt.Errorf("updating raw text: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	current, err := s.GetReceipt(ctx, userID, id)
	if err != nil {
		return err
	}
	if current.RawText != nil && *current.RawText == text {
		return nil
	}
	return errs.NewConflictError(fmt.Sprintf("receipt %s already has OCR text", id))
}

func (s *SQLDB) ListStale(ctx context.Context, state State, before time.Time) ([]*Receipt, error) {
	var rows []receiptRow
	if err := s.db.WithContext(ctx).Where("state = ? AND updated_at < ?", string(state), before).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("selecting stale receipts: %w", err)
	}
	receipts := make([]*Receipt, 0, len(rows))
	for i := range rows {
		receipts = append(receipts, rows[i].toReceipt())
	}
	return receipts, nil
}

func (s *SQLDB) AppendAttempt(ctx context.Context, attempt *ExtractionAttempt) error {
	row := attemptRow{
		ID:          attempt.ID,
		ReceiptID:   attempt.ReceiptID,
		InputText:   attempt.InputText,
		InputDigest: attempt.InputDigest,
		RawResponse: attempt.RawResponse,
		Model:       attempt.Model,
		Status:      string(attempt.Status),
		ErrorKind:   attempt.ErrorKind,
		Error:       attempt.Error,
		CreatedAt:   attempt.CreatedAt,
	}
	if attempt.Fields != nil {
		fields, err := json.Marshal(attempt.Fields)
		if err != nil {
			return fmt.Errorf("marshaling attempt fields: %w", err)
		}
		row.Fields = string(fields)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("inserting attempt: %w", err)
	}
	attempt.Seq = row.Seq
	return nil
}

func (s *SQLDB) ListAttempts(ctx context.Context, receiptID string) ([]*ExtractionAttempt, error) {
	var rows []attemptRow
	if err := s.db.WithContext(ctx).Where("receipt_id = ?", receiptID).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("selecting attempts: %w", err)
	}
	attempts := make([]*ExtractionAttempt, 0, len(rows))
	for _, row := range rows {
		attempt := &ExtractionAttempt{
			ID:          row.ID,
			ReceiptID:   row.ReceiptID,
			Seq:         row.Seq,
			InputText:   row.InputText,
			InputDigest: row.InputDigest,
			RawResponse: row.RawResponse,
			Model:       row.Model,
			Status:      AttemptStatus(row.Status),
			ErrorKind:   row.ErrorKind,
			Error:       row.Error,
			CreatedAt:   row.CreatedAt,
		}
		if row.Fields != "" {
			if err := json.Unmarshal([]byte(row.Fields), &attempt.Fields); err != nil {
				return nil, fmt.Errorf("unmarshaling attempt fields: %w", err)
			}
		}
		attempts = append(attempts, attempt)
	}
	return attempts, nil
}

func (s *SQLDB) CreateExpense(ctx context.Context, expense *Expense) error {
	row, err := toExpenseRow(expense)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if expense.Source == SourceReceipt {
			var source receiptRow
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("id = ? AND user_id = ?", expense.ReceiptID, expense.UserID).
				First(&source).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.NewNotFoundError(fmt.Sprintf("receipt not found: %s", expense.ReceiptID))
			}
			if err != nil {
				return fmt.Errorf("selecting receipt: %w", err)
			}
			if err := checkExtracted(source.toReceipt()); err != nil {
				return err
			}
		}

		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errs.NewAlreadyExistsError(fmt.Sprintf("expense %s already exists", expense.ID))
			}
			return fmt.Errorf("inserting expense: %w", err)
		}
		return nil
	})
}

func (s *SQLDB) GetExpense(ctx context.Context, userID, id string) (*Expense, error) {
	var row expenseRow
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NewNotFoundError(fmt.Sprintf("expense not found: %s", id))
	}
	if err != nil {
		return nil, fmt.Errorf("selecting expense: %w", err)
	}
	return row.toExpense()
}

func (s *SQLDB) ListExpenses(ctx context.Context, userID string, filter ExpenseFilter) ([]*Expense, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if !filter.From.IsZero() {
		q = q.Where("date >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		q = q.Where("date <= ?", filter.To)
	}
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}

	var rows []expenseRow
	if err := q.Order("date DESC").Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("selecting expenses: %w", err)
	}
	expenses := make([]*Expense, 0, len(rows))
	for i := range rows {
		expense, err := rows[i].toExpense()
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, expense)
	}
	return expenses, nil
}

// Close closes the underlying connection pool.
func (s *SQLDB) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting sql db: %w", err)
	}
	return sqlDB.Close()
}

func toReceiptRow(r *Receipt) receiptRow {
	return receiptRow{
		ID:          r.ID,
		UserID:      r.UserID,
		Filename:    r.Filename,
		ContentType: r.ContentType,
		Size:        r.Size,
		ImageRef:    r.ImageRef,
		State:       string(r.State),
		RawText:     r.RawText,
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (row *receiptRow) toReceipt() *Receipt {
	return &Receipt{
		ID:          row.ID,
		UserID:      row.UserID,
		Filename:    row.Filename,
		ContentType: row.ContentType,
		Size:        row.Size,
		ImageRef:    row.ImageRef,
		State:       State(row.State),
		RawText:     row.RawText,
		LastError:   row.LastError,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}

func toExpenseRow(e *Expense) (expenseRow, error) {
	row := expenseRow{
		ID:          e.ID,
		UserID:      e.UserID,
		Vendor:      e.Vendor,
		Amount:      e.Amount,
		Currency:    e.Currency,
		Category:    e.Category,
		Date:        e.Date,
		Source:      string(e.Source),
		NeedsReview: e.NeedsReview,
		CreatedAt:   e.CreatedAt,
	}
	if e.ReceiptID != "" {
		receiptID := e.ReceiptID
		row.ReceiptID = &receiptID
	}

	for _, col := range []struct {
		dst  *string
		src  any
		skip bool
	}{
		{&row.LineItems, e.LineItems, e.LineItems == nil},
		{&row.Confidences, e.Confidences, e.Confidences == nil},
		{&row.Statuses, e.Statuses, e.Statuses == nil},
	} {
		if col.skip {
			continue
		}
		data, err := json.Marshal(col.src)
		if err != nil {
			return expenseRow{}, fmt.Errorf("marshaling expense: %w", err)
		}
		*col.dst = string(data)
	}
	return row, nil
}

func (row *expenseRow) toExpense() (*Expense, error) {
	e := &Expense{
		ID:          row.ID,
		UserID:      row.UserID,
		Vendor:      row.Vendor,
		Amount:      row.Amount,
		Currency:    row.Currency,
		Category:    row.Category,
		Date:        row.Date.UTC(),
		Source:      Source(row.Source),
		NeedsReview: row.NeedsReview,
		CreatedAt:   row.CreatedAt,
	}
	if row.ReceiptID != nil {
		e.ReceiptID = *row.ReceiptID
	}

	for _, col := range []struct {
		src string
		dst any
	}{
		{row.LineItems, &e.LineItems},
		{row.Confidences, &e.Confidences},
		{row.Statuses, &e.Statuses},
	} {
		if col.src == "" {
			continue
		}
		if err := json.Unmarshal([]byte(col.src), col.dst); err != nil {
			return nil, fmt.Errorf("unmarshaling expense: %w", err)
		}
	}
	return e, nil
}
