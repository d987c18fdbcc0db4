package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/receipt-ledger/internal/errs"
)

const (
	receiptBucketName = "receipts"
	attemptBucketName = "attempts"
	expenseBucketName = "expenses"
)

// DB is the receipt, attempt, and expense repository. Receipt and expense
// lookups are scoped to the owning user; a receipt owned by someone else
// is reported as not found.
type DB interface {
	// CreateReceipt stores a new receipt.
	CreateReceipt(ctx context.Context, receipt *Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(ctx context.Context, userID, id string) (*Receipt, error)

	// ListReceipts returns the user's receipts, newest first
	ListReceipts(ctx context.Context, userID string) ([]*Receipt, error)

	// DeleteReceipt removes a receipt with its attempts and derived expenses
	DeleteReceipt(ctx context.Context, userID, id string) error

	// TransitionState sets the state to `to` only if it is currently
	// `from`. Losing that race is a ConflictError.
	TransitionState(ctx context.Context, userID, id string, from, to State, lastError string, at time.Time) (*Receipt, error)

	// SetRawText records OCR output. It succeeds once; setting the same
	// text again is a no-op and setting different text is a ConflictError.
	SetRawText(ctx context.Context, userID, id, text string, at time.Time) error

	// ListStale returns receipts of any user left in state since before.
	ListStale(ctx context.Context, state State, before time.Time) ([]*Receipt, error)

	// AppendAttempt adds an extraction attempt and assigns its Seq.
	AppendAttempt(ctx context.Context, attempt *ExtractionAttempt) error

	// ListAttempts returns a receipt's attempts, oldest first
	ListAttempts(ctx context.Context, receiptID string) ([]*ExtractionAttempt, error)

	// CreateExpense stores an expense; a duplicate ID is AlreadyExistsError.
	CreateExpense(ctx context.Context, expense *Expense) error

	// GetExpense retrieves an expense by ID
	GetExpense(ctx context.Context, userID, id string) (*Expense, error)

	// ListExpenses returns the user's expenses, most recent date first
	ListExpenses(ctx context.Context, userID string, filter ExpenseFilter) ([]*Expense, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{receiptBucketName, attemptBucketName, expenseBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func (b *BoltDB) CreateReceipt(_ context.Context, receipt *Receipt) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptBucketName))
		if bucket.Get([]byte(receipt.ID)) != nil {
			return errs.NewAlreadyExistsError(fmt.Sprintf("receipt %s already exists", receipt.ID))
		}
		return putReceipt(bucket, receipt)
	})
}

func (b *BoltDB) GetReceipt(_ context.Context, userID, id string) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		receipt, err = loadReceipt(tx, userID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (b *BoltDB) ListReceipts(_ context.Context, userID string) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			receipt, err := decodeReceipt(v)
			if err != nil {
				return err
			}
			if receipt.UserID == userID {
				receipts = append(receipts, receipt)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(receipts, func(i, j int) bool {
		return receipts[i].CreatedAt.After(receipts[j].CreatedAt)
	})
	return receipts, nil
}

func (b *BoltDB) DeleteReceipt(_ context.Context, userID, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := loadReceipt(tx, userID, id); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(receiptBucketName)).Delete([]byte(id)); err != nil {
			return fmt.Errorf("deleting receipt: %w", err)
		}

		attempts := tx.Bucket([]byte(attemptBucketName))
		var keys [][]byte
		c := attempts.Cursor()
		prefix := attemptPrefix(id)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := attempts.Delete(k); err != nil {
				return fmt.Errorf("deleting attempt: %w", err)
			}
		}

		expenses := tx.Bucket([]byte(expenseBucketName))
		var (
			derived [][]byte
			linked  []*Expense
		)
		err := expenses.ForEach(func(k, v []byte) error {
			var expense Expense
			if err := json.Unmarshal(v, &expense); err != nil {
				return fmt.Errorf("unmarshaling expense: %w", err)
			}
			if expense.ReceiptID != id {
				return nil
			}
			if expense.Source == SourceReceipt {
				derived = append(derived, append([]byte(nil), k...))
				return nil
			}
			expense.ReceiptID = ""
			linked = append(linked, &expense)
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range derived {
			if err := expenses.Delete(k); err != nil {
				return fmt.Errorf("deleting expense: %w", err)
			}
		}
		// Manual expenses outlive the receipt they referenced.
		for _, expense := range linked {
			if err := putJSON(expenses, expense.ID, expense); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltDB) TransitionState(_ context.Context, userID, id string, from, to State, lastError string, at time.Time) (*Receipt, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}

	var receipt *Receipt
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		receipt, err = loadReceipt(tx, userID, id)
		if err != nil {
			return err
		}
		if receipt.State != from {
			return errs.NewConflictError(fmt.Sprintf("receipt %s is %s, not %s", id, receipt.State, from))
		}
		receipt.State = to
		receipt.LastError = lastError
		receipt.UpdatedAt = at
		return putReceipt(tx.Bucket([]byte(receiptBucketName)), receipt)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (b *BoltDB) SetRawText(_ context.Context, userID, id, text string, at time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		receipt, err := loadReceipt(tx, userID, id)
		if err != nil {
			return err
		}
		if receipt.RawText != nil {
			if *receipt.RawText == text {
				return nil
			}
			return errs.NewConflictError(fmt.Sprintf("receipt %s already has OCR text", id))
		}
		receipt.RawText = &text
		receipt.UpdatedAt = at
		return putReceipt(tx.Bucket([]byte(receiptBucketName)), receipt)
	})
}

func (b *BoltDB) ListStale(_ context.Context, state State, before time.Time) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(receiptBucketName)).ForEach(func(k, v []byte) error {
			receipt, err := decodeReceipt(v)
			if err != nil {
				return err
			}
			if receipt.State == state && receipt.UpdatedAt.Before(before) {
				receipts = append(receipts, receipt)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

func (b *BoltDB) AppendAttempt(_ context.Context, attempt *ExtractionAttempt) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(attemptBucketName))
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating attempt sequence: %w", err)
		}
		attempt.Seq = seq
		key := append(attemptPrefix(attempt.ReceiptID), []byte(fmt.Sprintf("%020d", seq))...)
		return putJSON(bucket, string(key), attempt)
	})
}

func (b *BoltDB) ListAttempts(_ context.Context, receiptID string) ([]*ExtractionAttempt, error) {
	attempts := make([]*ExtractionAttempt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(attemptBucketName)).Cursor()
		prefix := attemptPrefix(receiptID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var attempt ExtractionAttempt
			if err := json.Unmarshal(v, &attempt); err != nil {
				return fmt.Errorf("unmarshaling attempt: %w", err)
			}
			attempts = append(attempts, &attempt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (b *BoltDB) CreateExpense(_ context.Context, expense *Expense) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(expenseBucketName))
		if bucket.Get([]byte(expense.ID)) != nil {
			return errs.NewAlreadyExistsError(fmt.Sprintf("expense %s already exists", expense.ID))
		}
		if expense.Source == SourceReceipt {
			source, err := loadReceipt(tx, expense.UserID, expense.ReceiptID)
			if err != nil {
				return err
			}
			if err := checkExtracted(source); err != nil {
				return err
			}
		}
		return putJSON(bucket, expense.ID, expense)
	})
}

// checkExtracted refuses expenses derived from a receipt that has not
// finished extraction.
func checkExtracted(receipt *Receipt) error {
	if receipt.State != StateExtracted {
		return errs.NewConflictError(fmt.Sprintf("receipt %s is %s, not %s", receipt.ID, receipt.State, StateExtracted))
	}
	return nil
}

func (b *BoltDB) GetExpense(_ context.Context, userID, id string) (*Expense, error) {
	var expense *Expense
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(expenseBucketName)).Get([]byte(id))
		if data == nil {
			return errs.NewNotFoundError(fmt.Sprintf("expense not found: %s", id))
		}
		if err := json.Unmarshal(data, &expense); err != nil {
			return fmt.Errorf("unmarshaling expense: %w", err)
		}
		if expense.UserID != userID {
			return errs.NewNotFoundError(fmt.Sprintf("expense not found: %s", id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expense, nil
}

func (b *BoltDB) ListExpenses(_ context.Context, userID string, filter ExpenseFilter) ([]*Expense, error) {
	expenses := make([]*Expense, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(expenseBucketName)).ForEach(func(k, v []byte) error {
			var expense Expense
			if err := json.Unmarshal(v, &expense); err != nil {
				return fmt.Errorf("unmarshaling expense: %w", err)
			}
			if expense.UserID == userID && filter.Matches(&expense) {
				expenses = append(expenses, &expense)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortExpenses(expenses)
	return expenses, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func loadReceipt(tx *bbolt.Tx, userID, id string) (*Receipt, error) {
	data := tx.Bucket([]byte(receiptBucketName)).Get([]byte(id))
	if data == nil {
		return nil, errs.NewNotFoundError(fmt.Sprintf("receipt not found: %s", id))
	}
	receipt, err := decodeReceipt(data)
	if err != nil {
		return nil, err
	}
	if receipt.UserID != userID {
		return nil, errs.NewNotFoundError(fmt.Sprintf("receipt not found: %s", id))
	}
	return receipt, nil
}

// storedReceipt is the bucket encoding of a Receipt. It keeps the image
// handle, which the API encoding omits.
type storedReceipt struct {
	Receipt
	ImageRef string `json:"image_ref"`
}

func putReceipt(bucket *bbolt.Bucket, receipt *Receipt) error {
	return putJSON(bucket, receipt.ID, storedReceipt{Receipt: *receipt, ImageRef: receipt.ImageRef})
}

func decodeReceipt(data []byte) (*Receipt, error) {
	var stored storedReceipt
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("unmarshaling receipt: %w", err)
	}
	receipt := stored.Receipt
	receipt.ImageRef = stored.ImageRef
	return &receipt, nil
}

func putJSON(bucket *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	return bucket.Put([]byte(key), data)
}

func attemptPrefix(receiptID string) []byte {
	return []byte(receiptID + "/")
}

func sortExpenses(expenses []*Expense) {
	sort.SliceStable(expenses, func(i, j int) bool {
		if !expenses[i].Date.Equal(expenses[j].Date) {
			return expenses[i].Date.After(expenses[j].Date)
		}
		return expenses[i].CreatedAt.After(expenses[j].CreatedAt)
	})
}
