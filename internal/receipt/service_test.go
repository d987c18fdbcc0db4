package receipt

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-ledger/internal/errs"
	"github.com/zombor/receipt-ledger/internal/validation"
)

var _ = Describe("Service", func() {
	var (
		ctx     context.Context
		db      DB
		storage *mockStorage
		idGen   *sequenceIDGenerator
		timeSrc *mockTimeSource
		service *Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		bolt, err := NewBoltDB(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(bolt.Close)
		db = bolt

		storage = newMockStorage()
		idGen = &sequenceIDGenerator{ids: []string{"test-id-123", "test-id-456"}}
		timeSrc = &mockTimeSource{now: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}

		cfg := validation.DefaultConfig()
		cfg.Now = timeSrc.Now
		v, err := validation.NewValidator(cfg)
		Expect(err).NotTo(HaveOccurred())

		service = NewServiceWithDeps(db, storage, v, 1024, idGen, timeSrc)
	})

	Describe("Upload", func() {
		var (
			filename    string
			data        []byte
			contentType string
			receipt     *Receipt
			err         error
		)

		BeforeEach(func() {
			filename = "IMG_2024 03 14 (1)!!.JPG"
			data = []byte("fake image data")
			contentType = "image/jpeg"
		})

		JustBeforeEach(func() {
			receipt, err = service.Upload(ctx, "alice", filename, data, contentType)
		})

		When("the upload is acceptable", func() {
			It("stores the file and records an uploaded receipt", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(receipt.ID).To(Equal("test-id-123"))
				Expect(receipt.UserID).To(Equal("alice"))
				Expect(receipt.State).To(Equal(StateUploaded))
				Expect(receipt.Filename).To(Equal("IMG_2024 03 14 1.jpg"))
				Expect(receipt.ImageRef).To(Equal("test-id-123_IMG_2024 03 14 1.jpg"))
				Expect(receipt.CreatedAt).To(Equal(timeSrc.now))
				Expect(storage.files).To(HaveKey(receipt.ImageRef))

				stored, getErr := db.GetReceipt(ctx, "alice", "test-id-123")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(stored.Size).To(Equal(int64(len(data))))
			})
		})

		When("the content type carries parameters", func() {
			BeforeEach(func() {
				contentType = "Image/PNG; charset=binary"
			})

			It("normalizes it", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(receipt.ContentType).To(Equal("image/png"))
			})
		})

		When("the content type is missing", func() {
			BeforeEach(func() {
				contentType = ""
				filename = "scan.pdf"
			})

			It("infers it from the extension", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(receipt.ContentType).To(Equal("application/pdf"))
			})
		})

		When("the content type is not an image", func() {
			BeforeEach(func() {
				contentType = "text/plain"
			})

			It("rejects the upload", func() {
				var unsupported *errs.UnsupportedFormatError
				Expect(errors.As(err, &unsupported)).To(BeTrue())
				Expect(storage.files).To(BeEmpty())
			})
		})

		When("the upload is a WebP image named without a content type", func() {
			BeforeEach(func() {
				contentType = ""
				filename = "receipt.webp"
			})

			It("accepts it", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(receipt.ContentType).To(Equal("image/webp"))
			})
		})

		When("the accepted types are configured", func() {
			BeforeEach(func() {
				service.WithAllowedTypes([]string{"image/png"})
			})

			It("rejects types outside the list", func() {
				var unsupported *errs.UnsupportedFormatError
				Expect(errors.As(err, &unsupported)).To(BeTrue())
				Expect(storage.files).To(BeEmpty())
			})

			When("the type is in the list", func() {
				BeforeEach(func() {
					contentType = "image/png"
				})

				It("accepts it", func() {
					Expect(err).NotTo(HaveOccurred())
					Expect(receipt.ContentType).To(Equal("image/png"))
				})
			})
		})

		When("the file is empty", func() {
			BeforeEach(func() {
				data = nil
			})

			It("rejects the upload as input error", func() {
				Expect(errs.KindOf(err)).To(Equal(errs.KindInput))
			})
		})

		When("the file is too large", func() {
			BeforeEach(func() {
				data = make([]byte, 2048)
			})

			It("rejects the upload", func() {
				Expect(errs.KindOf(err)).To(Equal(errs.KindValidation))
			})
		})

		When("storage fails", func() {
			BeforeEach(func() {
				storage.saveErr = errors.New("disk full")
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("saving file")))
			})
		})

		When("the database fails", func() {
			BeforeEach(func() {
				service.db = &failingDB{DB: db, createErr: errors.New("db down")}
			})

			It("removes the stored file", func() {
				Expect(err).To(MatchError(ContainSubstring("saving receipt to database")))
				Expect(storage.deleted).To(HaveLen(1))
				Expect(storage.files).To(BeEmpty())
			})
		})
	})

	Describe("reading and deleting", func() {
		var receipt *Receipt

		BeforeEach(func() {
			var err error
			receipt, err = service.Upload(ctx, "alice", "lunch.png", []byte("png"), "image/png")
			Expect(err).NotTo(HaveOccurred())
		})

		It("returns the image with its content type", func() {
			data, contentType, err := service.GetReceiptFile(ctx, "alice", receipt.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("png"))
			Expect(contentType).To(Equal("image/png"))
		})

		It("hides the receipt from other users", func() {
			_, err := service.GetReceipt(ctx, "bob", receipt.ID)
			Expect(errs.KindOf(err)).To(Equal(errs.KindNotFound))

			_, err = service.ListAttempts(ctx, "bob", receipt.ID)
			Expect(errs.KindOf(err)).To(Equal(errs.KindNotFound))

			receipts, err := service.ListReceipts(ctx, "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(BeEmpty())
		})

		It("deletes the record and the file", func() {
			Expect(service.DeleteReceipt(ctx, "alice", receipt.ID)).To(Succeed())
			Expect(storage.files).To(BeEmpty())

			_, err := service.GetReceipt(ctx, "alice", receipt.ID)
			Expect(errs.KindOf(err)).To(Equal(errs.KindNotFound))
		})

		It("still deletes the record when the file is gone", func() {
			storage.deleteErr = errors.New("already gone")
			Expect(service.DeleteReceipt(ctx, "alice", receipt.ID)).To(Succeed())
		})
	})

	Describe("CreateManualExpense", func() {
		var (
			input   ManualExpense
			expense *Expense
			err     error
		)

		BeforeEach(func() {
			input = ManualExpense{
				Vendor:   "  Hardware   Store ",
				Amount:   "$19.99",
				Date:     "05/30/2024",
				Category: "Supplies",
			}
		})

		JustBeforeEach(func() {
			expense, err = service.CreateManualExpense(ctx, "alice", input)
		})

		When("the entry is valid", func() {
			It("records a manual expense", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(expense.Source).To(Equal(SourceManual))
				Expect(expense.Vendor).To(Equal("Hardware Store"))
				Expect(expense.Amount.StringFixed(2)).To(Equal("19.99"))
				Expect(expense.Currency).To(Equal("USD"))
				Expect(expense.Category).To(Equal("office"))
				Expect(expense.Date).To(Equal(time.Date(2024, 5, 30, 0, 0, 0, 0, time.UTC)))
				Expect(expense.ReceiptID).To(BeEmpty())

				expenses, listErr := service.ListExpenses(ctx, "alice", ExpenseFilter{})
				Expect(listErr).NotTo(HaveOccurred())
				Expect(expenses).To(HaveLen(1))
			})
		})

		When("required fields are missing", func() {
			BeforeEach(func() {
				input.Vendor = ""
				input.Date = ""
			})

			It("names the missing fields", func() {
				var verr *errs.ValidationError
				Expect(errors.As(err, &verr)).To(BeTrue())
				Expect(verr.Fields).To(HaveKeyWithValue("vendor", "required"))
				Expect(verr.Fields).To(HaveKeyWithValue("date", "required"))
			})
		})

		When("the date is in the future", func() {
			BeforeEach(func() {
				input.Date = "2030-01-01"
			})

			It("rejects the entry", func() {
				var verr *errs.ValidationError
				Expect(errors.As(err, &verr)).To(BeTrue())
				Expect(verr.Fields).To(HaveKey("date"))
			})
		})

		When("the total is zero", func() {
			BeforeEach(func() {
				input.Amount = "0.00"
			})

			It("rejects the entry", func() {
				Expect(errs.KindOf(err)).To(Equal(errs.KindValidation))
			})
		})

		When("it links to another user's receipt", func() {
			BeforeEach(func() {
				input.ReceiptID = "someone-elses"
			})

			It("reports the receipt as not found", func() {
				Expect(errs.KindOf(err)).To(Equal(errs.KindNotFound))
			})
		})
	})
})

var _ = Describe("sanitizeFilename", func() {
	DescribeTable("cleaning names",
		func(in, want string) {
			Expect(sanitizeFilename(in)).To(Equal(want))
		},
		Entry("plain", "receipt.jpg", "receipt.jpg"),
		Entry("special characters", "my@receipt#1.png", "myreceipt1.png"),
		Entry("path components", "../../etc/passwd", "passwd"),
		Entry("windows path", `C:\Users\me\scan.PDF`, "scan.pdf"),
		Entry("nothing left", "!!!.jpg", "receipt.jpg"),
		Entry("long name", "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyzabcdef.jpg", "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwx.jpg"),
	)
})
