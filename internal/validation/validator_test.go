package validation

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/errs"
	"github.com/zombor/receipt-ledger/internal/extraction"
)

var _ = Describe("Validator", func() {
	var (
		cfg       Config
		validator *Validator
		lines     []string
		fields    map[string]extraction.Field
		opts      []Option
		expense   *ValidatedExpense
		report    *ValidationReport
		now       time.Time
	)

	BeforeEach(func() {
		now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
		cfg = DefaultConfig()
		cfg.Now = func() time.Time { return now }
		lines = []string{"CAFE LUNA", "03/14/2024", "TOTAL 45.00"}
		fields = map[string]extraction.Field{
			extraction.FieldVendor:   known("CAFE LUNA"),
			extraction.FieldAmount:   known("45.00"),
			extraction.FieldDate:     known("03/14/2024"),
			extraction.FieldCurrency: known("USD"),
			extraction.FieldCategory: known("dining"),
		}
		opts = nil
	})

	JustBeforeEach(func() {
		var err error
		validator, err = NewValidator(cfg)
		Expect(err).NotTo(HaveOccurred())
		expense, report = validator.Validate(candidateFor(lines, fields), opts...)
	})

	When("every field is plausible", func() {
		It("accepts the record without review", func() {
			Expect(report.Accepted()).To(BeTrue())
			Expect(report.Err()).NotTo(HaveOccurred())
			Expect(report.NeedsReview).To(BeFalse())
			Expect(report.Confidence).To(Equal(1.0))
			Expect(expense.Vendor).To(Equal("CAFE LUNA"))
			Expect(expense.Amount.Equal(decimal.RequireFromString("45"))).To(BeTrue())
			Expect(expense.Currency).To(Equal("USD"))
			Expect(expense.Date).To(Equal(time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)))
			Expect(expense.Category).To(Equal("dining"))
		})

		It("reports every field as ok", func() {
			for _, name := range []string{"vendor", "amount", "date", "currency", "category"} {
				Expect(report.Fields[name].Status).To(Equal(StatusOK), name)
			}
			Expect(report.Fields["amount"].Value).To(Equal("45.00"))
			Expect(report.Fields["date"].Value).To(Equal("2024-03-14"))
		})
	})

	When("the service reports field confidence", func() {
		BeforeEach(func() {
			fields[extraction.FieldAmount] = knownWithConfidence("45.00", 0.7)
			fields[extraction.FieldDate] = knownWithConfidence("03/14/2024", 0.9)
		})

		It("uses the lowest of amount and date as overall confidence", func() {
			Expect(report.Fields["amount"].Confidence).To(Equal(0.7))
			Expect(report.Confidence).To(Equal(0.7))
			Expect(report.NeedsReview).To(BeTrue())
			Expect(report.Accepted()).To(BeTrue())
		})
	})

	When("the date is more than a day in the future", func() {
		BeforeEach(func() {
			fields[extraction.FieldDate] = known("01/01/2099")
		})

		It("rejects the record", func() {
			Expect(expense).To(BeNil())
			Expect(report.Accepted()).To(BeFalse())
			Expect(report.Fields["date"].Status).To(Equal(StatusInvalid))

			var verr *errs.ValidationError
			Expect(errors.As(report.Err(), &verr)).To(BeTrue())
			Expect(verr.Fields).To(HaveKey("date"))
			Expect(errs.KindOf(report.Err())).To(Equal(errs.KindValidation))
		})
	})

	When("the date is tomorrow", func() {
		BeforeEach(func() {
			fields[extraction.FieldDate] = known("2024-06-02")
		})

		It("tolerates clock skew", func() {
			Expect(report.Accepted()).To(BeTrue())
			Expect(report.Fields["date"].Status).To(Equal(StatusOK))
		})
	})

	When("the date is very old", func() {
		BeforeEach(func() {
			fields[extraction.FieldDate] = known("1990-05-05")
		})

		It("accepts but marks the date suspicious", func() {
			Expect(report.Accepted()).To(BeTrue())
			Expect(report.Fields["date"].Status).To(Equal(StatusSuspicious))
			Expect(report.Fields["date"].Confidence).To(Equal(0.5))
			Expect(report.NeedsReview).To(BeTrue())
		})
	})

	DescribeTable("rejecting unusable totals",
		func(amount extraction.Field) {
			fields[extraction.FieldAmount] = amount
			expense, report = validator.Validate(candidateFor(lines, fields))
			Expect(expense).To(BeNil())
			Expect(report.Decision).To(Equal(DecisionRejected))
			Expect(report.Fields["amount"].Status).To(Equal(StatusInvalid))
			Expect(report.Fields["amount"].Confidence).To(Equal(0.0))
		},
		Entry("missing", extraction.Field{}),
		Entry("empty", known("")),
		Entry("words", known("forty five")),
		Entry("negative", known("-45.00")),
		Entry("parenthesized negative", known("(45.00)")),
		Entry("zero", known("0.00")),
		Entry("three decimals", known("45.001")),
	)

	When("the total is not printed on the receipt", func() {
		BeforeEach(func() {
			fields[extraction.FieldAmount] = known("54.00")
		})

		It("marks the amount suspicious", func() {
			Expect(report.Accepted()).To(BeTrue())
			Expect(report.Fields["amount"].Status).To(Equal(StatusSuspicious))
			Expect(report.Fields["amount"].Reason).To(ContainSubstring("receipt text"))
		})
	})

	When("the candidate carries no source text", func() {
		BeforeEach(func() {
			lines = nil
			fields[extraction.FieldAmount] = known("54.00")
		})

		It("skips reconciliation", func() {
			Expect(report.Fields["amount"].Status).To(Equal(StatusOK))
		})
	})

	When("the vendor is blank", func() {
		BeforeEach(func() {
			fields[extraction.FieldVendor] = known("   ")
		})

		It("accepts the record with an incomplete vendor", func() {
			Expect(report.Accepted()).To(BeTrue())
			Expect(report.Fields["vendor"].Status).To(Equal(StatusIncomplete))
			Expect(expense.Vendor).To(Equal(UnknownVendor))
			Expect(report.Fields["vendor"].Value).To(BeEmpty())
			Expect(report.NeedsReview).To(BeTrue())
		})
	})

	When("a vendor matcher knows the name", func() {
		BeforeEach(func() {
			fields[extraction.FieldVendor] = known("Cafe  Luna")
			opts = []Option{WithVendors(NewHistoryMatcher([]string{"Café Luna", "Cafe Luna"}))}
		})

		It("uses the canonical spelling", func() {
			Expect(expense.Vendor).To(Equal("Cafe Luna"))
			Expect(report.Fields["vendor"].Status).To(Equal(StatusOK))
		})
	})

	When("the category is absent", func() {
		BeforeEach(func() {
			delete(fields, extraction.FieldCategory)
		})

		It("falls back to uncategorized", func() {
			Expect(expense.Category).To(Equal(Uncategorized))
			Expect(report.Fields["category"].Status).To(Equal(StatusIncomplete))
		})
	})

	When("the category is a synonym", func() {
		BeforeEach(func() {
			fields[extraction.FieldCategory] = known("Eatery")
		})

		It("maps it into the taxonomy", func() {
			Expect(expense.Category).To(Equal("dining"))
			Expect(report.Fields["category"].Status).To(Equal(StatusOK))
		})
	})

	When("the category is outside the taxonomy", func() {
		BeforeEach(func() {
			fields[extraction.FieldCategory] = known("spaceflight")
		})

		It("falls back to uncategorized without rejecting", func() {
			Expect(report.Accepted()).To(BeTrue())
			Expect(expense.Category).To(Equal(Uncategorized))
		})
	})

	Describe("currency", func() {
		When("it is absent and the amount has no symbol", func() {
			BeforeEach(func() {
				delete(fields, extraction.FieldCurrency)
				cfg.DefaultCurrency = "EUR"
			})

			It("applies the default and marks it incomplete", func() {
				Expect(expense.Currency).To(Equal("EUR"))
				Expect(report.Fields["currency"].Status).To(Equal(StatusIncomplete))
			})
		})

		When("it is absent but the amount carries a symbol", func() {
			BeforeEach(func() {
				delete(fields, extraction.FieldCurrency)
				fields[extraction.FieldAmount] = known("£45.00")
			})

			It("uses the symbol's currency", func() {
				Expect(expense.Currency).To(Equal("GBP"))
				Expect(report.Fields["currency"].Status).To(Equal(StatusOK))
			})
		})

		When("it is a symbol", func() {
			BeforeEach(func() {
				fields[extraction.FieldCurrency] = known("$")
			})

			It("maps it to the ISO code", func() {
				Expect(expense.Currency).To(Equal("USD"))
				Expect(report.Fields["currency"].Status).To(Equal(StatusOK))
			})
		})

		When("it is not an ISO code", func() {
			BeforeEach(func() {
				fields[extraction.FieldCurrency] = known("dollars")
			})

			It("applies the default and marks it suspicious", func() {
				Expect(expense.Currency).To(Equal("USD"))
				Expect(report.Fields["currency"].Status).To(Equal(StatusSuspicious))
			})
		})

		When("it disagrees with the receipt text", func() {
			BeforeEach(func() {
				lines = []string{"CAFE LUNA", "03/14/2024", "TOTAL €45.00"}
				fields[extraction.FieldCurrency] = known("USD")
			})

			It("marks the currency suspicious", func() {
				Expect(report.Fields["currency"].Status).To(Equal(StatusSuspicious))
				Expect(report.Fields["amount"].Status).To(Equal(StatusOK))
			})
		})
	})

	Describe("line items", func() {
		BeforeEach(func() {
			lines = []string{"CAFE LUNA", "03/14/2024", "LATTE 5.00", "WATER 0.00", "TOTAL 45.00"}
		})

		JustBeforeEach(func() {
			candidate := candidateFor(lines, fields)
			candidate.LineItems = []extraction.LineItem{
				{Description: known("LATTE"), Amount: known("5.00")},
				{Description: known("WATER"), Amount: known("0.00")},
				{Description: known("REFUND"), Amount: known("-2.00")},
			}
			expense, report = validator.Validate(candidate)
		})

		It("flags zero items and drops invalid ones", func() {
			Expect(report.Accepted()).To(BeTrue())
			Expect(report.LineItems).To(HaveLen(3))
			Expect(report.LineItems[0].Status).To(Equal(StatusOK))
			Expect(report.LineItems[1].Status).To(Equal(StatusSuspicious))
			Expect(report.LineItems[2].Status).To(Equal(StatusInvalid))
			Expect(expense.LineItems).To(HaveLen(2))
			Expect(expense.LineItems[1].Description).To(Equal("WATER"))
		})
	})

	It("is deterministic for the same input", func() {
		_, again := validator.Validate(candidateFor(lines, fields))
		Expect(again).To(Equal(report))
	})
})

var _ = Describe("ValidateManual", func() {
	var validator *Validator

	BeforeEach(func() {
		cfg := DefaultConfig()
		cfg.Now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
		var err error
		validator, err = NewValidator(cfg)
		Expect(err).NotTo(HaveOccurred())
	})

	It("accepts a complete entry", func() {
		expense, report := validator.ValidateManual(Manual{
			Vendor:   "Hardware Store",
			Amount:   "19.99",
			Currency: "usd",
			Date:     "2024-05-30",
			Category: "shopping",
		})
		Expect(report.Accepted()).To(BeTrue())
		Expect(report.NeedsReview).To(BeFalse())
		Expect(expense.Currency).To(Equal("USD"))
		Expect(expense.Amount.StringFixed(2)).To(Equal("19.99"))
	})

	It("rejects an unparsable amount", func() {
		expense, report := validator.ValidateManual(Manual{Vendor: "X", Amount: "lots", Date: "2024-05-30"})
		Expect(expense).To(BeNil())
		Expect(report.Err()).To(MatchError(ContainSubstring("rejected")))
	})
})

var _ = Describe("NewValidator", func() {
	It("rejects a bad default currency", func() {
		cfg := DefaultConfig()
		cfg.DefaultCurrency = "DOLLARS"
		_, err := NewValidator(cfg)
		Expect(err).To(HaveOccurred())
	})

	It("requires a taxonomy", func() {
		cfg := DefaultConfig()
		cfg.Taxonomy = nil
		_, err := NewValidator(cfg)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a review threshold above one", func() {
		cfg := DefaultConfig()
		cfg.ReviewThreshold = 1.5
		_, err := NewValidator(cfg)
		Expect(err).To(HaveOccurred())
	})
})
