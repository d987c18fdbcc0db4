package scanning

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-ledger/internal/errs"
)

var _ = Describe("cleanReply", func() {
	var (
		input string
		out   string
		err   error
	)

	JustBeforeEach(func() {
		out, err = cleanReply(input)
	})

	When("the reply is plain JSON", func() {
		BeforeEach(func() {
			input = `{"vendor": {"value": "CVS Pharmacy"}}`
		})

		It("returns it unchanged", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal(input))
		})
	})

	When("the reply is wrapped in markdown code blocks", func() {
		BeforeEach(func() {
			input = "```json\n{\"vendor\": null}\n```"
		})

		It("strips the fences", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal(`{"vendor": null}`))
		})
	})

	When("the reply has chatter around the object", func() {
		BeforeEach(func() {
			input = "Sure! Here it is: {\"vendor\": null} Hope that helps."
		})

		It("returns just the object", func() {
			Expect(out).To(Equal(`{"vendor": null}`))
		})
	})

	When("the reply has no JSON object", func() {
		BeforeEach(func() {
			input = "invalid json"
		})

		It("returns a MalformedResponseError", func() {
			Expect(errs.KindOf(err)).To(Equal(errs.KindMalformed))
		})
	})
})

var _ = Describe("Schema", func() {
	It("describes nested fields and enums", func() {
		desc := testSchema.Describe()
		Expect(desc).To(ContainSubstring("- category (enum: one of dining, groceries): spend category"))
		Expect(desc).To(ContainSubstring("  - description (string): item text"))
	})

	It("looks up fields by name", func() {
		f, ok := testSchema.Field("date")
		Expect(ok).To(BeTrue())
		Expect(f.Type).To(Equal(TypeDate))

		_, ok = testSchema.Field("missing")
		Expect(ok).To(BeFalse())
	})
})
