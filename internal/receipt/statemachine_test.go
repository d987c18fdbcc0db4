package receipt

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("State machine", func() {
	DescribeTable("CanTransition",
		func(from, to State, allowed bool) {
			Expect(CanTransition(from, to)).To(Equal(allowed))
		},
		Entry("upload starts OCR", StateUploaded, StateOCRPending, true),
		Entry("OCR succeeds", StateOCRPending, StateOCRDone, true),
		Entry("OCR fails", StateOCRPending, StateOCRFailed, true),
		Entry("failed OCR is retried", StateOCRFailed, StateOCRPending, true),
		Entry("extraction starts", StateOCRDone, StateExtractionPending, true),
		Entry("extraction succeeds", StateExtractionPending, StateExtracted, true),
		Entry("extraction fails", StateExtractionPending, StateExtractionFailed, true),
		Entry("failed extraction is retried", StateExtractionFailed, StateExtractionPending, true),
		Entry("skipping OCR", StateUploaded, StateOCRDone, false),
		Entry("skipping extraction pending", StateOCRDone, StateExtracted, false),
		Entry("going backwards", StateOCRDone, StateOCRPending, false),
		Entry("leaving extracted", StateExtracted, StateExtractionPending, false),
		Entry("self loop", StateExtractionPending, StateExtractionPending, false),
		Entry("unknown state", State("bogus"), StateOCRPending, false),
	)

	It("classifies states", func() {
		Expect(StateOCRPending.Pending()).To(BeTrue())
		Expect(StateExtractionPending.Pending()).To(BeTrue())
		Expect(StateUploaded.Pending()).To(BeFalse())

		Expect(StateExtracted.Terminal()).To(BeTrue())
		Expect(StateOCRFailed.Terminal()).To(BeTrue())
		Expect(StateOCRDone.Terminal()).To(BeFalse())

		Expect(State("bogus").Valid()).To(BeFalse())
		Expect(StateUploaded.Valid()).To(BeTrue())
	})

	It("maps pending states to their failure states", func() {
		failed, ok := FailureState(StateOCRPending)
		Expect(ok).To(BeTrue())
		Expect(failed).To(Equal(StateOCRFailed))

		failed, ok = FailureState(StateExtractionPending)
		Expect(ok).To(BeTrue())
		Expect(failed).To(Equal(StateExtractionFailed))

		_, ok = FailureState(StateOCRDone)
		Expect(ok).To(BeFalse())
	})
})
