package scanning

import (
	"context"
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zombor/receipt-ledger/internal/errs"
)

var _ = Describe("classifyError", func() {
	DescribeTable("maps client errors",
		func(err error, kind errs.Kind) {
			Expect(errs.KindOf(classifyError("gemini", err))).To(Equal(kind))
		},
		Entry("resource exhausted", status.Error(codes.ResourceExhausted, "quota"), errs.KindQuota),
		Entry("unavailable", status.Error(codes.Unavailable, "down"), errs.KindTransient),
		Entry("wrapped internal", fmt.Errorf("rpc: %w", status.Error(codes.Internal, "oops")), errs.KindTransient),
		Entry("deadline", context.DeadlineExceeded, errs.KindTransient),
		Entry("invalid argument", status.Error(codes.InvalidArgument, "bad"), errs.KindInternal),
		Entry("plain error", errors.New("boom"), errs.KindInternal),
	)

	It("passes cancellation through", func() {
		Expect(classifyError("gemini", context.Canceled)).To(MatchError(context.Canceled))
	})
})
