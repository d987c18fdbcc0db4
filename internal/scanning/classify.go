package scanning

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zombor/receipt-ledger/internal/errs"
)

// classifyError maps a Google API client error onto the pipeline taxonomy.
func classifyError(service string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.NewServiceUnavailableError(service, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPCode() > 0 {
		return classifyStatus(service, apiErr.HTTPCode(), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.NewServiceUnavailableError(service, err)
	}

	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		return errs.NewQuotaExceededError(service, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.Aborted:
		return errs.NewServiceUnavailableError(service, err)
	default:
		return err
	}
}

// classifyStatus maps an HTTP status code onto the pipeline taxonomy.
func classifyStatus(service string, code int, err error) error {
	switch {
	case code == http.StatusTooManyRequests:
		return errs.NewQuotaExceededError(service, err)
	case code >= 500, code == http.StatusRequestTimeout:
		return errs.NewServiceUnavailableError(service, err)
	default:
		return err
	}
}
