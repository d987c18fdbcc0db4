package errs

import (
	"context"
	"errors"
)

// Kind classifies an error for retry and propagation decisions.
type Kind string

const (
	KindInput       Kind = "input"
	KindTransient   Kind = "transient"
	KindQuota       Kind = "quota"
	KindMalformed   Kind = "malformed"
	KindValidation  Kind = "validation"
	KindConsistency Kind = "consistency"
	KindNotFound    Kind = "not_found"
	KindInternal    Kind = "internal"
)

// ErrorMessage is the message and optional cause shared by every error type.
type ErrorMessage struct {
	Message string
	Err     error
}

func (e *ErrorMessage) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ErrorMessage) Unwrap() error { return e.Err }

// EmptyInputError means OCR text had no readable lines.
type EmptyInputError struct {
	ErrorMessage
}

// UnsupportedFormatError means an upload or image cannot be read.
type UnsupportedFormatError struct {
	ErrorMessage
}

// ServiceUnavailableError is a transport, 5xx, or timeout failure of a remote service.
type ServiceUnavailableError struct {
	ErrorMessage
	Service string
}

// QuotaExceededError means a remote service refused the call for rate or quota reasons.
type QuotaExceededError struct {
	ErrorMessage
	Service string
}

// MalformedResponseError means the inference reply violated the extraction schema.
type MalformedResponseError struct {
	ErrorMessage
	Raw string
}

// NotFoundError means the record does not exist or belongs to another user.
type NotFoundError struct {
	ErrorMessage
}

// AlreadyExistsError means a record with the same ID was already stored.
type AlreadyExistsError struct {
	ErrorMessage
}

// ConflictError means a compare-and-set lost a race or an immutable field was rewritten.
type ConflictError struct {
	ErrorMessage
}

// ValidationError lists the rejected fields of a record by name.
type ValidationError struct {
	ErrorMessage
	Fields map[string]string
}

func NewEmptyInputError(message string) *EmptyInputError {
	return &EmptyInputError{ErrorMessage: ErrorMessage{Message: message}}
}

func NewUnsupportedFormatError(message string, err error) *UnsupportedFormatError {
	return &UnsupportedFormatError{ErrorMessage: ErrorMessage{Message: message, Err: err}}
}

// NewServiceUnavailableError wraps a failed call to service.
func NewServiceUnavailableError(service string, err error) *ServiceUnavailableError {
	return &ServiceUnavailableError{
		ErrorMessage: ErrorMessage{Message: service + " unavailable", Err: err},
		Service:      service,
	}
}

// NewQuotaExceededError wraps a call to service that was refused for quota.
func NewQuotaExceededError(service string, err error) *QuotaExceededError {
	return &QuotaExceededError{
		ErrorMessage: ErrorMessage{Message: service + " quota exceeded", Err: err},
		Service:      service,
	}
}

// NewMalformedResponseError keeps the raw reply for the attempt history.
func NewMalformedResponseError(message, raw string) *MalformedResponseError {
	return &MalformedResponseError{
		ErrorMessage: ErrorMessage{Message: message},
		Raw:          raw,
	}
}

func NewNotFoundError(message string) *NotFoundError {
	return &NotFoundError{ErrorMessage: ErrorMessage{Message: message}}
}

func NewAlreadyExistsError(message string) *AlreadyExistsError {
	return &AlreadyExistsError{ErrorMessage: ErrorMessage{Message: message}}
}

func NewConflictError(message string) *ConflictError {
	return &ConflictError{ErrorMessage: ErrorMessage{Message: message}}
}

func NewValidationError(message string, fields map[string]string) *ValidationError {
	return &ValidationError{
		ErrorMessage: ErrorMessage{Message: message},
		Fields:       fields,
	}
}

// KindOf reports the Kind of the first typed error found in err's chain.
func KindOf(err error) Kind {
	var (
		emptyErr       *EmptyInputError
		unsupportedErr *UnsupportedFormatError
		unavailableErr *ServiceUnavailableError
		quotaErr       *QuotaExceededError
		malformedErr   *MalformedResponseError
		notFoundErr    *NotFoundError
		existsErr      *AlreadyExistsError
		conflictErr    *ConflictError
		validationErr  *ValidationError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &emptyErr), errors.As(err, &unsupportedErr):
		return KindInput
	case errors.As(err, &quotaErr):
		return KindQuota
	case errors.As(err, &unavailableErr):
		return KindTransient
	case errors.As(err, &malformedErr):
		return KindMalformed
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.As(err, &conflictErr), errors.As(err, &existsErr):
		return KindConsistency
	case errors.As(err, &notFoundErr):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindInternal
	}
}

// Retryable reports whether an external call that failed with err may be retried.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}
