package errs

import "net/http"

// HTTPStatus maps an error to the status code the api layer responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInput, KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConsistency:
		return http.StatusConflict
	case KindQuota:
		return http.StatusTooManyRequests
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindMalformed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code is the stable machine-readable code written in error responses.
func Code(err error) string {
	kind := KindOf(err)
	if kind == "" {
		return string(KindInternal)
	}
	return string(kind)
}
