package usecase

import (
	"encoding/json"
	"fmt"
	"net/http"

	"questbot/internal/domain"
)

type ErrorCode string

const (
	ErrorInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrorInProgress       ErrorCode = "IN_PROGRESS"
	ErrorUpstream         ErrorCode = "UPSTREAM_ERROR"
	ErrorStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrorInternal         ErrorCode = "INTERNAL_ERROR"
)

// HTTPStatus is the status a code is answered (and recorded for replay) with.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrorInvalidInput:
		return http.StatusBadRequest
	case ErrorInProgress:
		return http.StatusConflict
	case ErrorUpstream:
		return http.StatusBadGateway
	case ErrorStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorBody is the wire shape of a failed call.
type ErrorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (e *Error) Body() json.RawMessage {
	b, _ := json.Marshal(ErrorBody{Error: string(e.Code), Reason: e.Reason})
	return b
}

// Retryable reports whether the same call may succeed later: the store was unreachable
// or the platform failed transiently.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case ErrorStoreUnavailable:
		return true
	case ErrorUpstream:
		pe, ok := domain.AsPlatformError(e.Err)
		return ok && pe.Transient()
	default:
		return false
	}
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
