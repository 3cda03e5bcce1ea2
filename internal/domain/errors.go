package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrDuplicateOperation means another execution with the same idempotency key is in flight.
	ErrDuplicateOperation = errors.New("duplicate operation in progress")
	// ErrRelevance means a slot write lost to a newer writer and must be dropped.
	ErrRelevance = errors.New("slot superseded by a newer write")
)

// StoreError wraps a coordination store transport failure.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("store: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// PlatformError is a non-ok answer (or transport failure) from the chat platform.
type PlatformError struct {
	Method      string
	StatusCode  int
	Description string
	Err         error
}

func (e *PlatformError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("platform: %s: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("platform: %s: status %d: %s", e.Method, e.StatusCode, e.Description)
}

func (e *PlatformError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *PlatformError) HTTPStatusCode() int {
	return e.StatusCode
}

// NotFound reports whether the target message is gone or can no longer be edited.
func (e *PlatformError) NotFound() bool {
	if e == nil || e.Err != nil {
		return false
	}
	d := strings.ToLower(e.Description)
	for _, marker := range []string{
		"message to edit not found",
		"message to delete not found",
		"message can't be edited",
		"message can't be deleted",
		"message_id_invalid",
		"there is no text in the message to edit",
		"there is no caption in the message to edit",
		"there is no media in the message to edit",
	} {
		if strings.Contains(d, marker) {
			return true
		}
	}
	return false
}

// NotModified reports whether an edit was rejected because nothing changed.
func (e *PlatformError) NotModified() bool {
	if e == nil || e.Err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(e.Description), "message is not modified")
}

// Transient reports failures a caller may retry.
func (e *PlatformError) Transient() bool {
	if e == nil {
		return false
	}
	return e.Err != nil || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// AsPlatformError unwraps err to a *PlatformError.
func AsPlatformError(err error) (*PlatformError, bool) {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsStoreError reports whether err carries a coordination store failure.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
