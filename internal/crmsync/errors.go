package crmsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidState     = errors.New("invalid state")
	ErrLockBusy         = errors.New("entity lock busy")
	ErrNotHolder        = errors.New("lock not held by token")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownAccount   = errors.New("unknown external account")
	ErrConflictClosed   = errors.New("conflict already resolved")
	ErrSyncDisabled     = errors.New("sync disabled for object type")
	ErrExternalNotFound = errors.New("external object not found")
)

// ErrorKind is the retry classification of a failed sync call.
type ErrorKind string

const (
	ErrorTransient   ErrorKind = "transient"
	ErrorPermanent   ErrorKind = "permanent"
	ErrorRateLimited ErrorKind = "rate_limited"
)

// SyncError carries the classification an ExternalClient assigns to a
// failure. RetryAfter is only meaningful for ErrorRateLimited.
type SyncError struct {
	Kind       ErrorKind
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *SyncError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		if e.Code != "" {
			return fmt.Sprintf("%s: status=%d code=%s message=%s", e.Kind, e.StatusCode, e.Code, msg)
		}
		return fmt.Sprintf("%s: status=%d message=%s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func Transient(err error) error {
	return &SyncError{Kind: ErrorTransient, Err: err}
}

func Permanent(err error) error {
	return &SyncError{Kind: ErrorPermanent, Err: err}
}

func RateLimited(retryAfter time.Duration, err error) error {
	return &SyncError{Kind: ErrorRateLimited, RetryAfter: retryAfter, Err: err}
}

// Classify maps an error to its retry kind. Unclassified errors are treated
// as transient unless they are known input or not-found failures.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorTransient
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrExternalNotFound) || errors.Is(err, ErrSyncDisabled) {
		return ErrorPermanent
	}
	return ErrorTransient
}

// RetryAfter returns the minimum delay requested by a rate-limited failure.
func RetryAfter(err error) time.Duration {
	var syncErr *SyncError
	if errors.As(err, &syncErr) && syncErr.Kind == ErrorRateLimited {
		return syncErr.RetryAfter
	}
	return 0
}

func IsRetryable(err error) bool {
	kind := Classify(err)
	return kind == ErrorTransient || kind == ErrorRateLimited
}
