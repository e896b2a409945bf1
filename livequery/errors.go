package livequery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type ErrorKind string

const (
	ErrorKindNetwork ErrorKind = "network"
	ErrorKindHttp4xx ErrorKind = "http4xx"
	ErrorKindHttp5xx ErrorKind = "http5xx"
	ErrorKindTimeout ErrorKind = "timeout"
	ErrorKindParse   ErrorKind = "parse"
)

func (self ErrorKind) IsRetriable() bool {
	switch self {
	case ErrorKindNetwork, ErrorKindTimeout, ErrorKindHttp5xx:
		return true
	default:
		return false
	}
}

// the classification the retry policy keys off.
// `Status` is set for http4xx/http5xx kinds.
type FetchError struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func NewNetworkError(err error) *FetchError {
	return &FetchError{
		Kind: ErrorKindNetwork,
		Err:  err,
	}
}

func NewTimeoutError(err error) *FetchError {
	return &FetchError{
		Kind: ErrorKindTimeout,
		Err:  err,
	}
}

func NewParseError(err error) *FetchError {
	return &FetchError{
		Kind: ErrorKindParse,
		Err:  err,
	}
}

func NewHttpError(status int, err error) *FetchError {
	kind := ErrorKindHttp4xx
	if 500 <= status {
		kind = ErrorKindHttp5xx
	}
	return &FetchError{
		Kind:   kind,
		Status: status,
		Err:    err,
	}
}

func (self *FetchError) Error() string {
	if 0 < self.Status {
		return fmt.Sprintf("fetch error (%s %d): %s", self.Kind, self.Status, self.Err)
	}
	return fmt.Sprintf("fetch error (%s): %s", self.Kind, self.Err)
}

func (self *FetchError) Unwrap() error {
	return self.Err
}

func (self *FetchError) IsRetriable() bool {
	return self.Kind.IsRetriable()
}

// a mutation rejected because its precondition went stale.
// rollback plus a forced refetch of the affected keys.
type ConflictError struct {
	Status  int
	Message string
}

func NewConflictError(status int, message string) *ConflictError {
	return &ConflictError{
		Status:  status,
		Message: message,
	}
}

func (self *ConflictError) Error() string {
	return fmt.Sprintf("conflict (%d): %s", self.Status, self.Message)
}

// internal to the real-time feed. drives the reconnect state machine and is
// never surfaced unless the polling fallback is exhausted too.
type ConnectionLostError struct {
	Err error
}

func (self *ConnectionLostError) Error() string {
	return fmt.Sprintf("connection lost: %s", self.Err)
}

func (self *ConnectionLostError) Unwrap() error {
	return self.Err
}

func IsRetriable(err error) bool {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.IsRetriable()
	}
	return false
}

func IsValidation(err error) bool {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Kind == ErrorKindHttp4xx
	}
	return false
}

func IsConflict(err error) bool {
	var conflictErr *ConflictError
	return errors.As(err, &conflictErr)
}

// normalize an arbitrary fetcher error into a `FetchError`.
// already-classified errors pass through unchanged.
func classifyError(err error) *FetchError {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewTimeoutError(err)
		}
		return NewNetworkError(err)
	}
	return NewNetworkError(err)
}

func httpStatusError(status int, message string) error {
	if status == http.StatusConflict || status == http.StatusPreconditionFailed {
		return NewConflictError(status, message)
	}
	return NewHttpError(status, errors.New(message))
}
