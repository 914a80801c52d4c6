package download

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
)

var (
	// ErrCancelled marks work abandoned because the run was cancelled.
	ErrCancelled = errors.New("run cancelled")
	// ErrMalformed marks a response that could not be interpreted.
	ErrMalformed = errors.New("malformed response")
)

// StatusError reports a non-success HTTP status from a transport.
type StatusError struct {
	Code    int
	Locator string
	Err     error
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("status %d %s", e.Code, http.StatusText(e.Code))
	if e.Locator != "" {
		msg += " for " + e.Locator
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// TransientError wraps a failure that may succeed when retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that retrying will not fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// ProgrammingError reports a broken invariant (double release, duplicate
// record, bad pool sizing). It is never treated as a target failure.
type ProgrammingError struct {
	Op  string
	Msg string
}

func (e *ProgrammingError) Error() string {
	return fmt.Sprintf("programming error in %s: %s", e.Op, e.Msg)
}

// IsProgrammingError reports whether err carries a ProgrammingError.
func IsProgrammingError(err error) bool {
	var pe *ProgrammingError
	return errors.As(err, &pe)
}

// IsRateLimited reports whether err is an HTTP 429 from the transport.
func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusTooManyRequests
}

// Classify maps a transport error to a failure kind. Explicit Transient or
// Permanent wrappers win; otherwise HTTP statuses and network errors decide.
// Unknown errors are transient.
func Classify(err error) FailureKind {
	var (
		transient *TransientError
		permanent *PermanentError
		status    *StatusError
	)
	switch {
	case errors.As(err, &permanent):
		return FailurePermanent
	case errors.As(err, &transient):
		return FailureTransient
	case errors.As(err, &status):
		return classifyStatus(status.Code)
	case errors.Is(err, ErrMalformed):
		return FailurePermanent
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTransient
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		return FailureTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureTransient
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "parse" {
		return FailurePermanent
	}
	return FailureTransient
}

func classifyStatus(code int) FailureKind {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return FailureTransient
	case code >= 500:
		return FailureTransient
	default:
		return FailurePermanent
	}
}
