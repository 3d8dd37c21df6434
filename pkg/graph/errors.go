package graph

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed page fetch.
type ErrorKind int

const (
	// Transient covers network errors and 5xx responses. Retry with a short backoff.
	Transient ErrorKind = iota
	// RateLimited means back off and retry the same cursor.
	RateLimited
	// AccessDenied is terminal for the source.
	AccessDenied
	// Malformed means the response could not be decoded.
	Malformed
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case AccessDenied:
		return "access_denied"
	case Malformed:
		return "malformed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is returned by Fetch for every failure.
type Error struct {
	Kind    ErrorKind
	Status  int // HTTP status, 0 when no response was received
	Code    int // Graph error code, 0 when absent
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("graph %s (status %d, code %d): %s", e.Kind, e.Status, e.Code, msg)
	}
	return fmt.Sprintf("graph %s (status %d): %s", e.Kind, e.Status, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a fetch error. Errors that are not *Error are
// treated as Transient.
func KindOf(err error) ErrorKind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return Transient
}

// IsRetryable reports whether the same request may be tried again.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == Transient || k == RateLimited
}

// classify maps an HTTP status and Graph error code to an ErrorKind.
func classify(status, code int) ErrorKind {
	switch code {
	case 4, 17, 32, 613:
		return RateLimited
	case 10, 102, 190:
		return AccessDenied
	case 1, 2:
		return Transient
	}
	if code >= 200 && code <= 299 {
		return AccessDenied
	}

	switch {
	case status == 429:
		return RateLimited
	case status == 401 || status == 403:
		return AccessDenied
	case status >= 500:
		return Transient
	}
	return Malformed
}
