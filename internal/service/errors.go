package service

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind tags the outcome of an OTP or reset-session operation.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindInvalidOrExpired
	KindAttemptsExhausted
	KindSessionNotFound
	KindDispatchFailure
	KindStoreUnavailable
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "RATE_LIMITED"
	case KindInvalidOrExpired:
		return "INVALID_OR_EXPIRED"
	case KindAttemptsExhausted:
		return "ATTEMPTS_EXHAUSTED"
	case KindSessionNotFound:
		return "SESSION_NOT_FOUND_OR_EXPIRED"
	case KindDispatchFailure:
		return "DISPATCH_FAILURE"
	case KindStoreUnavailable:
		return "STORE_UNAVAILABLE"
	case KindInvalidRequest:
		return "INVALID_REQUEST"
	default:
		return "UNKNOWN"
	}
}

// Error is the tagged failure returned by every operation in this package.
//
// RateLimited, InvalidOrExpired, AttemptsExhausted and SessionNotFound are
// expected user-facing outcomes. StoreUnavailable is fatal for the request and
// is never retried here.
type Error struct {
	Kind Kind
	// WaitSeconds is set for KindRateLimited.
	WaitSeconds int
	// AttemptsRemaining is set for KindInvalidOrExpired after a counted miss, -1 otherwise.
	AttemptsRemaining int
	Err               error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRateLimited:
		return fmt.Sprintf("please wait %d seconds before requesting another OTP", e.WaitSeconds)
	case KindInvalidOrExpired:
		if e.AttemptsRemaining >= 0 {
			return fmt.Sprintf("invalid OTP, %d attempts remaining", e.AttemptsRemaining)
		}
		return "OTP is invalid or has expired"
	case KindAttemptsExhausted:
		return "maximum OTP attempts exceeded"
	case KindSessionNotFound:
		return "invalid or expired reset session"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode maps the outcome to the HTTP status the gateway responds with.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindRateLimited, KindAttemptsExhausted:
		return http.StatusTooManyRequests
	case KindInvalidOrExpired, KindInvalidRequest:
		return http.StatusBadRequest
	case KindSessionNotFound:
		return http.StatusNotFound
	case KindDispatchFailure:
		return http.StatusBadGateway
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func rateLimited(wait int) error {
	return &Error{Kind: KindRateLimited, WaitSeconds: wait}
}

func invalidOrExpired(remaining int) error {
	return &Error{Kind: KindInvalidOrExpired, AttemptsRemaining: remaining}
}

func attemptsExhausted() error {
	return &Error{Kind: KindAttemptsExhausted}
}

func storeUnavailable(err error) error {
	return &Error{Kind: KindStoreUnavailable, Err: err}
}

func dispatchFailure(err error) error {
	return &Error{Kind: KindDispatchFailure, Err: err}
}

func invalidRequest(format string, args ...any) error {
	return &Error{Kind: KindInvalidRequest, Err: fmt.Errorf(format, args...)}
}
