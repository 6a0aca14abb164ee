package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies venue failures independent of exchange error codes.
type ErrorKind string

const (
	KindRateLimited       ErrorKind = "RATE_LIMITED"
	KindForbidden         ErrorKind = "FORBIDDEN"
	KindInvalidNonce      ErrorKind = "INVALID_NONCE"
	KindAuth              ErrorKind = "AUTH"
	KindInsufficientFunds ErrorKind = "INSUFFICIENT_FUNDS"
	KindInvalidSymbol     ErrorKind = "INVALID_SYMBOL"
	KindPrecision         ErrorKind = "PRECISION"
	KindRejected          ErrorKind = "REJECTED"
	KindNotFound          ErrorKind = "NOT_FOUND"
	// KindTransport means the request may or may not have been applied.
	KindTransport ErrorKind = "TRANSPORT"
)

// VenueError is returned by adapters for every non-success response.
type VenueError struct {
	Venue  string
	Kind   ErrorKind
	Status int
	Code   int
	Msg    string
	Err    error
}

func (e *VenueError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (status=%d code=%d): %s", e.Venue, e.Kind, e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s (status=%d): %s", e.Venue, e.Kind, e.Status, e.Msg)
}

func (e *VenueError) Unwrap() error { return e.Err }

// KindOf extracts the kind of a venue error. Unclassified errors are
// transport errors: nothing proves the request was not applied.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindTransport
}

// NewError builds a VenueError.
func NewError(venue string, kind ErrorKind, status int, msg string) *VenueError {
	return &VenueError{Venue: venue, Kind: kind, Status: status, Msg: msg}
}

// Transport wraps a network failure.
func Transport(venue string, err error) *VenueError {
	return &VenueError{Venue: venue, Kind: KindTransport, Msg: err.Error(), Err: err}
}

// KindFromHTTP maps status codes shared by most REST venues.
func KindFromHTTP(status int) ErrorKind {
	switch {
	case status == 429 || status == 418:
		return KindRateLimited
	case status == 401:
		return KindAuth
	case status == 403:
		return KindForbidden
	case status == 404:
		return KindNotFound
	case status >= 500:
		return KindTransport
	default:
		return KindRejected
	}
}
