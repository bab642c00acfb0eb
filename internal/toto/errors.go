// Package toto holds the types shared by every layer of the dispatch
// fabric: the structured error used at every module boundary instead
// of ad-hoc panics, and the internal error code table the request
// handler and worker service both serialize onto the wire.
package toto

import "fmt"

// Code is one of the small set of internal error codes the pipeline
// itself can raise. User methods are free to raise their own codes
// through Error; the pipeline never interprets an unrecognized code
// beyond passing it through.
type Code int

const (
	ErrServer         Code = 1000
	ErrUnknownMethod  Code = 1001
	ErrMissingMethod  Code = 1002
	ErrMissingParams  Code = 1003
	ErrNotAuthorized  Code = 1004
	ErrUserNotFound   Code = 1005
	ErrUserExists     Code = 1006
	ErrInvalidSession Code = 1007
	ErrInvalidHMAC    Code = 1008
	ErrInvalidUserID  Code = 1009
)

var codeMessages = map[Code]string{
	ErrServer:         "Server error.",
	ErrUnknownMethod:  "Unknown method.",
	ErrMissingMethod:  "Missing method.",
	ErrMissingParams:  "Missing parameters.",
	ErrNotAuthorized:  "Not authorized.",
	ErrUserNotFound:   "Invalid user ID or password",
	ErrUserExists:     "User ID already exists.",
	ErrInvalidSession: "Invalid session.",
	ErrInvalidHMAC:    "Invalid HMAC.",
	ErrInvalidUserID:  "Invalid user ID.",
}

// Error is the sum-typed result raised across module boundaries in
// place of the source's exception-driven TotoException. Value carries
// whatever a user method wants to return to the client; it is never
// inspected by the pipeline beyond serialization.
type Error struct {
	Code  Code
	Value any
}

func (e *Error) Error() string {
	if s, ok := e.Value.(string); ok {
		return s
	}
	return fmt.Sprintf("toto error %d", e.Code)
}

// New builds an Error with the stock message for code when value is nil.
func New(code Code, value any) *Error {
	if value == nil {
		value = codeMessages[code]
	}
	return &Error{Code: code, Value: value}
}

// Wrap converts an arbitrary error into an *Error, preserving it
// unchanged if it already is one, and mapping anything else to
// ErrServer with the stringified reason — the single point other
// packages call so a panic/unexpected failure never escapes as a raw
// Go error onto the wire. Returns the error interface (not *Error) so
// a nil input propagates as a true nil rather than a non-nil
// interface wrapping a nil pointer.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if te, ok := err.(*Error); ok {
		return te
	}
	return New(ErrServer, err.Error())
}

// AsError converts err into *Error the same way Wrap does, for
// callers that specifically need the concrete type (e.g. to read
// Code). Returns nil if err is nil.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if te, ok := err.(*Error); ok {
		return te
	}
	return New(ErrServer, err.Error())
}
