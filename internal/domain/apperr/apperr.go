// Package apperr defines the error taxonomy shared by the domain packages.
//
// Every failure surfaced to a caller is an *Error with a Kind (which decides
// the status category) and a stable machine-readable Code. Errors compare
// equal under errors.Is when their codes match, so sentinel values can be
// declared once per package and re-issued with structured data attached.
package apperr

import (
	"fmt"
	"maps"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Kind is the status category of an error.
type Kind uint8

const (
	// KindInternal is an unexpected failure. Details are never shown to callers.
	KindInternal Kind = iota
	// KindValidation is malformed or missing input.
	KindValidation
	// KindNotFound is an absent entity or one not owned by the caller.
	KindNotFound
	// KindConflict is a state that precludes the requested transition.
	KindConflict
	// KindGateway is a failure of the third-party payment service.
	KindGateway
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindGateway:
		return "GATEWAY_ERROR"
	default:
		return "INTERNAL"
	}
}

// Generic codes used when no more specific code applies.
const (
	CodeValidation = "VALIDATION"
	CodeNotFound   = "NOT_FOUND"
	CodeConflict   = "CONFLICT"
	CodeGateway    = "GATEWAY_ERROR"
	CodeInternal   = "INTERNAL"
)

// Error is a classified domain error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Data is structured detail for the caller, e.g. {"max": 3}.
	Data map[string]any
	// Payload is the raw upstream body for gateway errors.
	Payload []byte
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// With returns a copy of e with key set in Data.
func (e *Error) With(key string, value any) *Error {
	c := *e
	c.Data = maps.Clone(e.Data)
	if c.Data == nil {
		c.Data = make(map[string]any, 1)
	}
	c.Data[key] = value
	return &c
}

// Wrap returns a copy of e with err as the cause.
func (e *Error) Wrap(err error) *Error {
	c := *e
	c.Err = err
	return &c
}

// Withf returns a copy of e with a formatted message.
func (e *Error) Withf(format string, args ...any) *Error {
	c := *e
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

// New creates an error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Validation creates a KindValidation error.
func Validation(code, message string) *Error { return New(KindValidation, code, message) }

// NotFound creates a KindNotFound error.
func NotFound(code, message string) *Error { return New(KindNotFound, code, message) }

// Conflict creates a KindConflict error.
func Conflict(code, message string) *Error { return New(KindConflict, code, message) }

// Gateway creates a KindGateway error carrying the raw upstream payload.
func Gateway(code, message string, payload []byte, cause error) *Error {
	e := New(KindGateway, code, message)
	e.Payload = payload
	e.Err = cause
	return e
}

// Invalidf is a shortcut for a generic validation failure.
func Invalidf(format string, args ...any) *Error {
	return Validation(CodeValidation, fmt.Sprintf(format, args...))
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, or CodeInternal for unclassified errors.
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// RequireID fails with a validation error unless id is a UUID.
func RequireID(field, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return Invalidf("invalid %s", field).With("field", field)
	}
	return nil
}
