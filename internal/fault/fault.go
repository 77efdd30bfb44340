package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers that need to decide how to surface it.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindDuplicate   Kind = "duplicate"
	KindNotFound    Kind = "not-found"
	KindProtocol    Kind = "protocol"
	KindExecution   Kind = "execution"
	KindPersistence Kind = "persistence"
)

// Reasons reported to clients alongside the kind.
const (
	ReasonEmpty           = "empty"
	ReasonBlacklisted     = "blacklisted"
	ReasonDuplicate       = "duplicate"
	ReasonSlugCollision   = "slug-collision"
	ReasonInvalidInterval = "invalid-interval"
	ReasonNotFound        = "not-found"
	ReasonUnknownAction   = "unknown-action"
	ReasonTooLarge        = "too-large"
	ReasonPersistence     = "persistence"
)

// Error is a classified failure. Msg is safe to show to a client; Err holds
// the underlying cause, if any.
type Error struct {
	Kind   Kind
	Reason string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without a cause.
func New(kind Kind, reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. The message should describe the failed operation.
func Wrap(kind Kind, reason string, err error, msg string) *Error {
	return &Error{Kind: kind, Reason: reason, Msg: msg, Err: err}
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" when err is nil or unclassified.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }
