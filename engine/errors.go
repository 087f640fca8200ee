package engine

import (
	"errors"
	"fmt"
)

// Kind represents the category of a worker or engine error
type Kind int

const (
	// KindUnknown represents an uncategorized error
	KindUnknown Kind = iota
	// KindLoadFailure means the engine module failed to instantiate
	KindLoadFailure
	// KindInvalidArgument means the request itself was malformed
	KindInvalidArgument
	// KindEngine means the wrapped SQLite engine reported the failure
	KindEngine
	// KindState means the operation needs a handle that is absent or closed
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindLoadFailure:
		return "LoadFailure"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindEngine:
		return "EngineError"
	case KindState:
		return "StateError"
	default:
		return "Unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) Kind {
	for k := KindLoadFailure; k <= KindState; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindUnknown
}

// Sentinels matched by errors.Is against any *Error of the same Kind.
var (
	ErrLoadFailure     = &Error{Kind: KindLoadFailure, Message: "engine load failure"}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument, Message: "invalid argument"}
	ErrEngine          = &Error{Kind: KindEngine, Message: "engine error"}
	ErrState           = &Error{Kind: KindState, Message: "invalid handle state"}

	// ErrDatabaseClosed is returned by a Database after Close.
	ErrDatabaseClosed = NewError(KindState, "Database closed")
)

// Error represents a categorized error. Message is what gets reported back
// to the requester; for engine errors it is the engine text verbatim.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates a new Error with the specified kind and message
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates a new Error with a formatted message
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapEngine categorizes an error coming out of the SQLite engine, keeping
// its message untouched. Errors that are already categorized pass through.
func WrapEngine(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindEngine, Message: err.Error(), Cause: err}
}

// KindOf returns the Kind of err, or KindUnknown for uncategorized errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
