package errdefs

import (
	"errors"
	"fmt"
)

// Kind is the closed set of result kinds lifecycle operations can fail with.
// Callers dispatch on the kind rather than on error text: conflict and
// illegal-state errors are never retried internally, timeouts and transient
// errors are safe to retry with a fresh budget.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindIllegalState
	KindConflict
	KindTimeout
	KindTransient
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindIllegalState:
		return "illegal_state"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error carries a kind plus the application and/or session the failure
// concerns, so every user-visible error names its subject.
type Error struct {
	Kind        Kind
	Application string
	Session     uint64
	Message     string

	// Expected and Observed carry both generations of an activation
	// conflict to make the race diagnosable.
	Expected uint64
	Observed uint64

	cause error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Session != 0 {
		msg = fmt.Sprintf("session %d: %s", e.Session, msg)
	}
	if e.Application != "" {
		msg = fmt.Sprintf("%s: %s", e.Application, msg)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause attaches an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithSession attaches a session id.
func (e *Error) WithSession(id uint64) *Error {
	e.Session = id
	return e
}

// WithApplication attaches an application id.
func (e *Error) WithApplication(app string) *Error {
	e.Application = app
	return e
}

// Validationf creates a validation error: the package failed to parse or
// validate during prepare.
func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// IllegalStatef creates an illegal-state error: the operation is not
// permitted in the subject's current state.
func IllegalStatef(format string, args ...interface{}) *Error {
	return &Error{Kind: KindIllegalState, Message: fmt.Sprintf(format, args...)}
}

// Conflict creates an activation conflict error naming both the expected and
// observed active generations.
func Conflict(app string, expected, observed uint64) *Error {
	return &Error{
		Kind:        KindConflict,
		Application: app,
		Expected:    expected,
		Observed:    observed,
		Message: fmt.Sprintf("activation conflict: expected active generation %d, observed %d",
			expected, observed),
	}
}

// Timeoutf creates a timeout error: a time budget was exhausted. No state
// corruption is implied and the caller may retry with a fresh budget.
func Timeoutf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf(format, args...)}
}

// Transientf creates a transient error, e.g. a provisioner capacity
// shortfall. Callers should back off and retry.
func Transientf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindTransient, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf creates a not-found error for a missing application or session.
func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// GetKind extracts the kind of err, or KindUnknown for foreign errors.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func is(err error, kind Kind) bool {
	return GetKind(err) == kind
}

func IsValidation(err error) bool   { return is(err, KindValidation) }
func IsIllegalState(err error) bool { return is(err, KindIllegalState) }
func IsConflict(err error) bool     { return is(err, KindConflict) }
func IsTimeout(err error) bool      { return is(err, KindTimeout) }
func IsTransient(err error) bool    { return is(err, KindTransient) }
func IsNotFound(err error) bool     { return is(err, KindNotFound) }
