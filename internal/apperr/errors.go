// Package apperr defines the error taxonomy shared by the pipeline, the job
// dispatcher and the post lifecycle services.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindUnauthorized
	KindRateLimit
	KindExternalService
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimit:
		return "rate_limit"
	case KindExternalService:
		return "external_service"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus the operation that produced it. Terminal errors
// must not be retried by the job dispatcher.
type Error struct {
	Kind     Kind
	Op       string
	Msg      string
	Err      error
	Terminal bool
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...), Terminal: true}
}

func NotFound(op, entity string, id any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf("%s %v not found", entity, id), Terminal: true}
}

func Unauthorized(op, msg string, err error) *Error {
	return &Error{Kind: KindUnauthorized, Op: op, Msg: msg, Err: err, Terminal: true}
}

func RateLimit(op, msg string, err error) *Error {
	return &Error{Kind: KindRateLimit, Op: op, Msg: msg, Err: err}
}

// External wraps a generative-AI or platform failure. terminal marks
// failures such as billing or content-policy rejections.
func External(op, msg string, err error, terminal bool) *Error {
	return &Error{Kind: KindExternalService, Op: op, Msg: msg, Err: err, Terminal: terminal}
}

func Persistence(op, msg string, err error) *Error {
	return &Error{Kind: KindPersistence, Op: op, Msg: msg, Err: err, Terminal: true}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTerminal reports whether err must not be retried. Errors outside the
// taxonomy are treated as retryable.
func IsTerminal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Terminal
	}
	return false
}
