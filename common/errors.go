package common

import (
	"errors"
	"net/http"
)

// Kind classifies an Error so handlers can pick a response without
// inspecting messages.
type Kind int

const (
	KindInternal Kind = iota
	KindForbidden
	KindValidation
	KindEncoding
	KindPolicyBlock
	KindNotFound
	KindConflict
)

var (
	ErrForbidden   = &Error{Kind: KindForbidden, Msg: "forbidden"}
	ErrValidation  = &Error{Kind: KindValidation, Msg: "validation failed"}
	ErrEncoding    = &Error{Kind: KindEncoding, Msg: "content is not valid UTF-8"}
	ErrPolicyBlock = &Error{Kind: KindPolicyBlock, Msg: "blocked by content policy"}
	ErrNotFound    = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrConflict    = &Error{Kind: KindConflict, Msg: "conflict"}
)

// Error is a user-facing failure. Infrastructure failures are plain errors.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

type ErrorOption func(*Error)

func WithMessage(msg string) ErrorOption {
	return func(e *Error) {
		e.Msg = msg
	}
}

func WithCause(err error) ErrorOption {
	return func(e *Error) {
		e.Err = err
	}
}

func NewError(kind Kind, opts ...ErrorOption) *Error {
	e := &Error{Kind: kind, Msg: defaultMessage(kind)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// holds for every not-found error regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf reports the kind of err, KindInternal for anything that is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to a response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation, KindEncoding, KindPolicyBlock:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func defaultMessage(kind Kind) string {
	switch kind {
	case KindForbidden:
		return ErrForbidden.Msg
	case KindValidation:
		return ErrValidation.Msg
	case KindEncoding:
		return ErrEncoding.Msg
	case KindPolicyBlock:
		return ErrPolicyBlock.Msg
	case KindNotFound:
		return ErrNotFound.Msg
	case KindConflict:
		return ErrConflict.Msg
	default:
		return "internal error"
	}
}
