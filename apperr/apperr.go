// Package apperr defines the error kinds shared by the ingestion pipeline.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how callers must react to it.
type Kind string

const (
	// KindAuth rejects the connection or request. No state is created.
	KindAuth Kind = "auth"
	// KindValidation drops a single frame or request.
	KindValidation Kind = "validation"
	// KindDecode covers decrypt and parse failures. The frame is dropped.
	KindDecode Kind = "decode"
	// KindStorage is a persistence failure. The connection stays open.
	KindStorage Kind = "storage"
	// KindBroker is a publish or consume failure. Logged only.
	KindBroker Kind = "broker"
)

// Sentinels usable with errors.Is.
var (
	ErrAuth       = &Error{Kind: KindAuth}
	ErrValidation = &Error{Kind: KindValidation}
	ErrDecode     = &Error{Kind: KindDecode}
	ErrStorage    = &Error{Kind: KindStorage}
	ErrBroker     = &Error{Kind: KindBroker}
)

// Error carries a Kind, the failing operation and the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return string(e.Kind)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Auth wraps err as KindAuth.
func Auth(op string, err error) error { return New(KindAuth, op, err) }

// Validation wraps err as KindValidation.
func Validation(op string, err error) error { return New(KindValidation, op, err) }

// Decode wraps err as KindDecode.
func Decode(op string, err error) error { return New(KindDecode, op, err) }

// Storage wraps err as KindStorage.
func Storage(op string, err error) error { return New(KindStorage, op, err) }

// Broker wraps err as KindBroker.
func Broker(op string, err error) error { return New(KindBroker, op, err) }

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
