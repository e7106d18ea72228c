// Package apperrors defines the error taxonomy shared by the upload and
// transcode pipeline. Every classified error is an *Error carrying a Kind;
// callers branch on the kind with errors.Is against the Err* sentinels or the
// Is* helpers.
package apperrors

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindState
	KindTransient
	KindEncode
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not found"
	case KindState:
		return "invalid state"
	case KindTransient:
		return "transient io"
	case KindEncode:
		return "encode"
	case KindUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind so errors.Is(err, ErrNotFound) works on any
// wrapped NotFound error.
func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*Error)
	if !ok {
		return false
	}
	return sentinel.Op == "" && sentinel.Err == nil && sentinel.Kind == e.Kind
}

var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrState      = &Error{Kind: KindState}
	ErrTransient  = &Error{Kind: KindTransient}
	ErrEncode     = &Error{Kind: KindEncode}
)

func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

func NotFound(op, entity, id string) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf("%s %q not found", entity, id)}
}

func State(op, format string, args ...any) error {
	return &Error{Kind: KindState, Op: op, Err: fmt.Errorf(format, args...)}
}

// Transient classifies an I/O failure. Errors that already carry a kind are
// returned unchanged.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Encode classifies an external encoder failure.
func Encode(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) && classified.Kind == KindEncode {
		return err
	}
	return &Error{Kind: KindEncode, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindUnknown
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsState(err error) bool      { return errors.Is(err, ErrState) }
func IsTransient(err error) bool  { return errors.Is(err, ErrTransient) }
func IsEncode(err error) bool     { return errors.Is(err, ErrEncode) }
