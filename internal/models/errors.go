package models

import "errors"

// publicError carries a message that is safe to show to clients and
// the sentinel it belongs to.
type publicError struct {
	msg  string
	kind error
}

func (e *publicError) Error() string { return e.msg }
func (e *publicError) Unwrap() error { return e.kind }

// Invalid returns an ErrValidation whose message is shown to the client as is.
func Invalid(msg string) error {
	return &publicError{msg: msg, kind: ErrValidation}
}

// Missing returns an ErrNotFound whose message is shown to the client as is.
func Missing(msg string) error {
	return &publicError{msg: msg, kind: ErrNotFound}
}

// Forbidden returns an ErrPermission whose message is shown to the client as is.
func Forbidden(msg string) error {
	return &publicError{msg: msg, kind: ErrPermission}
}

// PublicMessage returns the client-facing message for err. Errors that
// were not built with Invalid, Missing or Forbidden are reported by
// their sentinel only.
func PublicMessage(err error) string {
	var pe *publicError
	switch {
	case errors.As(err, &pe):
		return pe.msg
	case errors.Is(err, ErrValidation):
		return "invalid request"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrPermission):
		return "unauthorized"
	default:
		return "internal server error"
	}
}
