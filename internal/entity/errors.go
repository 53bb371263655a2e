package entity

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies store failures so callers can map them to transport responses.
type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeAlreadyExists      Code = "already_exists"
	CodeStorageUnavailable Code = "storage_unavailable"
	CodeInvalidCursor      Code = "invalid_cursor"
	CodeInvalidArgument    Code = "invalid_argument"
)

// Error is returned by every store operation that fails. Entity and ID are
// filled when the failure concerns a specific record.
type Error struct {
	Code   Code
	Entity string
	ID     string
	Err    error
}

// Sentinels for errors.Is; they match any *Error carrying the same Code.
var (
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrAlreadyExists      = &Error{Code: CodeAlreadyExists}
	ErrStorageUnavailable = &Error{Code: CodeStorageUnavailable}
	ErrInvalidCursor      = &Error{Code: CodeInvalidCursor}
	ErrInvalidArgument    = &Error{Code: CodeInvalidArgument}
)

func (e *Error) Error() string {
	subject := e.Entity
	if e.ID != "" {
		subject = fmt.Sprintf("%s %s", e.Entity, e.ID)
	}
	var msg string
	switch e.Code {
	case CodeNotFound:
		msg = fmt.Sprintf("%s not found", subject)
	case CodeAlreadyExists:
		msg = fmt.Sprintf("%s already exists", subject)
	case CodeStorageUnavailable:
		msg = "storage unavailable"
		if subject != "" {
			msg = fmt.Sprintf("%s: storage unavailable", subject)
		}
	case CodeInvalidCursor:
		msg = "invalid cursor"
		if subject != "" {
			msg = fmt.Sprintf("%s: invalid cursor", subject)
		}
	default:
		msg = string(e.Code)
		if subject != "" {
			msg = fmt.Sprintf("%s: %s", subject, e.Code)
		}
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Code. Sentinels carry
// no Entity or ID; a populated target must also match those fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Code != e.Code {
		return false
	}
	return (t.Entity == "" || t.Entity == e.Entity) && (t.ID == "" || t.ID == e.ID)
}

// CodeOf extracts the Code of err, or "" when err is not a store error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// unavailable wraps a backend failure. Errors already classified pass through.
func unavailable(entity, id string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Code: CodeStorageUnavailable, Entity: entity, ID: id, Err: err}
}

func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeStorageUnavailable
	}
	return true
}
