// Package errors provides error helpers used across the module.
// It is a thin layer over the standard "errors" package, callers should not import "errors" or "fmt.Errorf" directly.
package errors

import (
	"errors"
	"fmt"
)

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}

func New(msg string) error {
	return errors.New(msg)
}

// Errorf supports the %w verb, same as fmt.Errorf.
func Errorf(format string, a ...any) error {
	return fmt.Errorf(format, a...) // nolint: forbidigo
}

// Wrap adds a message prefix to the error, the original error is still available via Unwrap.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{msg: msg, err: err}
}

func Wrapf(err error, format string, a ...any) error {
	if err == nil {
		return nil
	}
	return &wrappedError{msg: fmt.Sprintf(format, a...), err: err}
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}
