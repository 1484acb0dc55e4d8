package errors

import (
	"strings"

	"github.com/sasha-s/go-deadlock"
)

// MultiError collects multiple errors, it is safe for concurrent use.
type MultiError interface {
	error
	Len() int
	Append(errs ...error)
	AppendWithPrefixf(err error, format string, a ...any)
	WrappedErrors() []error
	ErrorOrNil() error
	Unwrap() []error
}

type multiError struct {
	lock   *deadlock.Mutex
	errors []error
}

func NewMultiError() MultiError {
	return &multiError{lock: &deadlock.Mutex{}}
}

func (e *multiError) Len() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.errors)
}

func (e *multiError) Append(errs ...error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	for _, err := range errs {
		if err == nil {
			continue
		}
		// Flatten nested multi errors
		if multi, ok := err.(*multiError); ok && multi != e { // nolint: errorlint
			e.errors = append(e.errors, multi.WrappedErrors()...)
			continue
		}
		e.errors = append(e.errors, err)
	}
}

func (e *multiError) AppendWithPrefixf(err error, format string, a ...any) {
	e.Append(Wrapf(err, format, a...))
}

func (e *multiError) WrappedErrors() []error {
	e.lock.Lock()
	defer e.lock.Unlock()
	out := make([]error, len(e.errors))
	copy(out, e.errors)
	return out
}

func (e *multiError) Unwrap() []error {
	return e.WrappedErrors()
}

// ErrorOrNil returns nil if there is no error, the only error if there is one, or the multi error itself.
func (e *multiError) ErrorOrNil() error {
	switch errs := e.WrappedErrors(); len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return e
	}
}

func (e *multiError) Error() string {
	var out strings.Builder
	for i, err := range e.WrappedErrors() {
		if i > 0 {
			out.WriteString("\n")
		}
		out.WriteString("- ")
		out.WriteString(strings.ReplaceAll(err.Error(), "\n", "\n  "))
	}
	return out.String()
}
