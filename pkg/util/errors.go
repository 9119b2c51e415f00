package util

import (
	"bytes"
	"errors"
	"fmt"
)

// MultiError combines multiple errors into one, the way Finish's
// post-cancel drain needs to report every replica's failure instead
// of just the first.
type MultiError []error

// NewMultiError returns a MultiError with the provided errors added,
// skipping any that are nil.
func NewMultiError(errs ...error) MultiError { // nolint:golint
	m := MultiError{}
	m.Add(errs...)
	return m
}

// Add adds one or more errors to the list, skipping nils and
// flattening any nested MultiError.
func (es *MultiError) Add(errs ...error) {
	for _, err := range errs {
		if err == nil {
			continue
		}
		if merr, ok := err.(nonNilMultiError); ok {
			*es = append(*es, merr.errs...)
			continue
		}
		*es = append(*es, err)
	}
}

// Err returns the error list as an error, or nil if it is empty.
func (es MultiError) Err() error {
	if len(es) == 0 {
		return nil
	}
	return nonNilMultiError{errs: es}
}

// nonNilMultiError implements error for a MultiError known to hold at
// least one error, so a nil-checked MultiError.Err() behaves like any
// other error-returning call.
type nonNilMultiError struct {
	errs MultiError
}

func (es nonNilMultiError) Error() string {
	var buf bytes.Buffer
	if len(es.errs) > 1 {
		fmt.Fprintf(&buf, "%d errors: ", len(es.errs))
	}
	for i, err := range es.errs {
		if i != 0 {
			buf.WriteString("; ")
		}
		buf.WriteString(err.Error())
	}
	return buf.String()
}

// ErrStopProcess is returned by a long-running component as a hint
// that the whole process should stop rather than just that component.
var ErrStopProcess = errors.New("stop process")
