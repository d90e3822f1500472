// Package errors contains the error helpers used throughout dirmirror.
// Errors are wrapped with the operation that failed so that the final message
// reads like a trace, e.g. "reconcile: list source: permission denied".
package errors

import (
	"errors"
	"fmt"
)

// New returns an error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

type withContext struct {
	context string
	err     error
}

// WithContext prefixes the error with a description of what was being done
// when the error occurred. It returns nil if err is nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return withContext{context: context, err: err}
}

func (err withContext) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

func (err withContext) Unwrap() error {
	return err.err
}

// RootCause strips the context added by WithContext and returns the
// underlying error.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(withContext)
		if !ok {
			return err
		}
		err = ctxErr.err
	}
}

// FriendlyError is an error whose message is meant to be shown directly to
// the user, without any of the context that was added while it propagated.
type FriendlyError struct {
	msg string
}

// NewFriendlyError creates a FriendlyError from a format string.
func NewFriendlyError(format string, args ...interface{}) error {
	return FriendlyError{fmt.Sprintf(format, args...)}
}

func (err FriendlyError) Error() string {
	return err.msg
}

// FriendlyMessage returns the user-facing message.
func (err FriendlyError) FriendlyMessage() string {
	return err.msg
}

type friendly interface {
	FriendlyMessage() string
}

// GetPrintableMessage returns the message that should be shown to the user
// for err. If any error in the chain has a friendly message, that message is
// used. Otherwise, the full error string is returned.
func GetPrintableMessage(err error) string {
	for curr := err; curr != nil; curr = errors.Unwrap(curr) {
		if f, ok := curr.(friendly); ok {
			return f.FriendlyMessage()
		}
	}
	return err.Error()
}
