package errors

import (
	"fmt"
)

// ErrNotDirectory is returned when a path that must be a directory is
// something else.
var ErrNotDirectory = New("not a directory")

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// ConfigError is returned when the settings supplied at startup can't be
// used. It is always fatal.
type ConfigError struct {
	Field  string
	Reason string
}

func (err ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", err.Field, err.Reason)
}

// FriendlyMessage implements the interface used by GetPrintableMessage.
func (err ConfigError) FriendlyMessage() string {
	return fmt.Sprintf("Invalid configuration for %s: %s.", err.Field, err.Reason)
}

// EntryError is a failure to apply an operation to a single entry in a tree.
// It doesn't stop the rest of the tree from being processed.
type EntryError struct {
	Op   string
	Path string
	Err  error
}

func (err EntryError) Error() string {
	return fmt.Sprintf("%s %q: %s", err.Op, err.Path, err.Err)
}

func (err EntryError) Unwrap() error {
	return err.Err
}
