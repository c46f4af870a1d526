package directory

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("directory: record not found")
	ErrConflict = errors.New("directory: record already exists")
	// ErrUnavailable is returned when the backing store cannot serve a request.
	ErrUnavailable = errors.New("directory: store unavailable")
)

// Operation names carried by DirectoryError.
const (
	OpInsert    = "insert"
	OpUpdate    = "update"
	OpRemove    = "remove"
	OpGet       = "get"
	OpList      = "list"
	OpLookup    = "lookup"
	OpSubscribe = "subscribe"
)

// DirectoryError wraps a failed store operation with its name.
type DirectoryError struct {
	Op  string
	Err error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory %s: %v", e.Op, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *DirectoryError
	if errors.As(err, &de) {
		return err
	}
	return &DirectoryError{Op: op, Err: err}
}
