package record

import (
	"errors"
	"fmt"
)

// ErrClosed is returned when appending to a sink that has been closed
var ErrClosed = errors.New("sink closed")

// StorageError reports a failed open, write or flush on a channel file
type StorageError struct {
	Channel Channel
	Op      string
	Path    string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s %s (%s): %v", e.Op, e.Channel, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
