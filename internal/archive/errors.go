package archive

import (
	"errors"
	"fmt"
)

// ErrFormat is matched by every FormatError.
var ErrFormat = errors.New("malformed archive entry")

// IOError reports a filesystem or archive stream failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("archive %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// FormatError reports an archive entry that cannot be extracted safely.
type FormatError struct {
	Archive string
	Entry   string
	Reason  string
	Err     error
}

func (e *FormatError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("archive %s: entry %q: %s", e.Archive, e.Entry, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFormat}
	}
	return []error{ErrFormat, e.Err}
}

func ioErr(op, path string, err error) error {
	return &IOError{Op: op, Path: path, Err: err}
}
