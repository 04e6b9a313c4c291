package cleanup

import (
	"errors"
	"io/fs"
)

// ErrorKind classifies a per-path failure. Kinds are stable strings so
// external tooling can map them to remediations.
type ErrorKind string

const (
	KindPathEscapesRoot        ErrorKind = "PathEscapesRoot"
	KindPermissionDenied       ErrorKind = "PermissionDenied"
	KindConcurrentModification ErrorKind = "ConcurrentModification"
	KindNotRegularFile         ErrorKind = "NotRegularFile"
	KindIO                     ErrorKind = "IO"
)

var (
	ErrPathEscapesRoot        = errors.New("path escapes root")
	ErrConcurrentModification = errors.New("file changed since it was evaluated")
	ErrNotRegularFile         = errors.New("not a regular file")
)

func kindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrPathEscapesRoot):
		return KindPathEscapesRoot
	case errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, ErrConcurrentModification):
		return KindConcurrentModification
	case errors.Is(err, ErrNotRegularFile):
		return KindNotRegularFile
	default:
		return KindIO
	}
}
