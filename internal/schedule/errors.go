package schedule

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"

	"pipectl/pkg/systemdmanager"
)

var (
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrConflictingBackend = errors.New("command registered in another backend")
	ErrAlreadyInstalled   = errors.New("already installed")
	ErrInvalidEntry       = errors.New("invalid entry")
	ErrUnitNameTaken      = errors.New("unit name used by a different command")
	ErrLocked             = errors.New("registration table is locked")
)

// Error carries the failing operation and backend around one of the
// sentinel errors above. errors.Is matches both the sentinel and the cause.
type Error struct {
	Op      string // install, uninstall, status, list
	Backend Kind
	Kind    error // sentinel
	Err     error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := "schedule " + e.Op
	if e.Backend != "" {
		msg += " " + string(e.Backend)
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op string, backend Kind, kind, cause error) error {
	return &Error{Op: op, Backend: backend, Kind: kind, Err: cause}
}

// classify maps a raw backend failure onto the error taxonomy. Errors that
// already carry a sentinel are returned unchanged.
func classify(op string, backend Kind, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, fs.ErrPermission), systemdmanager.IsAccessDenied(err):
		return opError(op, backend, ErrPermissionDenied, err)
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, systemdmanager.ErrUnsupported):
		return opError(op, backend, ErrBackendUnavailable, err)
	}
	return fmt.Errorf("schedule %s %s: %w", op, backend, err)
}
