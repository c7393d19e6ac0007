package fetch

import (
	"errors"
	"fmt"
)

// Permission kinds consulted before a fetch touches a resource.
const (
	// PermissionNet guards network access; the checked resource is the
	// "host:port" the engine is about to connect to.
	PermissionNet = "net"

	// PermissionRead guards local reads; the checked resource is the
	// filesystem path of a file: fetch.
	PermissionRead = "read"
)

// ErrPermissionDenied matches every permission failure:
// errors.Is(err, ErrPermissionDenied) is true for any *PermissionError.
var ErrPermissionDenied = errors.New("permission denied")

// PermissionError is returned when the configured PermissionChecker
// declines a fetch. It is never retried.
type PermissionError struct {
	Kind     string
	Resource string
	Err      error // cause supplied by the checker, may be nil
}

func (e *PermissionError) Error() string {
	msg := fmt.Sprintf("permission denied: requires %s access to %q", e.Kind, e.Resource)
	if e.Err != nil && !errors.Is(e.Err, ErrPermissionDenied) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// PermissionChecker is consulted before every connection attempt or file
// open, once per redirect hop. Returning a non-nil error denies the fetch;
// the error is surfaced wrapped in a *PermissionError.
//
// A nil checker on the Client grants everything.
type PermissionChecker interface {
	Check(kind, resource string) error
}

// PermissionFunc adapts a function to the PermissionChecker interface.
type PermissionFunc func(kind, resource string) error

func (f PermissionFunc) Check(kind, resource string) error {
	return f(kind, resource)
}

// DenyAll declines every permission check. Useful as a base for allowlists
// built with PermissionFunc.
func DenyAll() PermissionChecker {
	return PermissionFunc(func(kind, resource string) error {
		return ErrPermissionDenied
	})
}
