package remote

import (
	"errors"
	"fmt"
)

// ErrUnavailable is the transient failure class: timeouts, connection
// resets, the backend being unreachable. The push lane retries these with
// backoff.
var ErrUnavailable = errors.New("remote backend unavailable")

// ErrNotFound is returned by ReadDocument lookups that miss.
var ErrNotFound = errors.New("document not found")

// PermanentError marks a rejection that retrying cannot fix: authorization
// denied, validation failure. The push lane surfaces these immediately.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent rejection: %s", e.Reason)
}

// Permanent wraps a reason as a PermanentError.
func Permanent(reason string) error {
	return &PermanentError{Reason: reason}
}

// IsPermanent reports whether err is a non-retryable rejection. Anything
// else coming back from a Backend is treated as transient.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
