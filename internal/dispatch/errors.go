package dispatch

import (
	"errors"

	"github.com/DevoteMe/webhookd/internal/collab"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The queue exhausts the job at
// once instead of spending the remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked permanent or is a collaborator
// error that no retry can fix.
func IsPermanent(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, collab.ErrNotFound) || errors.Is(err, collab.ErrRejected)
}
