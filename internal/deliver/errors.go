package deliver

import "errors"

// ErrLeaseExpired marks a delivery whose handler produced no outcome inside
// its lease. It is treated as a transient failure; the dedup cache guards
// against a stale completion racing the retried copy.
var ErrLeaseExpired = errors.New("delivery lease expired")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks a handler failure as non-retryable: the delivery goes
// straight to the dead letter queue without burning the retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Transient marks a handler failure as retryable. Plain errors are already
// treated as transient; the wrapper only makes the intent explicit.
func Transient(err error) error {
	return err
}

// IsPermanent reports whether err carries a Permanent marker anywhere in its
// chain.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
