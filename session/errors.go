package session

import (
	"errors"
	"fmt"
)

// ErrNoBroadcast is returned by FindEligibleBroadcast when the channel has no
// reusable broadcast. It is an expected outcome, not a failure.
var ErrNoBroadcast = errors.New("no eligible broadcast")

// TransientError wraps a retry-worthy infrastructure failure: timeout, rate
// limit, 5xx-class, connection reset. Transient errors never change the
// lifecycle state; they only feed the backoff counter.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure where the operation itself is invalid and
// retrying cannot help (e.g. chat disabled, malformed request, quota denial
// on creation). It does not imply the broadcast is gone; terminal broadcast
// conditions are reported as Probe statuses.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// AuthError wraps an invalid or expired credential the refresh capability
// could not repair. It is fatal to the polling loop.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// ErrorClass buckets an error for metrics and logging.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassTransient
	ClassPermanent
	ClassAuth
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// ClassifyError maps an error to its class. Unwrapped errors from outside the
// BroadcastClient boundary default to transient: retrying is the safer bias.
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case IsAuth(err):
		return ClassAuth
	case IsPermanent(err):
		return ClassPermanent
	default:
		return ClassTransient
	}
}
