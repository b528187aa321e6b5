// Package apperr classifies errors the way the pipeline's retry and
// workflow-failure logic needs: transient external failures are retried,
// permanent external failures surface after retries are exhausted, and
// programmer errors are never retried at all.
package apperr

import "errors"

// Kind classifies an error for the activity-level retry policy.
type Kind int

const (
	// KindTransient covers network errors, 5xx responses and timeouts.
	// The activity-level retry policy retries these.
	KindTransient Kind = iota
	// KindPermanent covers 4xx (other than 429) and schema mismatches.
	// Surfaced as an activity failure after retries are exhausted.
	KindPermanent
	// KindProgrammer covers malformed input types and similar bugs.
	// Never retried; bubbles straight up.
	KindProgrammer
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindProgrammer:
		return "programmer"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can decide whether
// to retry without string-matching error messages.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable transient error.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps err as a non-transient external error.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// Programmer wraps err as a non-retryable programmer error.
func Programmer(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindProgrammer, Op: op, Err: err}
}

// KindOf returns the Kind of err, defaulting to KindTransient for errors
// that were never classified (the safe default: retry rather than give up).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsRetryable reports whether the activity-level retry policy should retry
// err.
func IsRetryable(err error) bool {
	return KindOf(err) != KindProgrammer
}
