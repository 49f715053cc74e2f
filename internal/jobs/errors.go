package jobs

import "errors"

// Kind classifies a handler failure for the dispatcher's retry decision.
// Classification is carried by the thrower, never inferred from message text.
type Kind int

const (
	// KindRetryable marks transient failures: provider unreachable, timeout,
	// store contention. The job is requeued with backoff.
	KindRetryable Kind = iota
	// KindPermanent marks failures retrying cannot fix: bad configuration,
	// invalid credentials, malformed payload, missing local record. The job
	// goes straight to dead.
	KindPermanent
)

// Error tags a handler failure with its retry classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Retryable wraps err as a transient failure.
func Retryable(err error) error {
	return &Error{Kind: KindRetryable, Err: err}
}

// Permanent wraps err as a failure that must not be retried.
func Permanent(err error) error {
	return &Error{Kind: KindPermanent, Err: err}
}

// IsPermanent reports whether err is tagged non-retryable. Untagged errors
// default to retryable so transient faults are never lost to a missing tag.
func IsPermanent(err error) bool {
	var jerr *Error
	if errors.As(err, &jerr) {
		return jerr.Kind == KindPermanent
	}
	return false
}
