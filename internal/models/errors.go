package models

import "errors"

// Sync error taxonomy.
var (
	// ErrTransientNetwork marks a retryable failure (directory or history reload).
	ErrTransientNetwork = errors.New("transient network error")
	// ErrSendFailure is terminal for one send attempt.
	ErrSendFailure = errors.New("send failed")
	// ErrUploadFailure is terminal and blocks the send it belongs to.
	ErrUploadFailure = errors.New("upload failed")
	// ErrStaleEpoch marks a result that resolved after an identity switch.
	ErrStaleEpoch = errors.New("stale epoch")
	// ErrUnknownOutcome marks a request that may or may not have been applied
	// server-side (timeout without response). Optimistic state is kept.
	ErrUnknownOutcome = errors.New("unknown outcome")

	ErrNotOpen          = errors.New("conversation not open")
	ErrNotFound         = errors.New("not found")
	ErrEmptyDraft       = errors.New("draft has no content")
	ErrNoIdentity       = errors.New("no active identity")
	ErrNotRetryable     = errors.New("message is not in error state")
	ErrUnsupportedMedia = errors.New("unsupported media type")
)

// IsConfirmedFailure reports whether err is a definite failure, as opposed
// to an unknown outcome or a stale result.
func IsConfirmedFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrUnknownOutcome) && !errors.Is(err, ErrStaleEpoch)
}
