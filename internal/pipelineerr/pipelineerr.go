// Package pipelineerr holds the sentinel errors that separate locally
// recoverable conditions from pipeline-fatal ones.
package pipelineerr

import "errors"

// ErrBusy indicates the store's internal busy-wait was exhausted while
// acquiring the write lock. Callers (the Consumer's claim loop) handle this
// locally with a backoff and retry; it is never fatal.
var ErrBusy = errors.New("pipelineerr: store busy")

// ErrNotProcessing indicates mark_done or mark_failed was called against a
// row that is not currently in the processing state. The design treats this
// as a programming error, not a runtime condition to recover from.
var ErrNotProcessing = errors.New("pipelineerr: row is not in processing state")

// IsBusy reports whether err (or any error it wraps) is ErrBusy.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}
