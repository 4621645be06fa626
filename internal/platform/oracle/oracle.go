// Package oracle adapts the external text-understanding service that turns
// raw clinical text into proposed changes. The service is a black box: this
// package owns prompt construction, response cleanup, and shape validation,
// nothing else.
package oracle

import "errors"

var (
	// ErrUnavailable marks a failed or timed-out oracle call.
	ErrUnavailable = errors.New("extraction oracle unavailable")

	// ErrMalformedOutput marks oracle output that could not be parsed into a
	// proposed-change array. Callers treat it as zero changes.
	ErrMalformedOutput = errors.New("extraction oracle returned malformed output")
)
