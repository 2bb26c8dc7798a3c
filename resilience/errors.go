// Package resilience provides the failure-handling layer for the analysis
// pipeline: a typed error taxonomy, retry with exponential backoff, a
// data-driven per-kind fallback resolver, and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure. Every recognized kind maps to a
// fallback action in the Resolver table; KindUnknown is always fatal.
type Kind int

const (
	// KindUnknown is any failure not classified below. Always fatal, by
	// policy: novel failure modes must stay visible, not be masked.
	KindUnknown Kind = iota
	// KindUnreachableTarget: the crawl target cannot be reached at all.
	KindUnreachableTarget
	// KindInsufficientSignal: a stage produced too little data to continue.
	KindInsufficientSignal
	// KindPipelineTimeout: the whole-run time budget was exceeded.
	KindPipelineTimeout
	// KindExternalDependency: the SERP data source failed (quota, auth, outage).
	KindExternalDependency
	// KindFetchBlocked: the target answered but refused or mangled the content.
	KindFetchBlocked
	// KindInvalidInput: rejected by the validation gate, pre-job.
	KindInvalidInput
	// KindRateExceeded: the gateway's token bucket could not admit the call.
	KindRateExceeded
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindUnreachableTarget:  "unreachable_target",
	KindInsufficientSignal: "insufficient_signal",
	KindPipelineTimeout:    "pipeline_timeout",
	KindExternalDependency: "external_dependency",
	KindFetchBlocked:       "fetch_blocked",
	KindInvalidInput:       "invalid_input",
	KindRateExceeded:       "rate_exceeded",
}

// String returns the stable machine-readable code for the kind.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Error is a classified pipeline failure. Message is user-visible; Remedy
// is an optional suggestion surfaced on degraded/failed jobs. Cause is
// never exposed to callers of the HTTP API.
type Error struct {
	Kind    Kind
	Message string
	Remedy  string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from an error chain. Context deadline errors
// with no explicit classification count as unknown here — the pipeline
// runner is responsible for mapping its own deadlines to
// KindPipelineTimeout before resolution.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// IsTransient reports whether the kind is worth retrying in place.
// Rate and dependency failures can clear on their own; target-side and
// input failures will not.
func IsTransient(k Kind) bool {
	switch k {
	case KindRateExceeded, KindExternalDependency, KindFetchBlocked:
		return true
	}
	return false
}

// Canceled reports whether err is a context cancellation (as opposed to a
// deadline). Cancellations are never retried or resolved — the caller
// gave up.
func Canceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
