package analysis

import "errors"

// ErrInvalidInput is returned when a questionnaire fails the validation
// gate. The wrapped detail is safe to show to the submitter.
var ErrInvalidInput = errors.New("analysis: invalid input")

// ErrJobNotFound is returned for unknown job ids — and for jobs the
// caller does not own, so ownership is not probeable.
var ErrJobNotFound = errors.New("analysis: job not found")

// ErrJobFinished is returned when cancelling a job already in a terminal
// state.
var ErrJobFinished = errors.New("analysis: job already finished")
