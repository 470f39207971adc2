package errors

import "errors"

var (
	ErrInvalidCandidateFormat = errors.New("invalid candidate format")
	ErrCandidateNotFound      = errors.New("candidate not found")
	ErrCandidateExists        = errors.New("candidate already exists")
	ErrBrokerUnavailable      = errors.New("vote broker unavailable")
	ErrSubmissionUnknown      = errors.New("vote submission status unknown")
	ErrMalformedMessage       = errors.New("malformed vote message")
	ErrIdempotencyConflict    = errors.New("idempotency key conflict")
	ErrStoreUnavailable       = errors.New("vote store unavailable")
)
