package domain

import "errors"

var (
	// ErrUnrecognizedPayload marks webhook bodies the ingestor cannot map.
	// They are counted and reported, ingestion goes on.
	ErrUnrecognizedPayload = errors.New("unrecognized webhook payload")
	// ErrInvariantViolation aborts the operation that detected it only.
	ErrInvariantViolation = errors.New("invariant violation")
	ErrUnknownInstance    = errors.New("unknown instance")
)
