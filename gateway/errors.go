package gateway

import "errors"

var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrInstanceExists   = errors.New("instance already registered")
	// ErrNotReady is returned by sends while the instance is not Ready.
	ErrNotReady = errors.New("instance is not ready to send")
	ErrStopped  = errors.New("gateway manager stopped")
)
