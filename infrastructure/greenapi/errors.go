package greenapi

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrRateLimited marks a 429 from the provider. It is absorbed by the client
// retry loop and only surfaces once attempts are exhausted.
var ErrRateLimited = errors.New("greenapi: rate limited")

var ErrEmptyCredentials = errors.New("greenapi: instance id and token are required")

// TransientError is a failure worth retrying: network errors, 5xx and 429.
type TransientError struct {
	Method string
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("greenapi %s: transient status %d: %v", e.Method, e.Status, e.Err)
	}
	return fmt.Sprintf("greenapi %s: transient: %v", e.Method, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthenticationError is returned for 401/403. It is never retried and moves
// the instance into the error state.
type AuthenticationError struct {
	Method string
	Status int
	Body   string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("greenapi %s: authentication failed (%d): %s", e.Method, e.Status, e.Body)
}

// RequestError is any other 4xx. The call fails without retry but the
// instance stays usable.
type RequestError struct {
	Method string
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("greenapi %s: request rejected (%d): %s", e.Method, e.Status, e.Body)
}

// IsFatal reports whether err is a 4xx answer that must not be retried.
func IsFatal(err error) bool {
	var authErr *AuthenticationError
	var reqErr *RequestError
	return errors.As(err, &authErr) || errors.As(err, &reqErr)
}

// IsAuthentication reports whether err is an authentication failure.
func IsAuthentication(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var tErr *TransientError
	return errors.As(err, &tErr)
}

func classifyStatus(method string, status int, body string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &TransientError{Method: method, Status: status, Err: ErrRateLimited}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthenticationError{Method: method, Status: status, Body: body}
	case status >= 500:
		return &TransientError{Method: method, Status: status, Err: errors.New(body)}
	case status >= 400:
		return &RequestError{Method: method, Status: status, Body: body}
	}
	return nil
}
