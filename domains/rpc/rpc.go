// Package rpc defines the ephemeral request/response exchange between the
// operator process and the gateway process. Nothing here is ever persisted.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type Kind string

const (
	KindDeliverAuthCode Kind = "deliver-2fa-code"
	KindDeliverQR       Kind = "deliver-qr"
	KindLogout          Kind = "logout"
	KindRefresh         Kind = "refresh"
	KindImportHistory   Kind = "import-history"
	KindListInstances   Kind = "list-instances"
)

var (
	ErrTimeout          = errors.New("rpc: request timed out")
	ErrDuplicateRequest = errors.New("rpc: request with the same key is already in flight")
	ErrCancelled        = errors.New("rpc: request cancelled")
	ErrNoHandler        = errors.New("rpc: no handler for kind")
	ErrClosed           = errors.New("rpc: channel closed")
)

// Request is created by the requester and consumed once by the responder or
// discarded at expiry.
type Request struct {
	ID        string          `json:"correlation_id"`
	Kind      Kind            `json:"kind"`
	Key       string          `json:"key"`
	Scope     string          `json:"scope,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Requester string          `json:"requester"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func (r Request) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

func (r Request) Decode(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(r.Payload, v)
}

type Response struct {
	ID      string          `json:"correlation_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// RemoteError is a failure reported by the responder.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return "rpc remote " + e.Code + ": " + e.Message
	}
	return "rpc remote: " + e.Message
}

// Handler serves one kind on the responder side.
type Handler func(ctx context.Context, req Request) (any, error)

// Transport moves requests and responses between processes. Any reliable
// point-to-point channel satisfies it.
type Transport interface {
	SendRequest(ctx context.Context, req Request) error
	SendResponse(ctx context.Context, requester string, resp Response) error
	// ListenRequests delivers requests until ctx is done.
	ListenRequests(ctx context.Context, fn func(Request)) error
	// ListenResponses delivers responses addressed to requester until ctx is done.
	ListenResponses(ctx context.Context, requester string, fn func(Response)) error
}

// Caller is the requester half used by the operator-side usecases.
type Caller interface {
	Call(ctx context.Context, kind Kind, key, scope string, payload, out any) error
}
