package rpc

import (
	"context"
	"errors"
	"sync"

	domainRPC "github.com/AzielCF/az-bridge/domains/rpc"
)

var ErrNoResponder = errors.New("rpc: no responder listening")

// MemoryTransport connects a Client and a Server living in the same process.
type MemoryTransport struct {
	mu        sync.RWMutex
	nextID    int
	requests  map[int]func(domainRPC.Request)
	responses map[string]func(domainRPC.Response)
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		requests:  make(map[int]func(domainRPC.Request)),
		responses: make(map[string]func(domainRPC.Response)),
	}
}

func (t *MemoryTransport) SendRequest(_ context.Context, req domainRPC.Request) error {
	t.mu.RLock()
	var fn func(domainRPC.Request)
	for _, f := range t.requests {
		fn = f
		break
	}
	t.mu.RUnlock()

	if fn == nil {
		return ErrNoResponder
	}
	go fn(req)
	return nil
}

func (t *MemoryTransport) SendResponse(_ context.Context, requester string, resp domainRPC.Response) error {
	t.mu.RLock()
	fn := t.responses[requester]
	t.mu.RUnlock()

	if fn == nil {
		return nil
	}
	go fn(resp)
	return nil
}

func (t *MemoryTransport) ListenRequests(ctx context.Context, fn func(domainRPC.Request)) error {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.requests[id] = fn
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		delete(t.requests, id)
		t.mu.Unlock()
	}()
	return nil
}

func (t *MemoryTransport) ListenResponses(ctx context.Context, requester string, fn func(domainRPC.Response)) error {
	t.mu.Lock()
	t.responses[requester] = fn
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		delete(t.responses, requester)
		t.mu.Unlock()
	}()
	return nil
}
