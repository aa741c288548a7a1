package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	domainRPC "github.com/AzielCF/az-bridge/domains/rpc"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const DefaultTimeout = 10 * time.Second

type pending struct {
	key   string
	scope string
	done  chan result
}

type result struct {
	resp domainRPC.Response
	err  error
}

// Client is the requester side: an in-memory correlation map with timeout
// eviction over a Transport. At most one request per key is in flight.
type Client struct {
	transport domainRPC.Transport
	identity  string
	timeout   time.Duration

	mu      sync.Mutex
	byID    map[string]*pending
	byKey   map[string]string
	started bool
}

func NewClient(transport domainRPC.Transport, identity string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		transport: transport,
		identity:  identity,
		timeout:   timeout,
		byID:      make(map[string]*pending),
		byKey:     make(map[string]string),
	}
}

// Start listens for responses addressed to this client until ctx is done.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.failAll(domainRPC.ErrClosed)
	}()
	return c.transport.ListenResponses(ctx, c.identity, c.deliver)
}

func (c *Client) deliver(resp domainRPC.Response) {
	c.mu.Lock()
	p, ok := c.byID[resp.ID]
	if ok {
		c.forgetLocked(resp.ID, p)
	}
	c.mu.Unlock()

	if !ok {
		// expired or cancelled already
		logrus.WithField("correlation_id", resp.ID).Debug("[RPC] Dropping late response")
		return
	}
	p.done <- result{resp: resp}
}

func (c *Client) forgetLocked(id string, p *pending) {
	delete(c.byID, id)
	if c.byKey[p.key] == id {
		delete(c.byKey, p.key)
	}
}

// Call sends a request and waits for its response. The payload is JSON
// encoded and the response payload is decoded into out when non-nil.
func (c *Client) Call(ctx context.Context, kind domainRPC.Kind, key, scope string, payload, out any) error {
	if key == "" {
		key = string(kind) + ":" + scope
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("rpc %s: encode payload: %w", kind, err)
		}
		raw = b
	}

	now := time.Now().UTC()
	req := domainRPC.Request{
		ID:        uuid.NewString(),
		Kind:      kind,
		Key:       key,
		Scope:     scope,
		Payload:   raw,
		Requester: c.identity,
		CreatedAt: now,
		ExpiresAt: now.Add(c.timeout),
	}

	p := &pending{key: key, scope: scope, done: make(chan result, 1)}
	c.mu.Lock()
	if _, busy := c.byKey[key]; busy {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", domainRPC.ErrDuplicateRequest, key)
	}
	c.byID[req.ID] = p
	c.byKey[key] = req.ID
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		if cur, ok := c.byID[req.ID]; ok && cur == p {
			c.forgetLocked(req.ID, p)
		}
		c.mu.Unlock()
	}

	if err := c.transport.SendRequest(ctx, req); err != nil {
		release()
		return fmt.Errorf("rpc %s: send: %w", kind, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-p.done:
		if res.err != nil {
			return res.err
		}
		if res.resp.Error != "" {
			return &domainRPC.RemoteError{Code: res.resp.Code, Message: res.resp.Error}
		}
		if out != nil && len(res.resp.Payload) > 0 {
			if err := json.Unmarshal(res.resp.Payload, out); err != nil {
				return fmt.Errorf("rpc %s: decode response: %w", kind, err)
			}
		}
		return nil
	case <-timer.C:
		release()
		logrus.WithFields(logrus.Fields{
			"kind":           kind,
			"key":            key,
			"correlation_id": req.ID,
		}).Warn("[RPC] Request expired without response")
		return fmt.Errorf("%w: %s after %s", domainRPC.ErrTimeout, kind, c.timeout)
	case <-ctx.Done():
		release()
		return ctx.Err()
	}
}

// CancelScope fails every in-flight request tied to scope (an instance id).
func (c *Client) CancelScope(scope string) int {
	c.mu.Lock()
	var victims []*pending
	for id, p := range c.byID {
		if p.scope == scope {
			victims = append(victims, p)
			c.forgetLocked(id, p)
		}
	}
	c.mu.Unlock()

	for _, p := range victims {
		p.done <- result{err: domainRPC.ErrCancelled}
	}
	return len(victims)
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	victims := make([]*pending, 0, len(c.byID))
	for id, p := range c.byID {
		victims = append(victims, p)
		c.forgetLocked(id, p)
	}
	c.mu.Unlock()

	for _, p := range victims {
		p.done <- result{err: err}
	}
}

// InFlight reports the number of unresolved requests.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

// Server is the responder side. Each request runs in its own goroutine under
// a context that ends at the request expiry.
type Server struct {
	transport domainRPC.Transport

	mu       sync.RWMutex
	handlers map[domainRPC.Kind]domainRPC.Handler

	inflightMu sync.Mutex
	inflight   map[string]map[string]context.CancelFunc // scope -> id -> cancel
}

func NewServer(transport domainRPC.Transport) *Server {
	return &Server{
		transport: transport,
		handlers:  make(map[domainRPC.Kind]domainRPC.Handler),
		inflight:  make(map[string]map[string]context.CancelFunc),
	}
}

func (s *Server) Handle(kind domainRPC.Kind, h domainRPC.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Start listens for requests until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	return s.transport.ListenRequests(ctx, func(req domainRPC.Request) {
		go s.serve(ctx, req)
	})
}

func (s *Server) serve(parent context.Context, req domainRPC.Request) {
	log := logrus.WithFields(logrus.Fields{
		"kind":           req.Kind,
		"correlation_id": req.ID,
		"requester":      req.Requester,
	})

	if req.Expired(time.Now()) {
		log.Debug("[RPC] Discarding expired request")
		return
	}

	s.mu.RLock()
	h, ok := s.handlers[req.Kind]
	s.mu.RUnlock()
	if !ok {
		s.reply(parent, req, nil, fmt.Errorf("%w: %s", domainRPC.ErrNoHandler, req.Kind))
		return
	}

	ctx, cancel := context.WithDeadline(parent, req.ExpiresAt)
	s.track(req, cancel)
	defer func() {
		s.untrack(req)
		cancel()
	}()

	var (
		out any
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("[RPC] Handler panic: %v", r)
				err = fmt.Errorf("rpc handler panic: %v", r)
			}
		}()
		out, err = h(ctx, req)
	}()

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		log.Warn("[RPC] Handler finished after expiry, response dropped")
		return
	}
	s.reply(parent, req, out, err)
}

// Coder lets handler errors carry a machine readable code to the requester.
type Coder interface {
	ErrCode() string
}

func (s *Server) reply(ctx context.Context, req domainRPC.Request, out any, err error) {
	resp := domainRPC.Response{ID: req.ID}
	if err != nil {
		resp.Error = err.Error()
		var coder Coder
		if errors.As(err, &coder) {
			resp.Code = coder.ErrCode()
		}
	} else if out != nil {
		raw, mErr := json.Marshal(out)
		if mErr != nil {
			resp.Error = "encode response: " + mErr.Error()
		} else {
			resp.Payload = raw
		}
	}

	if sendErr := s.transport.SendResponse(ctx, req.Requester, resp); sendErr != nil {
		logrus.WithError(sendErr).WithField("correlation_id", req.ID).Error("[RPC] Failed to send response")
	}
}

func (s *Server) track(req domainRPC.Request, cancel context.CancelFunc) {
	if req.Scope == "" {
		return
	}
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	byID, ok := s.inflight[req.Scope]
	if !ok {
		byID = make(map[string]context.CancelFunc)
		s.inflight[req.Scope] = byID
	}
	byID[req.ID] = cancel
}

func (s *Server) untrack(req domainRPC.Request) {
	if req.Scope == "" {
		return
	}
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if byID, ok := s.inflight[req.Scope]; ok {
		delete(byID, req.ID)
		if len(byID) == 0 {
			delete(s.inflight, req.Scope)
		}
	}
}

// CancelScope cancels handlers currently serving requests for scope.
func (s *Server) CancelScope(scope string) int {
	s.inflightMu.Lock()
	byID := s.inflight[scope]
	delete(s.inflight, scope)
	s.inflightMu.Unlock()

	for _, cancel := range byID {
		cancel()
	}
	return len(byID)
}
