package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	domainRPC "github.com/AzielCF/az-bridge/domains/rpc"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const responderQueue = "bridge-gateway"

// NatsTransport carries RPC over core NATS subjects (no persistence).
// Requests go to <prefix>.requests through a queue group so only one gateway
// replica serves each; responses go to <prefix>.responses.<requester>.
type NatsTransport struct {
	nc     *nats.Conn
	prefix string
}

func NewNatsTransport(nc *nats.Conn, prefix string) *NatsTransport {
	if prefix == "" {
		prefix = "bridge.rpc"
	}
	return &NatsTransport{nc: nc, prefix: prefix}
}

func (t *NatsTransport) requestSubject() string { return t.prefix + ".requests" }

func (t *NatsTransport) responseSubject(requester string) string {
	return t.prefix + ".responses." + requester
}

func (t *NatsTransport) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode rpc message: %w", err)
	}
	return t.nc.Publish(subject, data)
}

func (t *NatsTransport) SendRequest(_ context.Context, req domainRPC.Request) error {
	return t.publish(t.requestSubject(), req)
}

func (t *NatsTransport) SendResponse(_ context.Context, requester string, resp domainRPC.Response) error {
	return t.publish(t.responseSubject(requester), resp)
}

func (t *NatsTransport) ListenRequests(ctx context.Context, fn func(domainRPC.Request)) error {
	sub, err := t.nc.QueueSubscribe(t.requestSubject(), responderQueue, func(m *nats.Msg) {
		var req domainRPC.Request
		if err := json.Unmarshal(m.Data, &req); err != nil {
			logrus.WithError(err).Warn("[RPC] Invalid request on nats")
			return
		}
		fn(req)
	})
	if err != nil {
		return fmt.Errorf("subscribe rpc requests: %w", err)
	}
	go drainOnDone(ctx, sub)
	return nil
}

func (t *NatsTransport) ListenResponses(ctx context.Context, requester string, fn func(domainRPC.Response)) error {
	sub, err := t.nc.Subscribe(t.responseSubject(requester), func(m *nats.Msg) {
		var resp domainRPC.Response
		if err := json.Unmarshal(m.Data, &resp); err != nil {
			logrus.WithError(err).Warn("[RPC] Invalid response on nats")
			return
		}
		fn(resp)
	})
	if err != nil {
		return fmt.Errorf("subscribe rpc responses: %w", err)
	}
	go drainOnDone(ctx, sub)
	return nil
}

func drainOnDone(ctx context.Context, sub *nats.Subscription) {
	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		logrus.WithError(err).Debug("[RPC] Subscription drain failed")
	}
}
