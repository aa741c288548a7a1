package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	domainRPC "github.com/AzielCF/az-bridge/domains/rpc"
	"github.com/AzielCF/az-bridge/infrastructure/valkey"
	"github.com/sirupsen/logrus"
)

// ValkeyTransport carries RPC over Valkey pub/sub. Used when NATS is not
// configured but Valkey is. Pub/sub keeps nothing, which matches the
// never-persisted contract.
type ValkeyTransport struct {
	client *valkey.Client
}

func NewValkeyTransport(client *valkey.Client) *ValkeyTransport {
	return &ValkeyTransport{client: client}
}

func (t *ValkeyTransport) requestChannel() string { return t.client.Key("rpc", "requests") }

func (t *ValkeyTransport) responseChannel(requester string) string {
	return t.client.Key("rpc", "responses", requester)
}

func (t *ValkeyTransport) SendRequest(ctx context.Context, req domainRPC.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode rpc request: %w", err)
	}
	return t.client.Publish(ctx, t.requestChannel(), string(data))
}

func (t *ValkeyTransport) SendResponse(ctx context.Context, requester string, resp domainRPC.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode rpc response: %w", err)
	}
	return t.client.Publish(ctx, t.responseChannel(requester), string(data))
}

func (t *ValkeyTransport) ListenRequests(ctx context.Context, fn func(domainRPC.Request)) error {
	go t.listen(ctx, t.requestChannel(), func(payload string) {
		var req domainRPC.Request
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			logrus.WithError(err).Warn("[RPC] Invalid request on valkey")
			return
		}
		fn(req)
	})
	return nil
}

func (t *ValkeyTransport) ListenResponses(ctx context.Context, requester string, fn func(domainRPC.Response)) error {
	go t.listen(ctx, t.responseChannel(requester), func(payload string) {
		var resp domainRPC.Response
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			logrus.WithError(err).Warn("[RPC] Invalid response on valkey")
			return
		}
		fn(resp)
	})
	return nil
}

func (t *ValkeyTransport) listen(ctx context.Context, channel string, fn func(string)) {
	err := t.client.Subscribe(ctx, func(_, payload string) { fn(payload) }, channel)
	if err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithError(err).Errorf("[RPC] Valkey subscriber for %s stopped", channel)
	}
}
