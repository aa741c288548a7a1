package gateway

import (
	"context"
	"errors"
	"time"

	domainEvent "github.com/AzielCF/az-bridge/domains/event"
	domainInstance "github.com/AzielCF/az-bridge/domains/instance"
	domainRPC "github.com/AzielCF/az-bridge/domains/rpc"
	"github.com/AzielCF/az-bridge/gateway/domain"
	pkgError "github.com/AzielCF/az-bridge/pkg/error"
	"github.com/sirupsen/logrus"
)

// HandlerRegistry is the responder half of the RPC channel.
type HandlerRegistry interface {
	Handle(kind domainRPC.Kind, h domainRPC.Handler)
}

// Subscriber is the subscribe half of the event bus.
type Subscriber interface {
	Subscribe(ctx context.Context, h domainEvent.Handler, topics ...domainEvent.Topic) error
}

type ackResponse struct {
	Status string `json:"status"`
}

var ackOK = ackResponse{Status: "ok"}

// RegisterHandlers serves the operator requests that need in-memory gateway
// state. Request scope is the instance id.
func (m *Manager) RegisterHandlers(reg HandlerRegistry) {
	reg.Handle(domainRPC.KindDeliverQR, func(ctx context.Context, req domainRPC.Request) (any, error) {
		qr, err := m.QR(ctx, req.Scope)
		return qr, rpcError(err)
	})
	reg.Handle(domainRPC.KindLogout, func(ctx context.Context, req domainRPC.Request) (any, error) {
		if err := m.Logout(ctx, req.Scope); err != nil {
			return nil, rpcError(err)
		}
		return ackOK, nil
	})
	reg.Handle(domainRPC.KindRefresh, func(ctx context.Context, req domainRPC.Request) (any, error) {
		if err := m.Refresh(ctx, req.Scope); err != nil {
			return nil, rpcError(err)
		}
		return ackOK, nil
	})
	reg.Handle(domainRPC.KindImportHistory, func(ctx context.Context, req domainRPC.Request) (any, error) {
		if err := m.StartHistoryImport(req.Scope); err != nil {
			return nil, rpcError(err)
		}
		return ackResponse{Status: "started"}, nil
	})
	reg.Handle(domainRPC.KindListInstances, func(ctx context.Context, req domainRPC.Request) (any, error) {
		return m.ListInstances(), nil
	})
	reg.Handle(domainRPC.KindDeliverAuthCode, func(ctx context.Context, req domainRPC.Request) (any, error) {
		var in domainInstance.AuthCodeRequest
		if err := req.Decode(&in); err != nil {
			return nil, pkgError.ValidationError("invalid auth code payload: " + err.Error())
		}
		if err := m.DeliverAuthCode(ctx, in); err != nil {
			return nil, rpcError(err)
		}
		return ackOK, nil
	})
}

// rpcError gives sentinel errors a code the requester can map back.
func rpcError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInstanceNotFound):
		return pkgError.NotFoundError(err.Error())
	case errors.Is(err, ErrNotReady):
		return pkgError.ConflictError(err.Error())
	}
	return err
}

// WatchConfig keeps the registry in line with operator-side configuration
// changes until ctx is done.
func (m *Manager) WatchConfig(ctx context.Context, sub Subscriber) error {
	h := domainEvent.Idempotent(func(ctx context.Context, evt domainEvent.Event) error {
		var p domainEvent.InstanceConfigPayload
		if err := evt.Decode(&p); err != nil {
			logrus.WithError(err).WithField("event_id", evt.ID).Warn("[GATEWAY] Bad instance.config payload")
			return nil
		}
		return m.applyConfigChange(ctx, p)
	}, 10*time.Minute)
	return sub.Subscribe(ctx, h, domainEvent.TopicInstanceConfig)
}

func (m *Manager) applyConfigChange(ctx context.Context, p domainEvent.InstanceConfigPayload) error {
	log := logrus.WithFields(logrus.Fields{"instance_id": p.InstanceID, "action": p.Action})
	switch p.Action {
	case domainEvent.ConfigRemoved:
		err := m.RemoveInstance(ctx, p.InstanceID)
		if errors.Is(err, ErrInstanceNotFound) {
			return nil
		}
		return err
	case domainEvent.ConfigUpserted:
		cfg, err := m.store.GetInstanceConfig(ctx, p.InstanceID)
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn("[GATEWAY] Config event for a missing instance")
			return nil
		}
		if err != nil {
			return err
		}
		return m.ReloadInstance(ctx, cfg)
	}
	log.Warn("[GATEWAY] Unknown config action")
	return nil
}
