package usecase

import (
	"context"
	"errors"
	"fmt"

	domainEvent "github.com/AzielCF/az-bridge/domains/event"
	domainInstance "github.com/AzielCF/az-bridge/domains/instance"
	domainRPC "github.com/AzielCF/az-bridge/domains/rpc"
	"github.com/AzielCF/az-bridge/gateway/domain"
	pkgError "github.com/AzielCF/az-bridge/pkg/error"
	"github.com/AzielCF/az-bridge/validations"
	"github.com/sirupsen/logrus"
)

type instanceService struct {
	store  domain.ConfigStore
	rpc    domainRPC.Caller
	events domainEvent.Publisher
}

// NewInstanceService builds the operator-side instance usecase. Changes are
// written to the store and announced on the event bus; everything that needs
// live gateway state goes through the RPC channel.
func NewInstanceService(store domain.ConfigStore, caller domainRPC.Caller, events domainEvent.Publisher) domainInstance.IInstanceUsecase {
	return &instanceService{store: store, rpc: caller, events: events}
}

func (s *instanceService) List(ctx context.Context) ([]domainInstance.Snapshot, error) {
	var live []domainInstance.Snapshot
	err := s.rpc.Call(ctx, domainRPC.KindListInstances, "", "", nil, &live)
	if err == nil {
		return live, nil
	}
	logrus.WithError(err).Warn("[INSTANCE] Gateway did not answer, listing stored snapshots")

	snaps, err := s.store.ListInstanceSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

func (s *instanceService) Upsert(ctx context.Context, request domainInstance.UpsertRequest) (domainInstance.Config, error) {
	request = request.Trimmed()
	if err := validations.ValidateUpsertInstance(ctx, request); err != nil {
		return domainInstance.Config{}, err
	}
	cfg := request.Config()
	if err := s.store.UpsertInstanceConfig(ctx, cfg); err != nil {
		return domainInstance.Config{}, fmt.Errorf("save instance %s: %w", cfg.ID, err)
	}
	s.announce(ctx, cfg.ID, domainEvent.ConfigUpserted)

	logrus.WithFields(logrus.Fields{"instance_id": cfg.ID, "name": cfg.Name}).Info("[INSTANCE] Instance saved")
	cfg.Token = ""
	return cfg, nil
}

func (s *instanceService) Remove(ctx context.Context, id string) error {
	err := s.store.DeleteInstanceConfig(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return pkgError.NotFoundError("instance not found")
	}
	if err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	s.announce(ctx, id, domainEvent.ConfigRemoved)
	logrus.WithField("instance_id", id).Info("[INSTANCE] Instance removed")
	return nil
}

func (s *instanceService) QR(ctx context.Context, id string) (domainInstance.QRPayload, error) {
	var out domainInstance.QRPayload
	if err := s.call(ctx, domainRPC.KindDeliverQR, id, nil, &out); err != nil {
		return domainInstance.QRPayload{}, err
	}
	return out, nil
}

func (s *instanceService) Logout(ctx context.Context, id string) error {
	return s.call(ctx, domainRPC.KindLogout, id, nil, nil)
}

func (s *instanceService) Refresh(ctx context.Context, id string) error {
	return s.call(ctx, domainRPC.KindRefresh, id, nil, nil)
}

func (s *instanceService) ImportHistory(ctx context.Context, id string) error {
	return s.call(ctx, domainRPC.KindImportHistory, id, nil, nil)
}

func (s *instanceService) DeliverAuthCode(ctx context.Context, request domainInstance.AuthCodeRequest) error {
	if err := validations.ValidateAuthCode(ctx, request); err != nil {
		return err
	}
	// one code per user in flight
	err := s.rpc.Call(ctx, domainRPC.KindDeliverAuthCode, "auth:"+request.UserID, "", request, nil)
	return fromRemote(err)
}

func (s *instanceService) call(ctx context.Context, kind domainRPC.Kind, id string, payload, out any) error {
	return fromRemote(s.rpc.Call(ctx, kind, "", id, payload, out))
}

func (s *instanceService) announce(ctx context.Context, id string, action domainEvent.ConfigAction) {
	evt, err := domainEvent.New(domainEvent.TopicInstanceConfig, id, domainEvent.InstanceConfigPayload{
		InstanceID: id,
		Action:     action,
	})
	if err == nil {
		err = s.events.Publish(ctx, evt)
	}
	if err != nil {
		// the gateway still picks the change up on its next restart
		logrus.WithError(err).WithField("instance_id", id).Error("[INSTANCE] Could not announce config change")
	}
}

// fromRemote turns RPC failures back into the typed errors the REST layer
// renders.
func fromRemote(err error) error {
	if err == nil {
		return nil
	}
	var remote *domainRPC.RemoteError
	switch {
	case errors.As(err, &remote):
		switch remote.Code {
		case pkgError.NotFoundError("").ErrCode():
			return pkgError.NotFoundError(remote.Message)
		case pkgError.ConflictError("").ErrCode():
			return pkgError.ConflictError(remote.Message)
		case pkgError.CooldownError("").ErrCode():
			return pkgError.CooldownError(remote.Message)
		case pkgError.ValidationError("").ErrCode():
			return pkgError.ValidationError(remote.Message)
		}
		return pkgError.GatewayError(remote.Message)
	case errors.Is(err, domainRPC.ErrTimeout):
		return pkgError.TimeoutError("gateway did not answer in time")
	case errors.Is(err, domainRPC.ErrDuplicateRequest):
		return pkgError.ConflictError("a request for this instance is already in flight")
	}
	return err
}
