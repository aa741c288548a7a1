package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	domainEvent "github.com/AzielCF/az-bridge/domains/event"
	domainInstance "github.com/AzielCF/az-bridge/domains/instance"
	domainRPC "github.com/AzielCF/az-bridge/domains/rpc"
	"github.com/AzielCF/az-bridge/gateway/domain"
	pkgError "github.com/AzielCF/az-bridge/pkg/error"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockCaller stands in for the RPC requester
type MockCaller struct {
	mock.Mock
}

func (m *MockCaller) Call(ctx context.Context, kind domainRPC.Kind, key, scope string, payload, out any) error {
	args := m.Called(kind, key, scope, payload)
	if fill, ok := args.Get(1).(func(out any)); ok && fill != nil {
		fill(out)
	}
	return args.Error(0)
}

type memConfigStore struct {
	mu      sync.Mutex
	configs map[string]domainInstance.Config
	snaps   []domainInstance.Snapshot
}

func newMemConfigStore() *memConfigStore {
	return &memConfigStore{configs: make(map[string]domainInstance.Config)}
}

func (s *memConfigStore) UpsertInstanceConfig(ctx context.Context, cfg domainInstance.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.ID] = cfg
	return nil
}

func (s *memConfigStore) DeleteInstanceConfig(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.configs, id)
	return nil
}

func (s *memConfigStore) GetInstanceConfig(ctx context.Context, id string) (domainInstance.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return domainInstance.Config{}, domain.ErrNotFound
	}
	return cfg, nil
}

func (s *memConfigStore) ListInstanceConfigs(ctx context.Context) ([]domainInstance.Config, error) {
	return nil, nil
}

func (s *memConfigStore) ListInstanceSnapshots(ctx context.Context) ([]domainInstance.Snapshot, error) {
	return s.snaps, nil
}

type eventLog struct {
	events []domainEvent.Event
}

func (l *eventLog) Publish(ctx context.Context, evt domainEvent.Event) error {
	l.events = append(l.events, evt)
	return nil
}

func newInstanceFixture() (*instanceService, *MockCaller, *memConfigStore, *eventLog) {
	caller := &MockCaller{}
	store := newMemConfigStore()
	events := &eventLog{}
	svc := NewInstanceService(store, caller, events).(*instanceService)
	return svc, caller, store, events
}

func TestInstanceService_UpsertStoresAndAnnounces(t *testing.T) {
	svc, _, store, events := newInstanceFixture()

	cfg, err := svc.Upsert(context.Background(), domainInstance.UpsertRequest{
		ID:     " 1101000001 ",
		Name:   "Shop",
		APIURL: "https://api.green-api.com",
		Token:  "d75b3a66374942c5b3c0",
	})
	require.NoError(t, err)
	assert.Equal(t, "1101000001", cfg.ID)
	assert.Empty(t, cfg.Token, "token is not echoed back")

	stored, err := store.GetInstanceConfig(context.Background(), "1101000001")
	require.NoError(t, err)
	assert.Equal(t, "d75b3a66374942c5b3c0", stored.Token)

	require.Len(t, events.events, 1)
	var p domainEvent.InstanceConfigPayload
	require.NoError(t, events.events[0].Decode(&p))
	assert.Equal(t, domainEvent.ConfigUpserted, p.Action)
	assert.Equal(t, domainEvent.TopicInstanceConfig, events.events[0].Topic)
}

func TestInstanceService_UpsertRejectsInvalid(t *testing.T) {
	svc, _, _, events := newInstanceFixture()
	_, err := svc.Upsert(context.Background(), domainInstance.UpsertRequest{ID: "x"})
	assert.IsType(t, pkgError.ValidationError(""), err)
	assert.Empty(t, events.events)
}

func TestInstanceService_RemoveUnknown(t *testing.T) {
	svc, _, _, events := newInstanceFixture()
	err := svc.Remove(context.Background(), "404")
	assert.IsType(t, pkgError.NotFoundError(""), err)
	assert.Empty(t, events.events)
}

func TestInstanceService_RemoveAnnounces(t *testing.T) {
	svc, _, store, events := newInstanceFixture()
	require.NoError(t, store.UpsertInstanceConfig(context.Background(), domainInstance.Config{ID: "1101"}))

	require.NoError(t, svc.Remove(context.Background(), "1101"))
	require.Len(t, events.events, 1)
	var p domainEvent.InstanceConfigPayload
	require.NoError(t, events.events[0].Decode(&p))
	assert.Equal(t, domainEvent.ConfigRemoved, p.Action)
}

func TestInstanceService_QRTravelsOverRPC(t *testing.T) {
	svc, caller, _, _ := newInstanceFixture()
	caller.On("Call", domainRPC.KindDeliverQR, "", "1101", nil).Return(nil, func(out any) {
		*out.(*domainInstance.QRPayload) = domainInstance.QRPayload{Status: "qr", Image: "data:image/png;base64,AAA"}
	})

	qr, err := svc.QR(context.Background(), "1101")
	require.NoError(t, err)
	assert.Equal(t, "qr", qr.Status)
	caller.AssertExpectations(t)
}

func TestInstanceService_RemoteErrorsAreTyped(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"cooldown", &domainRPC.RemoteError{Code: "COOLDOWN", Message: "cooldown: retry in 12s"}, pkgError.CooldownError("cooldown: retry in 12s")},
		{"not found", &domainRPC.RemoteError{Code: "NOT_FOUND_ERROR", Message: "instance not found"}, pkgError.NotFoundError("instance not found")},
		{"conflict", &domainRPC.RemoteError{Code: "CONFLICT", Message: "already_running"}, pkgError.ConflictError("already_running")},
		{"other remote", &domainRPC.RemoteError{Message: "boom"}, pkgError.GatewayError("boom")},
		{"timeout", domainRPC.ErrTimeout, pkgError.TimeoutError("gateway did not answer in time")},
		{"duplicate", domainRPC.ErrDuplicateRequest, pkgError.ConflictError("a request for this instance is already in flight")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, caller, _, _ := newInstanceFixture()
			caller.On("Call", domainRPC.KindRefresh, "", "1101", nil).Return(tt.err, nil)
			assert.Equal(t, tt.want, svc.Refresh(context.Background(), "1101"))
		})
	}
}

func TestInstanceService_ListFallsBackToSnapshots(t *testing.T) {
	svc, caller, store, _ := newInstanceFixture()
	store.snaps = []domainInstance.Snapshot{{ID: "1101"}}
	caller.On("Call", domainRPC.KindListInstances, "", "", nil).Return(domainRPC.ErrTimeout, nil)

	list, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "1101", list[0].ID)
}

func TestInstanceService_DeliverAuthCodeKeyedByUser(t *testing.T) {
	svc, caller, _, _ := newInstanceFixture()
	req := domainInstance.AuthCodeRequest{UserID: "u1", ChatID: 42, Code: "123456"}
	caller.On("Call", domainRPC.KindDeliverAuthCode, "auth:u1", "", req).Return(nil, nil)

	require.NoError(t, svc.DeliverAuthCode(context.Background(), req))
	caller.AssertExpectations(t)

	err := svc.DeliverAuthCode(context.Background(), domainInstance.AuthCodeRequest{UserID: "u1"})
	assert.True(t, errors.As(err, new(pkgError.ValidationError)))
}
