package gateway

import (
	"context"
	"sync"
	"time"

	domainInstance "github.com/AzielCF/az-bridge/domains/instance"
	"github.com/AzielCF/az-bridge/gateway/application"
	"github.com/AzielCF/az-bridge/gateway/domain/state"
	"github.com/AzielCF/az-bridge/infrastructure/greenapi"
)

// Provider is the part of the gateway API client the manager drives.
type Provider interface {
	GetState(ctx context.Context) (string, error)
	GetSettings(ctx context.Context) (greenapi.Settings, error)
	SetSettings(ctx context.Context, s greenapi.Settings) (bool, error)
	GetQR(ctx context.Context) (greenapi.QRResult, error)
	Logout(ctx context.Context) (bool, error)
	SendMessage(ctx context.Context, chatID, text, quotedID string) (greenapi.SendResult, error)
	SendFileByUpload(ctx context.Context, file greenapi.FileUpload) (greenapi.SendResult, error)
	DownloadFile(ctx context.Context, chatID, messageID string) (string, error)
	application.HistorySource
}

// ClientFactory builds the provider client of one instance. onSuccess must be
// invoked after every successful call so last-seen stays current.
type ClientFactory func(creds greenapi.Credentials, onSuccess func(at time.Time)) (Provider, error)

// DefaultClientFactory builds real gateway clients gated by limiter.
func DefaultClientFactory(limiter greenapi.Permitter, opts ...greenapi.Option) ClientFactory {
	return func(creds greenapi.Credentials, onSuccess func(at time.Time)) (Provider, error) {
		all := append([]greenapi.Option{greenapi.WithOnSuccess(onSuccess)}, opts...)
		return greenapi.NewClient(creds, limiter, all...)
	}
}

// Instance is one managed account: its client, its state machine and the
// context of its polling loop.
type Instance struct {
	id      string
	m       *Manager
	machine *state.Machine
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// transMu covers a whole provider-state sync, side effects included, so
	// events and snapshots leave in transition order.
	transMu sync.Mutex

	mu          sync.RWMutex
	cfg         domainInstance.Config
	client      Provider
	phone       string
	lastSeen    time.Time
	lastRefresh time.Time
	qr          greenapi.QRResult
}

func (i *Instance) ID() string { return i.id }

func (i *Instance) Config() domainInstance.Config {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.cfg
}

func (i *Instance) setConfig(cfg domainInstance.Config) {
	i.mu.Lock()
	i.cfg = cfg
	i.mu.Unlock()
}

func (i *Instance) Client() Provider {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.client
}

func (i *Instance) State() state.State { return i.machine.Current() }

func (i *Instance) touch(at time.Time) {
	i.mu.Lock()
	if at.After(i.lastSeen) {
		i.lastSeen = at
	}
	i.mu.Unlock()
}

func (i *Instance) setPhone(phone string) {
	if phone == "" {
		return
	}
	i.mu.Lock()
	i.phone = phone
	i.mu.Unlock()
}

func (i *Instance) Phone() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.phone
}

func (i *Instance) setQR(qr greenapi.QRResult) {
	i.mu.Lock()
	i.qr = qr
	i.mu.Unlock()
}

// claimRefresh reports whether an operator refresh may run now, and if not,
// how long until it may.
func (i *Instance) claimRefresh(now time.Time, cooldown time.Duration) (time.Duration, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.lastRefresh.IsZero() {
		if left := cooldown - now.Sub(i.lastRefresh); left > 0 {
			return left, false
		}
	}
	i.lastRefresh = now
	return 0, true
}

func (i *Instance) snapshot(lastFired time.Time) domainInstance.Snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()
	snap := domainInstance.Snapshot{
		ID:               i.cfg.ID,
		Name:             i.cfg.Name,
		State:            i.machine.Current(),
		StateSince:       i.machine.Since(),
		Phone:            i.phone,
		RelayChatID:      i.cfg.RelayChatID,
		AutoReplyEnabled: i.cfg.AutoReplyEnabled,
	}
	if !i.lastSeen.IsZero() {
		seen := i.lastSeen
		snap.LastSeen = &seen
	}
	if !lastFired.IsZero() {
		snap.AutoReplyLastFired = &lastFired
	}
	return snap
}

// stop cancels the polling loop and waits for it to return.
func (i *Instance) stop() {
	i.cancel()
	<-i.done
}

// PollTarget

func (i *Instance) PollStatus(ctx context.Context) { i.m.pollStatus(ctx, i) }

func (i *Instance) AwaitingQR() bool { return i.machine.Current().Kind == state.AwaitingQR }

func (i *Instance) RefreshQR(ctx context.Context) {
	_, _ = i.m.refreshQR(ctx, i)
}
