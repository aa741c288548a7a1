// Package gateway owns the registry of managed instances: one rate-limited
// provider client, one connectivity state machine and one polling loop each.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	domainEvent "github.com/AzielCF/az-bridge/domains/event"
	domainInstance "github.com/AzielCF/az-bridge/domains/instance"
	"github.com/AzielCF/az-bridge/gateway/application"
	"github.com/AzielCF/az-bridge/gateway/domain"
	"github.com/AzielCF/az-bridge/gateway/domain/state"
	"github.com/AzielCF/az-bridge/infrastructure/greenapi"
	pkgError "github.com/AzielCF/az-bridge/pkg/error"
	"github.com/sirupsen/logrus"
)

const (
	DefaultRefreshCooldown = 60 * time.Second
	clearWebhookTimeout    = 10 * time.Second
)

// Limiter is the rate limiter as seen by the manager.
type Limiter interface {
	greenapi.Permitter
	Forget(instanceID string)
}

// ScopeCanceller aborts in-flight RPC work tied to an instance.
type ScopeCanceller interface {
	CancelScope(scope string) int
}

type Options struct {
	Events domainEvent.Publisher
	Relay  domain.Relay
	RPC    ScopeCanceller

	ClientFactory ClientFactory

	// WebhookURL is pushed to the provider once an instance is Ready. Empty
	// leaves the provider settings alone.
	WebhookURL   string
	WebhookToken string

	PollInterval      time.Duration
	QRRefreshInterval time.Duration
	RefreshCooldown   time.Duration
}

type Manager struct {
	store    domain.Storage
	limiter  Limiter
	router   *application.Router
	importer *application.HistoryImporter
	poller   *application.Poller
	opts     Options
	now      func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.RWMutex
	instances map[string]*Instance
	stopped   bool
}

func NewManager(store domain.Storage, limiter Limiter, router *application.Router, opts Options) *Manager {
	if opts.ClientFactory == nil {
		opts.ClientFactory = DefaultClientFactory(limiter)
	}
	if opts.RefreshCooldown <= 0 {
		opts.RefreshCooldown = DefaultRefreshCooldown
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:      store,
		limiter:    limiter,
		router:     router,
		poller:     application.NewPoller(opts.PollInterval, opts.QRRefreshInterval),
		opts:       opts,
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		instances:  make(map[string]*Instance),
	}

	router.SetDispatcher(m)
	router.AutoReplier().OnFire = func(instanceID string, at time.Time) {
		if inst, ok := m.get(instanceID); ok {
			m.saveSnapshot(m.baseCtx, inst)
		}
	}
	return m
}

// SetImporter plugs the history importer in once the ingestor exists.
func (m *Manager) SetImporter(importer *application.HistoryImporter) {
	importer.Notify = m.announce
	m.importer = importer
}

// Start loads every configured instance and seeds the auto-reply windows from
// the last persisted snapshots.
func (m *Manager) Start(ctx context.Context) error {
	snaps, err := m.store.ListInstanceSnapshots(ctx)
	if err != nil {
		logrus.WithError(err).Warn("[GATEWAY] Could not load instance snapshots")
	}
	for _, snap := range snaps {
		if snap.AutoReplyLastFired != nil {
			m.router.AutoReplier().Seed(snap.ID, *snap.AutoReplyLastFired)
		}
	}

	configs, err := m.store.ListInstanceConfigs(ctx)
	if err != nil {
		return fmt.Errorf("load instance configs: %w", err)
	}
	loaded := 0
	for _, cfg := range configs {
		if err := m.AddInstance(ctx, cfg); err != nil {
			logrus.WithError(err).WithField("instance_id", cfg.ID).Error("[GATEWAY] Failed to start instance")
			continue
		}
		loaded++
	}
	logrus.Infof("[GATEWAY] Loaded %d/%d instances", loaded, len(configs))
	return nil
}

// Stop cancels every polling loop and waits for background work to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.baseCancel()
	m.wg.Wait()
	logrus.Info("[GATEWAY] Manager stopped")
}

func (m *Manager) AddInstance(ctx context.Context, cfg domainInstance.Config) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if _, exists := m.instances[cfg.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceExists, cfg.ID)
	}
	inst, err := m.newInstance(cfg)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.instances[cfg.ID] = inst
	m.launch(inst)
	m.mu.Unlock()

	m.saveSnapshot(ctx, inst)
	logrus.WithFields(logrus.Fields{
		"instance_id": cfg.ID,
		"name":        cfg.Name,
	}).Info("[GATEWAY] Instance registered")
	return nil
}

func (m *Manager) newInstance(cfg domainInstance.Config) (*Instance, error) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	inst := &Instance{
		id:      cfg.ID,
		m:       m,
		machine: state.NewMachine(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		cfg:     cfg,
	}
	client, err := m.opts.ClientFactory(greenapi.Credentials{
		InstanceID: cfg.ID,
		APIURL:     cfg.APIURL,
		MediaURL:   cfg.MediaURL,
		Token:      cfg.Token,
	}, inst.touch)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("instance %s: %w", cfg.ID, err)
	}
	inst.client = client
	return inst, nil
}

// launch starts the polling loop. Callers hold m.mu so Stop cannot race the
// WaitGroup.
func (m *Manager) launch(inst *Instance) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(inst.done)
		m.poller.Run(inst.ctx, inst)
	}()
}

// spawn runs fn under the instance context, tracked by the manager.
func (m *Manager) spawn(inst *Instance, fn func(ctx context.Context, inst *Instance)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped || inst.ctx.Err() != nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(inst.ctx, inst)
	}()
}

// RemoveInstance stops the instance loop, cancels RPC work scoped to it and
// drops its rate-limit buckets. Clearing the provider webhook is best effort.
func (m *Manager) RemoveInstance(ctx context.Context, id string) error {
	inst, ok := m.detach(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	m.teardown(inst)
	m.clearWebhook(ctx, inst)
	m.limiter.Forget(id)
	m.router.AutoReplier().Forget(id)

	logrus.WithField("instance_id", id).Info("[GATEWAY] Instance removed")
	return nil
}

func (m *Manager) detach(id string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if ok {
		delete(m.instances, id)
	}
	return inst, ok
}

func (m *Manager) teardown(inst *Instance) {
	inst.stop()
	if m.opts.RPC != nil {
		if n := m.opts.RPC.CancelScope(inst.ID()); n > 0 {
			logrus.WithField("instance_id", inst.ID()).Infof("[GATEWAY] Cancelled %d in-flight requests", n)
		}
	}
}

// ReloadInstance applies a new configuration. The client is rebuilt only when
// the credentials fingerprint changed.
func (m *Manager) ReloadInstance(ctx context.Context, cfg domainInstance.Config) error {
	inst, ok := m.get(cfg.ID)
	if !ok {
		return m.AddInstance(ctx, cfg)
	}
	if inst.Config().Fingerprint() == cfg.Fingerprint() {
		inst.setConfig(cfg)
		m.saveSnapshot(ctx, inst)
		logrus.WithField("instance_id", cfg.ID).Info("[GATEWAY] Instance config updated in place")
		return nil
	}

	logrus.WithField("instance_id", cfg.ID).Info("[GATEWAY] Credentials changed, rebuilding client")
	if old, ok := m.detach(cfg.ID); ok {
		m.teardown(old)
	}
	m.limiter.Forget(cfg.ID)
	return m.AddInstance(ctx, cfg)
}

func (m *Manager) get(id string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	return inst, ok
}

func (m *Manager) lookup(id string) (*Instance, error) {
	inst, ok := m.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return inst, nil
}

func (m *Manager) snapshotOf(inst *Instance) domainInstance.Snapshot {
	last, _ := m.router.AutoReplier().LastFired(inst.ID())
	return inst.snapshot(last)
}

func (m *Manager) ListInstances() []domainInstance.Snapshot {
	m.mu.RLock()
	list := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		list = append(list, inst)
	}
	m.mu.RUnlock()

	out := make([]domainInstance.Snapshot, 0, len(list))
	for _, inst := range list {
		out = append(out, m.snapshotOf(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) Get(id string) (domainInstance.Snapshot, error) {
	inst, err := m.lookup(id)
	if err != nil {
		return domainInstance.Snapshot{}, err
	}
	return m.snapshotOf(inst), nil
}

// InstanceDirectory / Dispatcher

func (m *Manager) Has(id string) bool {
	_, ok := m.get(id)
	return ok
}

func (m *Manager) RelayChatID(id string) int64 {
	inst, ok := m.get(id)
	if !ok {
		return 0
	}
	return inst.Config().RelayChatID
}

func (m *Manager) AutoReply(id string) (string, bool) {
	inst, ok := m.get(id)
	if !ok {
		return "", false
	}
	cfg := inst.Config()
	return cfg.AutoReplyText, cfg.AutoReplyEnabled
}

func (m *Manager) Send(ctx context.Context, id, chatID, text, quotedID string) (string, error) {
	inst, err := m.sendable(id)
	if err != nil {
		return "", err
	}
	res, err := inst.Client().SendMessage(ctx, chatID, text, quotedID)
	if err != nil {
		m.observeError(ctx, inst, err)
		return "", err
	}
	return res.IDMessage, nil
}

func (m *Manager) SendFile(ctx context.Context, id, chatID, caption string, file domain.OutgoingFile) (string, error) {
	inst, err := m.sendable(id)
	if err != nil {
		return "", err
	}
	res, err := inst.Client().SendFileByUpload(ctx, greenapi.FileUpload{
		ChatID:   chatID,
		FileName: file.FileName,
		MimeType: file.MimeType,
		Caption:  caption,
		Content:  file.Content,
	})
	if err != nil {
		m.observeError(ctx, inst, err)
		return "", err
	}
	return res.IDMessage, nil
}

func (m *Manager) sendable(id string) (*Instance, error) {
	inst, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if st := inst.State(); !st.CanSend() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, id, st)
	}
	return inst, nil
}

func (m *Manager) DownloadURL(ctx context.Context, id, chatID, messageID string) (string, error) {
	inst, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	return inst.Client().DownloadFile(ctx, chatID, messageID)
}

// ApplyProviderState reflects a provider-reported state (webhook or poll).
func (m *Manager) ApplyProviderState(ctx context.Context, id, providerState string) error {
	inst, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.applyProviderState(ctx, inst, providerState, "webhook")
	return nil
}

func (m *Manager) applyProviderState(ctx context.Context, inst *Instance, providerState, cause string) {
	if m.syncState(ctx, inst, providerState, cause) {
		// a fresh AwaitingQR gets its first code now, not on the next tick
		_, _ = m.refreshQR(ctx, inst)
	}
}

// syncState walks the machine to the provider state under the transition
// lock. It reports whether the walk entered AwaitingQR and stopped there.
func (m *Manager) syncState(ctx context.Context, inst *Instance, providerState, cause string) bool {
	inst.transMu.Lock()
	defer inst.transMu.Unlock()

	enteredQR := false
	for _, to := range state.Steps(inst.State(), providerState) {
		from := inst.State().Kind
		if !m.fireLocked(ctx, inst, to, cause+": "+providerState) {
			return false
		}
		enteredQR = from != state.AwaitingQR && to.Kind == state.AwaitingQR
	}
	return enteredQR
}

// fire applies one transition and runs its side effects. It reports false
// when the machine rejected the transition.
func (m *Manager) fire(ctx context.Context, inst *Instance, to state.State, cause string) bool {
	inst.transMu.Lock()
	defer inst.transMu.Unlock()
	return m.fireLocked(ctx, inst, to, cause)
}

func (m *Manager) fireLocked(ctx context.Context, inst *Instance, to state.State, cause string) bool {
	t, changed, err := inst.machine.Fire(to, cause)
	if err != nil {
		logrus.WithError(err).WithField("instance_id", inst.ID()).Warn("[GATEWAY] Transition rejected")
		return false
	}
	if changed {
		m.onTransition(ctx, inst, t)
	}
	return true
}

func (m *Manager) onTransition(ctx context.Context, inst *Instance, t state.Transition) {
	id := inst.ID()
	qrLoop := t.From.Kind == state.AwaitingQR && t.To.Kind == state.AwaitingQR
	log := logrus.WithFields(logrus.Fields{
		"instance_id": id,
		"from":        t.From.String(),
		"to":          t.To.String(),
		"cause":       t.Cause,
	})
	if qrLoop {
		log.Debug("[GATEWAY] QR refreshed")
	} else {
		log.Info("[GATEWAY] State changed")
	}

	m.publish(ctx, domainEvent.TopicInstanceStatus, id, domainEvent.InstanceStatusPayload{
		InstanceID: id,
		From:       t.From.String(),
		To:         t.To.String(),
		Reason:     t.To.Reason,
		Cause:      t.Cause,
		At:         t.At,
	})
	m.saveSnapshot(ctx, inst)

	if !qrLoop {
		m.announce(ctx, id, fmt.Sprintf("Instance %s: %s → %s", displayName(inst.Config()), t.From, t.To))
	}

	switch t.To.Kind {
	case state.Ready:
		inst.setQR(greenapi.QRResult{})
		m.spawn(inst, m.syncProvider)
	case state.Error:
		if t.To.Reason == reasonAuthentication {
			m.publish(ctx, domainEvent.TopicSessionInvalidated, id, domainEvent.InstanceStatusPayload{
				InstanceID: id, To: t.To.String(), Reason: t.To.Reason, At: t.At,
			})
		}
	}
}

const reasonAuthentication = "authentication"

// observeError moves the instance to Error when the provider rejected its
// credentials. Every other failure leaves the state alone.
func (m *Manager) observeError(ctx context.Context, inst *Instance, err error) {
	if greenapi.IsAuthentication(err) {
		m.fire(ctx, inst, state.Failed(reasonAuthentication), "provider rejected credentials")
	}
}

func (m *Manager) pollStatus(ctx context.Context, inst *Instance) {
	providerState, err := inst.Client().GetState(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if greenapi.IsAuthentication(err) {
			m.observeError(ctx, inst, err)
			return
		}
		logrus.WithError(err).WithField("instance_id", inst.ID()).Warn("[GATEWAY] State poll failed")
		providerState = greenapi.StateUnknown
	}
	m.applyProviderState(ctx, inst, providerState, "poll")
}

func (m *Manager) refreshQR(ctx context.Context, inst *Instance) (greenapi.QRResult, error) {
	qr, err := inst.Client().GetQR(ctx)
	if err != nil {
		m.observeError(ctx, inst, err)
		return qr, err
	}
	inst.setQR(qr)

	switch qr.Status {
	case greenapi.QRStatusCode:
		m.fire(ctx, inst, state.Of(state.AwaitingQR), "qr issued")
	case greenapi.QRStatusAlreadyLogged:
		m.applyProviderState(ctx, inst, greenapi.StateAuthorized, "qr")
	}
	return qr, nil
}

// syncProvider runs when an instance becomes Ready: it picks up the account
// phone and makes sure the provider posts notifications to us.
func (m *Manager) syncProvider(ctx context.Context, inst *Instance) {
	log := logrus.WithField("instance_id", inst.ID())
	client := inst.Client()

	settings, err := client.GetSettings(ctx)
	if err != nil {
		log.WithError(err).Warn("[GATEWAY] getSettings failed")
		m.observeError(ctx, inst, err)
		return
	}
	inst.setPhone(settings.Phone())

	if m.opts.WebhookURL != "" {
		want := greenapi.WebhookSettings(m.opts.WebhookURL, m.opts.WebhookToken)
		if !settings.Matches(want) {
			saved, err := client.SetSettings(ctx, want)
			switch {
			case err != nil:
				log.WithError(err).Warn("[GATEWAY] Failed to set webhook settings")
			case !saved:
				log.Warn("[GATEWAY] Provider did not save webhook settings")
			default:
				log.Infof("[GATEWAY] Webhook set to %s", m.opts.WebhookURL)
			}
		}
	}
	m.saveSnapshot(ctx, inst)
}

func (m *Manager) clearWebhook(ctx context.Context, inst *Instance) {
	if m.opts.WebhookURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clearWebhookTimeout)
	defer cancel()
	if _, err := inst.Client().SetSettings(ctx, greenapi.WebhookSettings("", "")); err != nil {
		logrus.WithError(err).WithField("instance_id", inst.ID()).Warn("[GATEWAY] Could not clear webhook settings")
	}
}

// QR returns the current login QR, or already_logged when Ready.
func (m *Manager) QR(ctx context.Context, id string) (domainInstance.QRPayload, error) {
	inst, err := m.lookup(id)
	if err != nil {
		return domainInstance.QRPayload{}, err
	}
	if inst.State().Kind == state.Ready {
		return domainInstance.QRPayload{Status: string(greenapi.QRStatusAlreadyLogged)}, nil
	}
	qr, err := m.refreshQR(ctx, inst)
	if err != nil {
		return domainInstance.QRPayload{}, pkgError.GatewayError(err.Error())
	}
	return domainInstance.QRPayload{Status: string(qr.Status), Image: qr.Image, Message: qr.Message}, nil
}

func (m *Manager) Logout(ctx context.Context, id string) error {
	inst, err := m.lookup(id)
	if err != nil {
		return err
	}
	if _, err := inst.Client().Logout(ctx); err != nil {
		m.observeError(ctx, inst, err)
		return pkgError.GatewayError(err.Error())
	}
	m.fire(ctx, inst, state.Of(state.Disconnected), "operator logout")
	m.publish(ctx, domainEvent.TopicSessionInvalidated, id, domainEvent.InstanceStatusPayload{
		InstanceID: id, To: inst.State().String(), Cause: "logout", At: m.now().UTC(),
	})
	return nil
}

// Refresh re-polls the provider on operator request, at most once per
// cooldown.
func (m *Manager) Refresh(ctx context.Context, id string) error {
	inst, err := m.lookup(id)
	if err != nil {
		return err
	}
	if left, ok := inst.claimRefresh(m.now(), m.opts.RefreshCooldown); !ok {
		return pkgError.CooldownError(fmt.Sprintf("cooldown: retry in %ds", int(math.Ceil(left.Seconds()))))
	}
	m.pollStatus(ctx, inst)
	if inst.AwaitingQR() {
		_, _ = m.refreshQR(ctx, inst)
	}
	return nil
}

// ImportHistory runs a history import and waits for it.
func (m *Manager) ImportHistory(ctx context.Context, id string) (application.HistoryReport, error) {
	if m.importer == nil {
		return application.HistoryReport{}, errors.New("history import is not configured")
	}
	inst, err := m.sendable(id)
	if err != nil {
		return application.HistoryReport{}, err
	}
	report, err := m.importer.Import(ctx, id, inst.Client())
	if errors.Is(err, application.ErrImportRunning) {
		return report, pkgError.ConflictError("already_running")
	}
	return report, err
}

// StartHistoryImport launches an import in the background under the
// instance context.
func (m *Manager) StartHistoryImport(id string) error {
	if m.importer == nil {
		return errors.New("history import is not configured")
	}
	inst, err := m.sendable(id)
	if err != nil {
		return err
	}
	if m.importer.Running(id) {
		return pkgError.ConflictError("already_running")
	}
	m.spawn(inst, func(ctx context.Context, inst *Instance) {
		report, err := m.ImportHistory(ctx, inst.ID())
		log := logrus.WithField("instance_id", inst.ID())
		if err != nil {
			log.WithError(err).Error("[GATEWAY] History import failed")
			return
		}
		log.Infof("[GATEWAY] History import saved %d messages", report.Saved())
	})
	return nil
}

// DeliverAuthCode sends a one-time login code to an operator chat.
func (m *Manager) DeliverAuthCode(ctx context.Context, req domainInstance.AuthCodeRequest) error {
	if m.opts.Relay == nil {
		return errors.New("relay bot is not configured")
	}
	if req.ChatID == 0 || req.Code == "" {
		return pkgError.ValidationError("chat_id and code are required")
	}
	text := "Your login code: " + req.Code
	if req.Username != "" {
		text = req.Username + ", " + text
	}
	if err := m.opts.Relay.Announce(ctx, req.ChatID, text); err != nil {
		return pkgError.GatewayError(err.Error())
	}
	return nil
}

func (m *Manager) announce(ctx context.Context, id, text string) {
	if m.opts.Relay == nil {
		return
	}
	chatID := m.RelayChatID(id)
	if chatID == 0 {
		return
	}
	if err := m.opts.Relay.Announce(ctx, chatID, text); err != nil {
		logrus.WithError(err).WithField("instance_id", id).Warn("[GATEWAY] Relay notice failed")
	}
}

func (m *Manager) saveSnapshot(ctx context.Context, inst *Instance) {
	if err := m.store.SaveInstanceSnapshot(ctx, m.snapshotOf(inst)); err != nil {
		logrus.WithError(err).WithField("instance_id", inst.ID()).Error("[GATEWAY] Failed to save snapshot")
	}
}

func (m *Manager) publish(ctx context.Context, topic domainEvent.Topic, key string, payload any) {
	if m.opts.Events == nil {
		return
	}
	evt, err := domainEvent.New(topic, key, payload)
	if err == nil {
		err = m.opts.Events.Publish(ctx, evt)
	}
	if err != nil {
		logrus.WithError(err).WithField("topic", topic).Warn("[GATEWAY] Event publish failed")
	}
}

func displayName(cfg domainInstance.Config) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return cfg.ID
}
