package application

import (
	"context"
	"errors"
	"fmt"
	"sync"

	domainEvent "github.com/AzielCF/az-bridge/domains/event"
	domainInstance "github.com/AzielCF/az-bridge/domains/instance"
	domainMessage "github.com/AzielCF/az-bridge/domains/message"
	"github.com/AzielCF/az-bridge/gateway/domain"
)

type fakeStore struct {
	mu        sync.Mutex
	messages  map[string]domainMessage.Message // instance|provider
	order     []string
	snapshots []domainInstance.Snapshot
	failSave  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: make(map[string]domainMessage.Message)}
}

func (s *fakeStore) key(instanceID, providerID string) string { return instanceID + "|" + providerID }

func (s *fakeStore) SaveMessage(ctx context.Context, msg domainMessage.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return false, s.failSave
	}
	k := s.key(msg.InstanceID, msg.ProviderID)
	if cur, ok := s.messages[k]; ok {
		if msg.Kind == domainMessage.KindCall {
			cur.Body = msg.Body
			s.messages[k] = cur
		}
		return false, nil
	}
	s.messages[k] = msg
	s.order = append(s.order, k)
	return true, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, upd domainMessage.StatusUpdate) (domainMessage.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(upd.InstanceID, upd.ProviderID)
	msg, ok := s.messages[k]
	if !ok {
		return domainMessage.Message{}, false, domain.ErrNotFound
	}
	if !msg.Status.Supersedes(upd.Status) {
		return msg, false, nil
	}
	msg.Status = upd.Status
	s.messages[k] = msg
	return msg, true, nil
}

func (s *fakeStore) SetRelayMessage(ctx context.Context, instanceID, providerID string, chatID int64, relayID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(instanceID, providerID)
	msg, ok := s.messages[k]
	if !ok {
		return domain.ErrNotFound
	}
	msg.RelayChatID, msg.RelayMessageID = chatID, relayID
	s.messages[k] = msg
	return nil
}

func (s *fakeStore) FindByRelayID(ctx context.Context, chatID int64, relayID int) (domainMessage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.RelayChatID == chatID && msg.RelayMessageID == relayID {
			return msg, nil
		}
	}
	return domainMessage.Message{}, domain.ErrNotFound
}

func (s *fakeStore) SaveInstanceSnapshot(ctx context.Context, snap domainInstance.Snapshot) error {
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) ListInstanceSnapshots(ctx context.Context) ([]domainInstance.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domainInstance.Snapshot(nil), s.snapshots...), nil
}

func (s *fakeStore) ListInstanceConfigs(ctx context.Context) ([]domainInstance.Config, error) {
	return nil, nil
}

func (s *fakeStore) GetInstanceConfig(ctx context.Context, id string) (domainInstance.Config, error) {
	return domainInstance.Config{}, domain.ErrNotFound
}

func (s *fakeStore) all() []domainMessage.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domainMessage.Message, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.messages[k])
	}
	return out
}

func (s *fakeStore) get(instanceID, providerID string) (domainMessage.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[s.key(instanceID, providerID)]
	return m, ok
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []domain.Broadcast
}

func (b *fakeBroadcaster) Broadcast(ctx context.Context, msg domain.Broadcast) {
	b.mu.Lock()
	b.sent = append(b.sent, msg)
	b.mu.Unlock()
}

func (b *fakeBroadcaster) codes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.sent))
	for i, m := range b.sent {
		out[i] = m.Code
	}
	return out
}

type reaction struct {
	ChatID    int64
	MessageID int
	Emoji     string
}

type fakeRelay struct {
	mu        sync.Mutex
	posts     []domain.RelayPost
	reactions []reaction
	notices   []string
	nextID    int
	failPost  error
}

func (r *fakeRelay) Post(ctx context.Context, post domain.RelayPost) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failPost != nil {
		return 0, r.failPost
	}
	r.nextID++
	r.posts = append(r.posts, post)
	return 1000 + r.nextID, nil
}

func (r *fakeRelay) React(ctx context.Context, chatID int64, messageID int, emoji string) error {
	r.mu.Lock()
	r.reactions = append(r.reactions, reaction{chatID, messageID, emoji})
	r.mu.Unlock()
	return nil
}

func (r *fakeRelay) Announce(ctx context.Context, chatID int64, text string) error {
	r.mu.Lock()
	r.notices = append(r.notices, text)
	r.mu.Unlock()
	return nil
}

type sentMessage struct {
	InstanceID, ChatID, Text string
}

// fakeInstances implements Dispatcher and InstanceDirectory.
type fakeInstances struct {
	mu          sync.Mutex
	known       map[string]bool
	relayChats  map[string]int64
	autoReplies map[string]string
	sent        []sentMessage
	files       []domain.OutgoingFile
	sendErr     error
	states      []string
	downloadURL string
	nextID      int
}

func newFakeInstances(ids ...string) *fakeInstances {
	f := &fakeInstances{
		known:       make(map[string]bool),
		relayChats:  make(map[string]int64),
		autoReplies: make(map[string]string),
	}
	for _, id := range ids {
		f.known[id] = true
	}
	return f
}

func (f *fakeInstances) Has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known[id]
}

func (f *fakeInstances) ApplyProviderState(ctx context.Context, id, state string) error {
	f.mu.Lock()
	f.states = append(f.states, id+":"+state)
	f.mu.Unlock()
	return nil
}

func (f *fakeInstances) DownloadURL(ctx context.Context, id, chatID, messageID string) (string, error) {
	if f.downloadURL == "" {
		return "", errors.New("no url")
	}
	return f.downloadURL, nil
}

func (f *fakeInstances) RelayChatID(id string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.relayChats[id]
}

func (f *fakeInstances) AutoReply(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, ok := f.autoReplies[id]
	return text, ok
}

func (f *fakeInstances) Send(ctx context.Context, id, chatID, text, quotedID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, sentMessage{id, chatID, text})
	return fmt.Sprintf("OUT-%d", f.nextID), nil
}

func (f *fakeInstances) SendFile(ctx context.Context, id, chatID, caption string, file domain.OutgoingFile) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextID++
	f.files = append(f.files, file)
	return fmt.Sprintf("FILE-%d", f.nextID), nil
}

func (f *fakeInstances) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domainEvent.Event
}

func (p *fakePublisher) Publish(ctx context.Context, evt domainEvent.Event) error {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) topics() []domainEvent.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domainEvent.Topic, len(p.events))
	for i, e := range p.events {
		out[i] = e.Topic
	}
	return out
}
