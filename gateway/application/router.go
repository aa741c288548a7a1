package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domainEvent "github.com/AzielCF/az-bridge/domains/event"
	domainMessage "github.com/AzielCF/az-bridge/domains/message"
	"github.com/AzielCF/az-bridge/gateway/domain"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	ReactionSent   = "👍"
	ReactionFailed = "😡"
)

// Dispatcher is the router's handle on the managed instances.
type Dispatcher interface {
	RelayChatID(instanceID string) int64
	AutoReply(instanceID string) (text string, enabled bool)
	Send(ctx context.Context, instanceID, chatID, text, quotedID string) (string, error)
	SendFile(ctx context.Context, instanceID, chatID, caption string, file domain.OutgoingFile) (string, error)
}

// Router fans canonical messages out to storage (always), the live
// broadcast (always) and the relay channel (when the instance has one).
type Router struct {
	store     domain.Storage
	broadcast domain.Broadcaster
	relay     domain.Relay
	events    domainEvent.Publisher
	instances Dispatcher
	autoReply *AutoReplier
}

type RouterOption func(*Router)

func WithRelay(relay domain.Relay) RouterOption {
	return func(r *Router) { r.relay = relay }
}

func WithEvents(pub domainEvent.Publisher) RouterOption {
	return func(r *Router) { r.events = pub }
}

func WithAutoReplier(a *AutoReplier) RouterOption {
	return func(r *Router) { r.autoReply = a }
}

func NewRouter(store domain.Storage, broadcast domain.Broadcaster, instances Dispatcher, opts ...RouterOption) *Router {
	r := &Router{
		store:     store,
		broadcast: broadcast,
		instances: instances,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.autoReply == nil {
		r.autoReply = NewAutoReplier(DefaultAutoReplyWindow)
	}
	return r
}

// SetDispatcher breaks the construction cycle with the instance manager.
func (r *Router) SetDispatcher(d Dispatcher) { r.instances = d }

func (r *Router) AutoReplier() *AutoReplier { return r.autoReply }

func (r *Router) Route(ctx context.Context, msg domainMessage.Message) error {
	log := logrus.WithFields(logrus.Fields{
		"instance_id": msg.InstanceID,
		"message_id":  msg.ProviderID,
		"direction":   msg.Direction,
		"kind":        msg.Kind,
	})

	created, err := r.store.SaveMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	if !created && msg.Kind != domainMessage.KindCall {
		log.Debug("[ROUTER] Message already stored, skipping side effects")
		return nil
	}
	// imported history is stored only
	if msg.Archived {
		return nil
	}

	r.broadcast.Broadcast(ctx, domain.Broadcast{
		Code:    domain.BroadcastNewMessage,
		Message: "New message " + msg.ProviderID,
		Result:  msg,
	})
	r.publish(ctx, domainEvent.TopicMessageNew, msg.InstanceID, msg)

	if !created {
		return nil
	}

	if r.shouldRelay(msg) {
		r.postToRelay(ctx, msg)
	}

	if msg.Direction == domainMessage.DirectionIn && msg.Kind != domainMessage.KindCall {
		r.maybeAutoReply(ctx, msg)
	}
	return nil
}

func (r *Router) shouldRelay(msg domainMessage.Message) bool {
	if r.relay == nil || msg.Auto || msg.FromAPI || msg.RelayMessageID != 0 {
		return false
	}
	switch msg.Direction {
	case domainMessage.DirectionIn:
		return true
	case domainMessage.DirectionOut:
		// calls are relayed only when they come in
		return msg.Kind != domainMessage.KindCall
	}
	return false
}

func (r *Router) postToRelay(ctx context.Context, msg domainMessage.Message) {
	chatID := r.instances.RelayChatID(msg.InstanceID)
	if chatID == 0 {
		return
	}
	log := logrus.WithFields(logrus.Fields{
		"instance_id": msg.InstanceID,
		"message_id":  msg.ProviderID,
		"relay_chat":  chatID,
	})

	relayID, err := r.relay.Post(ctx, domain.RelayPost{ChatID: chatID, InstanceID: msg.InstanceID, Message: msg})
	if err != nil {
		// the message is stored and broadcast; only the relay copy is missing
		log.WithError(err).Error("[ROUTER] Relay post failed")
		return
	}
	if err := r.store.SetRelayMessage(ctx, msg.InstanceID, msg.ProviderID, chatID, relayID); err != nil {
		log.WithError(err).Error("[ROUTER] Failed to record relay message id")
	}
}

func (r *Router) maybeAutoReply(ctx context.Context, in domainMessage.Message) {
	text, enabled := r.instances.AutoReply(in.InstanceID)
	if !enabled || text == "" {
		return
	}
	prev, ok := r.autoReply.Claim(in.InstanceID)
	if !ok {
		return
	}

	log := logrus.WithFields(logrus.Fields{"instance_id": in.InstanceID, "chat_id": in.ChatID})
	providerID, err := r.instances.Send(ctx, in.InstanceID, in.ChatID, text, "")
	if err != nil {
		r.autoReply.Restore(in.InstanceID, prev)
		log.WithError(err).Warn("[ROUTER] Auto-reply not sent")
		return
	}
	r.autoReply.Commit(in.InstanceID)
	log.Info("[ROUTER] Auto-reply sent")

	out := domainMessage.Message{
		ProviderID: providerID,
		InstanceID: in.InstanceID,
		Direction:  domainMessage.DirectionOut,
		ChatID:     in.ChatID,
		ChatName:   in.ChatName,
		Kind:       domainMessage.KindText,
		Body:       text,
		Timestamp:  time.Now().UTC(),
		Status:     domainMessage.StatusSent,
		Auto:       true,
		FromAPI:    true,
	}
	if err := r.Route(ctx, out); err != nil {
		log.WithError(err).Error("[ROUTER] Failed to record auto-reply")
	}
}

// HandleRelayReply sends an operator reply made in the relay channel to the
// conversation of the post it answers, then marks the reply with the outcome.
// Failed sends are never retried.
func (r *Router) HandleRelayReply(ctx context.Context, reply domain.RelayReply) error {
	parent, err := r.store.FindByRelayID(ctx, reply.ChatID, reply.ReplyToID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve relay message %d: %w", reply.ReplyToID, err)
	}
	if parent.Direction != domainMessage.DirectionIn {
		return nil
	}

	log := logrus.WithFields(logrus.Fields{
		"instance_id": parent.InstanceID,
		"chat_id":     parent.ChatID,
		"relay_msg":   reply.RelayMessageID,
	})

	var providerID string
	kind := domainMessage.KindText
	if reply.File != nil {
		providerID, err = r.instances.SendFile(ctx, parent.InstanceID, parent.ChatID, reply.Text, *reply.File)
		kind = fileKind(reply.File.MimeType)
	} else {
		providerID, err = r.instances.Send(ctx, parent.InstanceID, parent.ChatID, reply.Text, "")
	}

	if err != nil {
		log.WithError(err).Warn("[ROUTER] Relay reply failed")
		r.react(ctx, reply, ReactionFailed)
		r.notify(ctx, parent, "send failed: "+err.Error())
		return nil
	}

	out := domainMessage.Message{
		ProviderID:     providerID,
		InstanceID:     parent.InstanceID,
		Direction:      domainMessage.DirectionOut,
		ChatID:         parent.ChatID,
		SenderName:     reply.From,
		ChatName:       parent.ChatName,
		Kind:           kind,
		Body:           reply.Text,
		Timestamp:      time.Now().UTC(),
		Status:         domainMessage.StatusSent,
		QuotedID:       parent.ProviderID,
		RelayChatID:    reply.ChatID,
		RelayMessageID: reply.RelayMessageID,
		FromAPI:        true,
	}
	if reply.File != nil {
		out.Media = &domainMessage.Media{FileName: reply.File.FileName, MimeType: reply.File.MimeType}
	}
	if err := r.Route(ctx, out); err != nil {
		log.WithError(err).Error("[ROUTER] Failed to record relay reply")
	}
	r.react(ctx, reply, ReactionSent)
	return nil
}

func (r *Router) react(ctx context.Context, reply domain.RelayReply, emoji string) {
	if r.relay == nil {
		return
	}
	if err := r.relay.React(ctx, reply.ChatID, reply.RelayMessageID, emoji); err != nil {
		logrus.WithError(err).WithField("relay_msg", reply.RelayMessageID).Warn("[ROUTER] Cannot set reaction")
	}
}

// ApplyStatus stores a delivery status and rebroadcasts the result. Failed
// deliveries also leave a system notice in the conversation. A status for an
// unknown message returns domain.ErrNotFound.
func (r *Router) ApplyStatus(ctx context.Context, upd domainMessage.StatusUpdate) error {
	msg, applied, err := r.store.UpdateStatus(ctx, upd)
	if errors.Is(err, domain.ErrNotFound) {
		// usually the send that created the message is still being stored;
		// the error makes the delivery come back later
		logrus.WithFields(logrus.Fields{
			"instance_id": upd.InstanceID,
			"message_id":  upd.ProviderID,
			"status":      upd.Status,
		}).Warn("[ROUTER] Status for a message not stored yet")
		return fmt.Errorf("status %s for %s: %w", upd.Status, upd.ProviderID, err)
	}
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if msg.InstanceID != upd.InstanceID {
		return fmt.Errorf("%w: status for %s resolved to instance %s", domain.ErrInvariantViolation, upd.InstanceID, msg.InstanceID)
	}

	r.broadcast.Broadcast(ctx, domain.Broadcast{
		Code:    domain.BroadcastMessageStatus,
		Message: string(msg.Status),
		Result: map[string]any{
			"instance_id": msg.InstanceID,
			"provider_id": msg.ProviderID,
			"chat_id":     msg.ChatID,
			"status":      msg.Status,
			"applied":     applied,
		},
	})
	if !applied {
		return nil
	}
	r.publish(ctx, domainEvent.TopicMessageStatus, upd.InstanceID, upd)

	if upd.Status == domainMessage.StatusFailed {
		r.notify(ctx, msg, "API error ("+upd.Description+")")
	}
	return nil
}

// notify records a system notice next to orig and shows it live.
func (r *Router) notify(ctx context.Context, orig domainMessage.Message, reason string) {
	sys := domainMessage.Message{
		ProviderID: "sys-" + uuid.NewString(),
		InstanceID: orig.InstanceID,
		Direction:  domainMessage.DirectionSystem,
		ChatID:     orig.ChatID,
		ChatName:   orig.ChatName,
		Kind:       domainMessage.KindText,
		Body:       "⚠️ Delivery problem\n" + reason,
		Timestamp:  time.Now().UTC(),
		Status:     domainMessage.StatusIncoming,
		QuotedID:   orig.ProviderID,
	}
	if _, err := r.store.SaveMessage(ctx, sys); err != nil {
		logrus.WithError(err).WithField("instance_id", orig.InstanceID).Error("[ROUTER] Failed to store notification")
	}
	r.broadcast.Broadcast(ctx, domain.Broadcast{
		Code:    domain.BroadcastNotification,
		Message: reason,
		Result:  sys,
	})
}

func (r *Router) publish(ctx context.Context, topic domainEvent.Topic, key string, payload any) {
	if r.events == nil {
		return
	}
	evt, err := domainEvent.New(topic, key, payload)
	if err == nil {
		err = r.events.Publish(ctx, evt)
	}
	if err != nil {
		logrus.WithError(err).WithField("topic", topic).Warn("[ROUTER] Event publish failed")
	}
}

func fileKind(mime string) domainMessage.Kind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return domainMessage.KindImage
	case strings.HasPrefix(mime, "video/"):
		return domainMessage.KindVideo
	case strings.HasPrefix(mime, "audio/"):
		return domainMessage.KindAudio
	}
	return domainMessage.KindDocument
}
