// Package domain declares the collaborators the gateway core talks to.
// Implementations live under infrastructure/ and gateway/repository.
package domain

import (
	"context"
	"errors"
	"time"

	domainInstance "github.com/AzielCF/az-bridge/domains/instance"
	domainMessage "github.com/AzielCF/az-bridge/domains/message"
)

var ErrNotFound = errors.New("not found")

// Storage persists canonical messages and instance snapshots. SaveMessage is
// idempotent on (instance id, provider id).
type Storage interface {
	SaveMessage(ctx context.Context, msg domainMessage.Message) (created bool, err error)
	// UpdateStatus applies upd when it moves the status forward and returns
	// the stored message with the status it ended up with.
	UpdateStatus(ctx context.Context, upd domainMessage.StatusUpdate) (msg domainMessage.Message, applied bool, err error)
	SetRelayMessage(ctx context.Context, instanceID, providerID string, relayChatID int64, relayMessageID int) error
	FindByRelayID(ctx context.Context, relayChatID int64, relayMessageID int) (domainMessage.Message, error)
	SaveInstanceSnapshot(ctx context.Context, snap domainInstance.Snapshot) error
	ListInstanceSnapshots(ctx context.Context) ([]domainInstance.Snapshot, error)
	ListInstanceConfigs(ctx context.Context) ([]domainInstance.Config, error)
	GetInstanceConfig(ctx context.Context, id string) (domainInstance.Config, error)
}

// ConfigStore is the operator-side write path for instance configuration.
type ConfigStore interface {
	UpsertInstanceConfig(ctx context.Context, cfg domainInstance.Config) error
	DeleteInstanceConfig(ctx context.Context, id string) error
	GetInstanceConfig(ctx context.Context, id string) (domainInstance.Config, error)
	ListInstanceConfigs(ctx context.Context) ([]domainInstance.Config, error)
	ListInstanceSnapshots(ctx context.Context) ([]domainInstance.Snapshot, error)
}

const (
	BroadcastNewMessage     = "NEW_MESSAGE"
	BroadcastMessageStatus  = "MESSAGE_STATUS"
	BroadcastInstanceStatus = "INSTANCE_STATUS"
	BroadcastNotification   = "NOTIFICATION"
)

// Broadcast is what the live chat receives, shaped like the web hub frames.
type Broadcast struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Result   any    `json:"result"`
	SenderID string `json:"sender_id,omitempty"`
}

// Broadcaster is fire-and-forget; failures are logged by the implementation.
type Broadcaster interface {
	Broadcast(ctx context.Context, b Broadcast)
}

// RelayPost is a normalized message rendered into the relay channel.
type RelayPost struct {
	ChatID     int64
	InstanceID string
	Message    domainMessage.Message
}

type Relay interface {
	Post(ctx context.Context, post RelayPost) (relayMessageID int, err error)
	React(ctx context.Context, chatID int64, relayMessageID int, emoji string) error
	// Announce posts a plain service notice (state changes, import progress).
	Announce(ctx context.Context, chatID int64, text string) error
}

// OutgoingFile is an attachment sent through the provider upload endpoint.
type OutgoingFile struct {
	FileName string
	MimeType string
	Content  []byte
}

// RelayReply is an operator reply written against a relayed post.
type RelayReply struct {
	ChatID         int64
	ReplyToID      int
	RelayMessageID int
	Text           string
	From           string
	File           *OutgoingFile
}

// DedupStore remembers keys for ttl. Seen returns true when key was
// already marked.
type DedupStore interface {
	Seen(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, key string) error
}
