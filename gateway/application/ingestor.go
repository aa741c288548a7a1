package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	domainMessage "github.com/AzielCF/az-bridge/domains/message"
	"github.com/AzielCF/az-bridge/gateway/domain"
	"github.com/sirupsen/logrus"
)

const DefaultDedupTTL = 24 * time.Hour

type ResultKind string

const (
	ResultMessage      ResultKind = "message"
	ResultStatusUpdate ResultKind = "status_update"
	ResultStateChange  ResultKind = "state_change"
	ResultDuplicate    ResultKind = "duplicate"
	ResultUnrecognized ResultKind = "unrecognized"
	ResultIgnored      ResultKind = "ignored"
)

// Result describes what one webhook delivery turned into.
type Result struct {
	Kind          ResultKind                  `json:"kind"`
	InstanceID    string                      `json:"instance_id,omitempty"`
	TypeWebhook   string                      `json:"type_webhook,omitempty"`
	Message       *domainMessage.Message      `json:"message,omitempty"`
	Status        *domainMessage.StatusUpdate `json:"status,omitempty"`
	ProviderState string                      `json:"provider_state,omitempty"`
	Reason        string                      `json:"reason,omitempty"`
}

// MessageSink receives canonical messages and status updates.
type MessageSink interface {
	Route(ctx context.Context, msg domainMessage.Message) error
	ApplyStatus(ctx context.Context, upd domainMessage.StatusUpdate) error
}

// InstanceDirectory is the ingestor's view of the managed instances.
type InstanceDirectory interface {
	Has(instanceID string) bool
	ApplyProviderState(ctx context.Context, instanceID, providerState string) error
	DownloadURL(ctx context.Context, instanceID, chatID, messageID string) (string, error)
}

type IngestStats struct {
	ByKind       map[ResultKind]int64 `json:"by_kind"`
	Unrecognized map[string]int64     `json:"unrecognized"`
}

// Ingestor turns raw webhook bodies into canonical facts. A delivery whose
// provider id was already seen for the instance is reported as a duplicate
// and causes no side effects.
type Ingestor struct {
	dedup     domain.DedupStore
	sink      MessageSink
	instances InstanceDirectory
	ttl       time.Duration

	mu           sync.Mutex
	byKind       map[ResultKind]int64
	unrecognized map[string]int64
}

func NewIngestor(dedup domain.DedupStore, sink MessageSink, instances InstanceDirectory, ttl time.Duration) *Ingestor {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Ingestor{
		dedup:        dedup,
		sink:         sink,
		instances:    instances,
		ttl:          ttl,
		byKind:       make(map[ResultKind]int64),
		unrecognized: make(map[string]int64),
	}
}

// InstanceIDOf extracts instanceData.idInstance without a full decode, so the
// caller can shard deliveries per instance before ingesting them.
func InstanceIDOf(raw []byte) string {
	var probe struct {
		InstanceData struct {
			IDInstance json.Number `json:"idInstance"`
		} `json:"instanceData"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.InstanceData.IDInstance.String()
}

// Ingest handles one provider delivery.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte) (Result, error) {
	return i.ingest(ctx, raw, false)
}

// IngestArchived handles a replayed history entry: stored, never relayed
// or broadcast.
func (i *Ingestor) IngestArchived(ctx context.Context, raw []byte) (Result, error) {
	return i.ingest(ctx, raw, true)
}

func (i *Ingestor) ingest(ctx context.Context, raw []byte, archived bool) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: ingest panic: %v", domain.ErrInvariantViolation, r)
		}
		i.count(res)
	}()

	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return i.unrecognizedResult(p, "malformed json: "+err.Error()), nil
	}
	p.Archived = archived
	res = Result{InstanceID: p.InstanceData.IDInstance.String(), TypeWebhook: p.TypeWebhook}
	if res.InstanceID == "" {
		return i.unrecognizedResult(p, "missing instanceData.idInstance"), nil
	}
	if !i.instances.Has(res.InstanceID) {
		logrus.WithField("instance_id", res.InstanceID).Warn("[INGEST] Webhook for unknown instance, ignored")
		res.Kind, res.Reason = ResultIgnored, domain.ErrUnknownInstance.Error()
		return res, nil
	}

	switch p.TypeWebhook {
	case HookIncomingMessage, HookOutgoingMessage, HookOutgoingAPIMessage:
		return i.ingestMessage(ctx, p, res)
	case HookOutgoingStatus:
		return i.ingestStatus(ctx, p, res)
	case HookIncomingCall:
		return i.ingestCall(ctx, p, res)
	case HookStateChanged:
		if p.StateInstance == "" {
			return i.unrecognizedResult(p, "stateInstanceChanged without stateInstance"), nil
		}
		if err := i.instances.ApplyProviderState(ctx, res.InstanceID, p.StateInstance); err != nil {
			return res, fmt.Errorf("apply provider state %s: %w", p.StateInstance, err)
		}
		res.Kind, res.ProviderState = ResultStateChange, p.StateInstance
		return res, nil
	default:
		return i.unrecognizedResult(p, "unhandled typeWebhook "+p.TypeWebhook), nil
	}
}

func (i *Ingestor) ingestMessage(ctx context.Context, p webhookPayload, res Result) (Result, error) {
	msg, err := normalizeMessage(p)
	if err != nil {
		if errors.Is(err, errIgnoredType) {
			res.Kind, res.Reason = ResultIgnored, p.MessageData.TypeMessage
			return res, nil
		}
		return i.unrecognizedResult(p, err.Error()), nil
	}

	key := dedupKey("msg", res.InstanceID, msg.ProviderID)
	if dup, err := i.claim(ctx, key); err != nil || dup {
		return i.duplicateOr(res, msg.ProviderID, err)
	}

	if msg.Kind.IsMedia() && msg.Media != nil && msg.Media.URL == "" {
		i.resolveMedia(ctx, &msg)
	}

	if err := i.sink.Route(ctx, msg); err != nil {
		i.release(ctx, key)
		return res, fmt.Errorf("route %s: %w", msg.ProviderID, err)
	}
	res.Kind, res.Message = ResultMessage, &msg
	return res, nil
}

func (i *Ingestor) ingestStatus(ctx context.Context, p webhookPayload, res Result) (Result, error) {
	upd, ok := normalizeStatus(p)
	if !ok {
		res.Kind, res.Reason = ResultIgnored, "status "+p.Status
		return res, nil
	}

	key := dedupKey("status", res.InstanceID, upd.ProviderID, string(upd.Status))
	if dup, err := i.claim(ctx, key); err != nil || dup {
		return i.duplicateOr(res, upd.ProviderID, err)
	}
	if err := i.sink.ApplyStatus(ctx, upd); err != nil {
		i.release(ctx, key)
		return res, fmt.Errorf("apply status %s: %w", upd.ProviderID, err)
	}
	res.Kind, res.Status = ResultStatusUpdate, &upd
	return res, nil
}

func (i *Ingestor) ingestCall(ctx context.Context, p webhookPayload, res Result) (Result, error) {
	msg, ok := normalizeCall(p)
	if !ok {
		return i.unrecognizedResult(p, "incomingCall without idMessage/from"), nil
	}
	key := dedupKey("call", res.InstanceID, msg.ProviderID, p.Status)
	if dup, err := i.claim(ctx, key); err != nil || dup {
		return i.duplicateOr(res, msg.ProviderID, err)
	}
	if err := i.sink.Route(ctx, msg); err != nil {
		i.release(ctx, key)
		return res, fmt.Errorf("route call %s: %w", msg.ProviderID, err)
	}
	res.Kind, res.Message = ResultMessage, &msg
	return res, nil
}

func (i *Ingestor) resolveMedia(ctx context.Context, msg *domainMessage.Message) {
	u, err := i.instances.DownloadURL(ctx, msg.InstanceID, msg.ChatID, msg.ProviderID)
	if err == nil && u != "" {
		msg.Media.URL = u
		return
	}
	logrus.WithError(err).WithFields(logrus.Fields{
		"instance_id": msg.InstanceID,
		"message_id":  msg.ProviderID,
	}).Warn("[INGEST] Could not resolve media download url")

	note := fmt.Sprintf("<file could not be fetched (%s)>", msg.Media.FileName)
	if msg.Body != "" {
		msg.Body += "\n" + note
	} else {
		msg.Body = note
	}
}

func (i *Ingestor) claim(ctx context.Context, key string) (bool, error) {
	seen, err := i.dedup.Seen(ctx, key, i.ttl)
	if err != nil {
		return false, fmt.Errorf("dedup %s: %w", key, err)
	}
	return seen, nil
}

func (i *Ingestor) release(ctx context.Context, key string) {
	if err := i.dedup.Forget(ctx, key); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("[INGEST] Failed to release dedup key")
	}
}

func (i *Ingestor) duplicateOr(res Result, providerID string, err error) (Result, error) {
	if err != nil {
		return res, err
	}
	logrus.WithFields(logrus.Fields{
		"instance_id": res.InstanceID,
		"message_id":  providerID,
	}).Debug("[INGEST] Duplicate delivery skipped")
	res.Kind, res.Reason = ResultDuplicate, providerID
	return res, nil
}

func (i *Ingestor) unrecognizedResult(p webhookPayload, reason string) Result {
	typeName := p.TypeWebhook
	if p.MessageData != nil && p.MessageData.TypeMessage != "" {
		typeName += "/" + p.MessageData.TypeMessage
	}
	if typeName == "" {
		typeName = "<none>"
	}
	i.mu.Lock()
	i.unrecognized[typeName]++
	i.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"instance_id": p.InstanceData.IDInstance.String(),
		"type":        typeName,
	}).Warnf("[INGEST] Unrecognized payload: %s", reason)

	return Result{
		Kind:        ResultUnrecognized,
		InstanceID:  p.InstanceData.IDInstance.String(),
		TypeWebhook: p.TypeWebhook,
		Reason:      reason,
	}
}

func (i *Ingestor) count(res Result) {
	if res.Kind == "" {
		return
	}
	i.mu.Lock()
	i.byKind[res.Kind]++
	i.mu.Unlock()
}

func (i *Ingestor) Stats() IngestStats {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := IngestStats{
		ByKind:       make(map[ResultKind]int64, len(i.byKind)),
		Unrecognized: make(map[string]int64, len(i.unrecognized)),
	}
	for k, v := range i.byKind {
		out.ByKind[k] = v
	}
	for k, v := range i.unrecognized {
		out.Unrecognized[k] = v
	}
	return out
}

func dedupKey(parts ...string) string {
	key := parts[0]
	for _, p := range parts[1:] {
		key += ":" + p
	}
	return key
}
