package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/AzielCF/az-bridge/infrastructure/greenapi"
	"github.com/sirupsen/logrus"
)

var ErrImportRunning = errors.New("history import already running")

const (
	// roughly ten years, the provider caps the lookback itself
	historyLookbackMinutes = 10 * 365 * 24 * 60
	// maximum the provider hands out per chat
	historyChatLimit = 10000
)

var historyFileTypes = map[string]struct{}{
	"imageMessage":    {},
	"videoMessage":    {},
	"audioMessage":    {},
	"documentMessage": {},
	"stickerMessage":  {},
}

type HistorySource interface {
	LastIncoming(ctx context.Context, minutes int) ([]greenapi.HistoryEntry, error)
	LastOutgoing(ctx context.Context, minutes int) ([]greenapi.HistoryEntry, error)
	GetChatHistory(ctx context.Context, chatID string, count int) ([]greenapi.HistoryEntry, error)
}

type Ingester interface {
	IngestArchived(ctx context.Context, raw []byte) (Result, error)
}

type ChatImport struct {
	ChatID  string `json:"chat_id"`
	Total   int    `json:"total"`
	Saved   int    `json:"saved"`
	Skipped int    `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

type HistoryReport struct {
	InstanceID string       `json:"instance_id"`
	Incoming   int          `json:"incoming"`
	Outgoing   int          `json:"outgoing"`
	Chats      []ChatImport `json:"chats"`
}

func (r HistoryReport) Saved() int {
	n := 0
	for _, c := range r.Chats {
		n += c.Saved
	}
	return n
}

// HistoryImporter replays provider chat history through the ingestor as
// archived deliveries. Re-imports are cheap because ingestion dedupes.
type HistoryImporter struct {
	ingest Ingester

	mu      sync.Mutex
	running map[string]struct{}

	// Notify receives human readable progress, best effort.
	Notify func(ctx context.Context, instanceID, text string)
}

func NewHistoryImporter(ingest Ingester) *HistoryImporter {
	return &HistoryImporter{ingest: ingest, running: make(map[string]struct{})}
}

func (h *HistoryImporter) Running(instanceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.running[instanceID]
	return ok
}

func (h *HistoryImporter) lock(instanceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.running[instanceID]; busy {
		return false
	}
	h.running[instanceID] = struct{}{}
	return true
}

func (h *HistoryImporter) unlock(instanceID string) {
	h.mu.Lock()
	delete(h.running, instanceID)
	h.mu.Unlock()
}

// Import runs one import for instanceID. A second call while one is running
// fails with ErrImportRunning.
func (h *HistoryImporter) Import(ctx context.Context, instanceID string, src HistorySource) (HistoryReport, error) {
	if !h.lock(instanceID) {
		return HistoryReport{}, ErrImportRunning
	}
	defer h.unlock(instanceID)

	report := HistoryReport{InstanceID: instanceID}
	log := logrus.WithField("instance_id", instanceID)
	h.notify(ctx, instanceID, fmt.Sprintf("History import started for instance %s", instanceID))

	inc, err := src.LastIncoming(ctx, historyLookbackMinutes)
	if err != nil {
		return report, fmt.Errorf("last incoming: %w", err)
	}
	out, err := src.LastOutgoing(ctx, historyLookbackMinutes)
	if err != nil {
		return report, fmt.Errorf("last outgoing: %w", err)
	}
	report.Incoming, report.Outgoing = len(inc), len(out)

	chats := make(map[string]struct{})
	for _, e := range append(inc, out...) {
		if id := e.String("chatId"); id != "" {
			chats[id] = struct{}{}
		}
	}
	chatIDs := make([]string, 0, len(chats))
	for id := range chats {
		chatIDs = append(chatIDs, id)
	}
	sort.Strings(chatIDs)

	log.Infof("[HISTORY] lastIncoming=%d lastOutgoing=%d chats=%d", len(inc), len(out), len(chatIDs))
	h.notify(ctx, instanceID, fmt.Sprintf("Found %d incoming and %d outgoing messages in %d chats, saving...", len(inc), len(out), len(chatIDs)))

	for _, chatID := range chatIDs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Chats = append(report.Chats, h.importChat(ctx, instanceID, chatID, src))
	}

	var summary strings.Builder
	fmt.Fprintf(&summary, "History import for instance %s finished", instanceID)
	for _, c := range report.Chats {
		if c.Error != "" {
			fmt.Fprintf(&summary, "\n%s: failed", c.ChatID)
			continue
		}
		fmt.Fprintf(&summary, "\n%s (%d messages): saved %d, skipped %d", c.ChatID, c.Total, c.Saved, c.Skipped)
	}
	h.notify(ctx, instanceID, summary.String())
	log.Infof("[HISTORY] Import finished, saved=%d", report.Saved())
	return report, nil
}

func (h *HistoryImporter) importChat(ctx context.Context, instanceID, chatID string, src HistorySource) ChatImport {
	res := ChatImport{ChatID: chatID}
	log := logrus.WithFields(logrus.Fields{"instance_id": instanceID, "chat_id": chatID})

	entries, err := src.GetChatHistory(ctx, chatID, historyChatLimit)
	if err != nil {
		log.WithError(err).Error("[HISTORY] Chat history download failed")
		res.Error = err.Error()
		return res
	}
	res.Total = len(entries)

	for _, entry := range entries {
		raw, err := HistoryEntryToPayload(entry, instanceID)
		if err != nil {
			res.Skipped++
			continue
		}
		out, err := h.ingest.IngestArchived(ctx, raw)
		if err != nil {
			log.WithError(err).Warn("[HISTORY] Entry not ingested")
			res.Skipped++
			continue
		}
		if out.Kind == ResultMessage {
			res.Saved++
		} else {
			res.Skipped++
		}
	}
	return res
}

func (h *HistoryImporter) notify(ctx context.Context, instanceID, text string) {
	if h.Notify != nil {
		h.Notify(ctx, instanceID, text)
	}
}

// HistoryEntryToPayload rewrites a history entry into the webhook body the
// ingestor understands.
func HistoryEntryToPayload(entry greenapi.HistoryEntry, instanceID string) ([]byte, error) {
	id := entry.String("idMessage")
	chatID := entry.String("chatId")
	mtype := entry.String("typeMessage")
	if id == "" || chatID == "" || mtype == "" {
		return nil, errors.New("history entry without idMessage/chatId/typeMessage")
	}

	typeWebhook := HookIncomingMessage
	if entry.String("type") != "incoming" {
		typeWebhook = HookOutgoingMessage
		if byAPI, _ := entry["sendByApi"].(bool); byAPI {
			typeWebhook = HookOutgoingAPIMessage
		}
	}

	sender := entry.String("senderId")
	if sender == "" {
		sender = chatID
	}
	md := map[string]any{"typeMessage": mtype}

	switch mtype {
	case "textMessage":
		md["textMessageData"] = map[string]any{"textMessage": entry["textMessage"]}
	case "extendedTextMessage":
		text := entry.String("textMessage")
		if ext, ok := entry["extendedTextMessage"].(map[string]any); ok && text == "" {
			text, _ = ext["text"].(string)
		}
		md["extendedTextMessageData"] = map[string]any{"text": text}
	case "reactionMessage":
		md["extendedTextMessageData"] = entry["extendedTextMessageData"]
		if q, ok := entry["quotedMessage"]; ok {
			md["quotedMessage"] = q
		}
	case "quotedMessage":
		md["extendedTextMessageData"] = entry["extendedTextMessage"]
		md["quotedMessage"] = entry["quotedMessage"]
	case "locationMessage":
		md["locationMessageData"] = entry["location"]
	case "contactMessage":
		md["contactMessageData"] = entry["contact"]
	case "contactsArrayMessage":
		md["messageData"] = map[string]any{"contacts": entry["contacts"]}
	case "pollMessage", "pollUpdateMessage":
		md["pollMessageData"] = entry["pollMessageData"]
	case "interactiveButtons":
		md["interactiveButtons"] = entry["interactiveButtons"]
	default:
		if _, ok := historyFileTypes[mtype]; ok {
			md["fileMessageData"] = map[string]any{
				"downloadUrl": entry.String("downloadUrl"),
				"caption":     entry.String("caption"),
				"fileName":    entry.String("fileName"),
				"mimeType":    entry.String("mimeType"),
			}
		}
	}

	payload := map[string]any{
		"typeWebhook":  typeWebhook,
		"idMessage":    id,
		"timestamp":    entry["timestamp"],
		"instanceData": map[string]any{"idInstance": json.Number(instanceID)},
		"senderData": map[string]any{
			"chatId":     chatID,
			"sender":     sender,
			"chatName":   entry.String("senderName"),
			"senderName": entry.String("senderName"),
		},
		"messageData": md,
	}
	if st := entry.String("statusMessage"); st != "" {
		payload["status"] = st
	}
	return json.Marshal(payload)
}
