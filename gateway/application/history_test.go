package application

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	domainMessage "github.com/AzielCF/az-bridge/domains/message"
	"github.com/AzielCF/az-bridge/gateway/repository"
	"github.com/AzielCF/az-bridge/infrastructure/greenapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	incoming []greenapi.HistoryEntry
	outgoing []greenapi.HistoryEntry
	chats    map[string][]greenapi.HistoryEntry
	failChat string
	block    chan struct{}
}

func (h *fakeHistory) LastIncoming(ctx context.Context, minutes int) ([]greenapi.HistoryEntry, error) {
	if h.block != nil {
		<-h.block
	}
	return h.incoming, nil
}

func (h *fakeHistory) LastOutgoing(ctx context.Context, minutes int) ([]greenapi.HistoryEntry, error) {
	return h.outgoing, nil
}

func (h *fakeHistory) GetChatHistory(ctx context.Context, chatID string, count int) ([]greenapi.HistoryEntry, error) {
	if chatID == h.failChat {
		return nil, errors.New("boom")
	}
	return h.chats[chatID], nil
}

func textEntry(id, chatID, direction, text string) greenapi.HistoryEntry {
	return greenapi.HistoryEntry{
		"type":        direction,
		"idMessage":   id,
		"timestamp":   float64(1700000000),
		"typeMessage": "textMessage",
		"chatId":      chatID,
		"senderId":    chatID,
		"senderName":  "Ivan",
		"textMessage": text,
	}
}

func TestHistoryEntryToPayload_Text(t *testing.T) {
	raw, err := HistoryEntryToPayload(textEntry("H1", "79991112233@c.us", "incoming", "old"), "1101")
	require.NoError(t, err)

	var p webhookPayload
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, HookIncomingMessage, p.TypeWebhook)
	assert.Equal(t, "1101", p.InstanceData.IDInstance.String())
	assert.Equal(t, int64(1700000000), p.Timestamp)
	assert.Equal(t, "old", p.MessageData.TextMessageData.TextMessage)
	assert.False(t, p.Archived)
}

func TestHistoryEntryToPayload_OutgoingByAPIWithStatus(t *testing.T) {
	entry := textEntry("H2", "79991112233@c.us", "outgoing", "sent from api")
	entry["sendByApi"] = true
	entry["statusMessage"] = "read"

	raw, err := HistoryEntryToPayload(entry, "1101")
	require.NoError(t, err)
	msg, err := normalizeFromRaw(raw)
	require.NoError(t, err)
	assert.Equal(t, domainMessage.DirectionOut, msg.Direction)
	assert.True(t, msg.FromAPI)
	assert.Equal(t, domainMessage.StatusRead, msg.Status)
}

func TestHistoryEntryToPayload_Location(t *testing.T) {
	entry := greenapi.HistoryEntry{
		"type":        "incoming",
		"idMessage":   "H3",
		"timestamp":   float64(1700000001),
		"typeMessage": "locationMessage",
		"chatId":      "79991112233@c.us",
		"location":    map[string]any{"nameLocation": "Home", "latitude": 1.5, "longitude": 2.5},
	}
	raw, err := HistoryEntryToPayload(entry, "1101")
	require.NoError(t, err)
	msg, err := normalizeFromRaw(raw)
	require.NoError(t, err)
	assert.Equal(t, domainMessage.KindConverted, msg.Kind)
	assert.Contains(t, msg.Body, "lat. 1.5, lon. 2.5")
}

func TestHistoryEntryToPayload_Incomplete(t *testing.T) {
	_, err := HistoryEntryToPayload(greenapi.HistoryEntry{"idMessage": "x"}, "1101")
	assert.Error(t, err)
}

func normalizeFromRaw(raw []byte) (domainMessage.Message, error) {
	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domainMessage.Message{}, err
	}
	return normalizeMessage(p)
}

func TestHistoryImporter_ImportIsArchivedAndIdempotent(t *testing.T) {
	f := newIngestFixture()
	f.instances.autoReplies["1101"] = "We are closed"
	importer := NewHistoryImporter(f.ingestor)
	var notes []string
	importer.Notify = func(ctx context.Context, instanceID, text string) { notes = append(notes, text) }

	chatA, chatB := "79991112233@c.us", "79994445566@c.us"
	src := &fakeHistory{
		incoming: []greenapi.HistoryEntry{textEntry("A1", chatA, "incoming", "a1")},
		outgoing: []greenapi.HistoryEntry{textEntry("B1", chatB, "outgoing", "b1")},
		chats: map[string][]greenapi.HistoryEntry{
			chatA: {textEntry("A1", chatA, "incoming", "a1"), textEntry("A2", chatA, "outgoing", "a2")},
			chatB: {textEntry("B1", chatB, "outgoing", "b1"), {"idMessage": "broken"}},
		},
	}

	report, err := importer.Import(context.Background(), "1101", src)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Saved())
	require.Len(t, report.Chats, 2)
	assert.Equal(t, chatA, report.Chats[0].ChatID)
	assert.Equal(t, 1, report.Chats[1].Skipped)

	assert.Len(t, f.store.all(), 3)
	assert.Empty(t, f.relay.posts)
	assert.Empty(t, f.broadcast.codes())
	assert.Zero(t, f.instances.sentCount())
	require.Len(t, notes, 3)
	assert.Contains(t, notes[2], "saved 2, skipped 0")

	again, err := importer.Import(context.Background(), "1101", src)
	require.NoError(t, err)
	assert.Zero(t, again.Saved())
	assert.Len(t, f.store.all(), 3)
}

func TestHistoryImporter_ChatFailureIsReported(t *testing.T) {
	f := newIngestFixture()
	importer := NewHistoryImporter(f.ingestor)
	src := &fakeHistory{
		incoming: []greenapi.HistoryEntry{textEntry("A1", "x@c.us", "incoming", "a")},
		failChat: "x@c.us",
	}
	report, err := importer.Import(context.Background(), "1101", src)
	require.NoError(t, err)
	require.Len(t, report.Chats, 1)
	assert.Equal(t, "boom", report.Chats[0].Error)
}

func TestHistoryImporter_RejectsConcurrentImport(t *testing.T) {
	importer := NewHistoryImporter(NewIngestor(repository.NewMemoryDedupStore(), newRouterFixture().router, newFakeInstances("1101"), time.Hour))
	src := &fakeHistory{block: make(chan struct{})}

	done := make(chan error, 1)
	go func() {
		_, err := importer.Import(context.Background(), "1101", src)
		done <- err
	}()
	require.Eventually(t, func() bool { return importer.Running("1101") }, time.Second, 5*time.Millisecond)

	_, err := importer.Import(context.Background(), "1101", &fakeHistory{})
	assert.ErrorIs(t, err, ErrImportRunning)

	// other instances are independent
	_, err = importer.Import(context.Background(), "1102", &fakeHistory{})
	assert.NoError(t, err)

	close(src.block)
	require.NoError(t, <-done)
	assert.False(t, importer.Running("1101"))
}
