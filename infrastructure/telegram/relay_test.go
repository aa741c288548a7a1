package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	domainMessage "github.com/AzielCF/az-bridge/domains/message"
	"github.com/AzielCF/az-bridge/gateway/domain"
	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBot struct {
	mu        sync.Mutex
	messages  []*telego.SendMessageParams
	photos    []*telego.SendPhotoParams
	photoErr  error
	reactErr  error
	reactions []*telego.SetMessageReactionParams
	fileURL   string
	fileSize  int64
}

func (b *fakeBot) SendMessage(ctx context.Context, p *telego.SendMessageParams) (*telego.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, p)
	return &telego.Message{MessageID: 100 + len(b.messages)}, nil
}

func (b *fakeBot) SendPhoto(ctx context.Context, p *telego.SendPhotoParams) (*telego.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.photos = append(b.photos, p)
	if b.photoErr != nil {
		return nil, b.photoErr
	}
	return &telego.Message{MessageID: 200}, nil
}

func (b *fakeBot) SendDocument(ctx context.Context, p *telego.SendDocumentParams) (*telego.Message, error) {
	return &telego.Message{MessageID: 300}, nil
}

func (b *fakeBot) SetMessageReaction(ctx context.Context, p *telego.SetMessageReactionParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reactions = append(b.reactions, p)
	return b.reactErr
}

func (b *fakeBot) GetFile(ctx context.Context, p *telego.GetFileParams) (*telego.File, error) {
	return &telego.File{FileID: p.FileID, FilePath: "documents/file_1.pdf", FileSize: b.fileSize}, nil
}

func (b *fakeBot) FileDownloadURL(filepath string) string { return b.fileURL + "/" + filepath }

func incomingText() domainMessage.Message {
	return domainMessage.Message{
		ProviderID: "M1",
		InstanceID: "1101",
		Direction:  domainMessage.DirectionIn,
		ChatID:     "79990001122@c.us",
		ChatName:   "Ivan <VIP>",
		Kind:       domainMessage.KindText,
		Body:       "hello & bye",
	}
}

func buttonURL(t *testing.T, markup telego.ReplyMarkup) string {
	t.Helper()
	kb, ok := markup.(*telego.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, kb.InlineKeyboard, 1)
	require.Len(t, kb.InlineKeyboard[0], 1)
	return kb.InlineKeyboard[0][0].URL
}

func TestRelay_PostRendersIncomingWithChatLink(t *testing.T) {
	bot := &fakeBot{}
	r := newRelay(bot, Config{WebHost: "bridge.example.com"})

	id, err := r.Post(context.Background(), domain.RelayPost{ChatID: -100500, InstanceID: "1101", Message: incomingText()})
	require.NoError(t, err)
	assert.Equal(t, 101, id)

	require.Len(t, bot.messages, 1)
	sent := bot.messages[0]
	assert.Equal(t, telego.ModeHTML, sent.ParseMode)
	assert.Contains(t, sent.Text, "Ivan &lt;VIP&gt;")
	assert.Contains(t, sent.Text, "<code>79990001122</code>")
	assert.Contains(t, sent.Text, "hello &amp; bye")
	assert.Equal(t, "https://bridge.example.com/chat/1101/79990001122", buttonURL(t, sent.ReplyMarkup))
}

func TestRelay_GroupLinkHasSuffix(t *testing.T) {
	assert.Equal(t, "120363-g", chatLinkID("120363@g.us"))
	assert.Equal(t, "7999", chatLinkID("+7999@c.us"))
}

func TestRelay_NoHostNoButton(t *testing.T) {
	bot := &fakeBot{}
	r := newRelay(bot, Config{})
	_, err := r.Post(context.Background(), domain.RelayPost{ChatID: 1, InstanceID: "1101", Message: incomingText()})
	require.NoError(t, err)
	assert.Nil(t, bot.messages[0].ReplyMarkup)
}

func TestRelay_MediaFallsBackToLink(t *testing.T) {
	bot := &fakeBot{photoErr: errors.New("wrong file identifier")}
	r := newRelay(bot, Config{})
	msg := incomingText()
	msg.Kind = domainMessage.KindImage
	msg.Media = &domainMessage.Media{URL: "https://media.example/a.jpg"}

	id, err := r.Post(context.Background(), domain.RelayPost{ChatID: 1, InstanceID: "1101", Message: msg})
	require.NoError(t, err)
	assert.Equal(t, 101, id)
	require.Len(t, bot.photos, 1)
	assert.Contains(t, bot.messages[0].Text, "https://media.example/a.jpg")
}

func TestRelay_OutgoingIsBodyOnly(t *testing.T) {
	msg := incomingText()
	msg.Direction = domainMessage.DirectionOut
	assert.Equal(t, "hello &amp; bye", renderPost(msg))

	msg.Body = ""
	assert.Equal(t, "—", renderPost(msg))
}

func TestRelay_ReactFallsBackToReply(t *testing.T) {
	bot := &fakeBot{reactErr: errors.New("REACTION_INVALID")}
	r := newRelay(bot, Config{})

	require.NoError(t, r.React(context.Background(), -100500, 77, "👍"))
	require.Len(t, bot.reactions, 1)
	require.Len(t, bot.messages, 1)
	assert.Equal(t, "👍", bot.messages[0].Text)
	assert.Equal(t, 77, bot.messages[0].ReplyParameters.MessageID)
}

func TestRelay_ReplyWithDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/documents/file_1.pdf", r.URL.Path)
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()

	bot := &fakeBot{fileURL: srv.URL}
	r := newRelay(bot, Config{})
	reply, ok := r.replyFrom(context.Background(), &telego.Message{
		MessageID:       78,
		Chat:            telego.Chat{ID: -100500},
		Caption:         "invoice",
		AuthorSignature: "Anna",
		ReplyToMessage:  &telego.Message{MessageID: 77},
		Document:        &telego.Document{FileID: "F1", FileName: "invoice.pdf", MimeType: "application/pdf"},
	})
	require.True(t, ok)
	assert.Equal(t, int64(-100500), reply.ChatID)
	assert.Equal(t, 77, reply.ReplyToID)
	assert.Equal(t, 78, reply.RelayMessageID)
	assert.Equal(t, "invoice", reply.Text)
	assert.Equal(t, "Anna", reply.From)
	require.NotNil(t, reply.File)
	assert.Equal(t, "invoice.pdf", reply.File.FileName)
	assert.Equal(t, []byte("%PDF-1.4"), reply.File.Content)
}

func TestRelay_OversizedAttachmentWithoutTextIsDropped(t *testing.T) {
	bot := &fakeBot{fileSize: 50 * 1024 * 1024}
	r := newRelay(bot, Config{})
	_, ok := r.replyFrom(context.Background(), &telego.Message{
		MessageID:      78,
		Chat:           telego.Chat{ID: -100500},
		ReplyToMessage: &telego.Message{MessageID: 77},
		Document:       &telego.Document{FileID: "F1"},
	})
	assert.False(t, ok)
}

func TestRelay_NonReplyIgnored(t *testing.T) {
	r := newRelay(&fakeBot{}, Config{})
	_, ok := r.replyFrom(context.Background(), &telego.Message{MessageID: 5, Text: "hi"})
	assert.False(t, ok)
}
