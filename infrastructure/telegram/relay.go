// Package telegram renders bridged messages into Telegram channels and turns
// replies written there into outbound messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	domainMessage "github.com/AzielCF/az-bridge/domains/message"
	"github.com/AzielCF/az-bridge/gateway/domain"
	"github.com/dustin/go-humanize"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/sirupsen/logrus"
)

const (
	maxTextLen    = 4000
	maxCaptionLen = 1000

	DefaultMaxFileSize = 20 * 1024 * 1024
)

var ErrFileTooLarge = errors.New("telegram: file exceeds the download limit")

// botAPI is the part of telego.Bot the relay calls.
type botAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendPhoto(ctx context.Context, params *telego.SendPhotoParams) (*telego.Message, error)
	SendDocument(ctx context.Context, params *telego.SendDocumentParams) (*telego.Message, error)
	SetMessageReaction(ctx context.Context, params *telego.SetMessageReactionParams) error
	GetFile(ctx context.Context, params *telego.GetFileParams) (*telego.File, error)
	FileDownloadURL(filepath string) string
}

// ReplyHandler receives operator replies read from the relay channels.
type ReplyHandler interface {
	HandleRelayReply(ctx context.Context, reply domain.RelayReply) error
}

type Config struct {
	Token string
	// WebHost is the host of the web chat linked under every post.
	WebHost     string
	MaxFileSize int64
	HTTPClient  *http.Client
}

type Relay struct {
	bot        *telego.Bot
	api        botAPI
	webHost    string
	maxFile    int64
	httpClient *http.Client
}

func NewRelay(cfg Config) (*Relay, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	r := newRelay(bot, cfg)
	r.bot = bot
	return r, nil
}

func newRelay(api botAPI, cfg Config) *Relay {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Relay{
		api:        api,
		webHost:    strings.TrimSuffix(strings.TrimPrefix(cfg.WebHost, "https://"), "/"),
		maxFile:    cfg.MaxFileSize,
		httpClient: cfg.HTTPClient,
	}
}

// Post renders one message into its relay channel and returns the Telegram
// message id.
func (r *Relay) Post(ctx context.Context, post domain.RelayPost) (int, error) {
	msg := post.Message
	chatID := tu.ID(post.ChatID)
	markup := r.chatButton(post.InstanceID, msg.ChatID)

	if msg.Media != nil && msg.Media.URL != "" {
		caption := truncate(renderPost(msg), maxCaptionLen)
		var (
			sent *telego.Message
			err  error
		)
		if msg.Kind == domainMessage.KindImage {
			params := &telego.SendPhotoParams{
				ChatID: chatID, Photo: tu.FileFromURL(msg.Media.URL),
				Caption: caption, ParseMode: telego.ModeHTML,
			}
			if markup != nil {
				params.ReplyMarkup = markup
			}
			sent, err = r.api.SendPhoto(ctx, params)
		} else {
			params := &telego.SendDocumentParams{
				ChatID: chatID, Document: tu.FileFromURL(msg.Media.URL),
				Caption: caption, ParseMode: telego.ModeHTML,
			}
			if markup != nil {
				params.ReplyMarkup = markup
			}
			sent, err = r.api.SendDocument(ctx, params)
		}
		if err == nil {
			return sent.MessageID, nil
		}
		// Telegram could not fetch the file; fall back to a text post with the link
		logrus.WithError(err).WithField("instance_id", post.InstanceID).Warn("[RELAY] Media post failed, sending link")
	}

	text := renderPost(msg)
	if msg.Media != nil && msg.Media.URL != "" {
		text += "\n" + html.EscapeString(msg.Media.URL)
	}
	params := &telego.SendMessageParams{
		ChatID:    chatID,
		Text:      truncate(text, maxTextLen),
		ParseMode: telego.ModeHTML,
		LinkPreviewOptions: &telego.LinkPreviewOptions{
			IsDisabled: true,
		},
	}
	if markup != nil {
		params.ReplyMarkup = markup
	}
	sent, err := r.api.SendMessage(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("relay post to %d: %w", post.ChatID, err)
	}
	return sent.MessageID, nil
}

func (r *Relay) React(ctx context.Context, chatID int64, relayMessageID int, emoji string) error {
	err := r.api.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chatID),
		MessageID: relayMessageID,
		Reaction:  []telego.ReactionType{&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji}},
	})
	if err == nil {
		return nil
	}
	// some chats forbid reactions; answer with the emoji instead
	_, sendErr := r.api.SendMessage(ctx, &telego.SendMessageParams{
		ChatID:          tu.ID(chatID),
		Text:            emoji,
		ReplyParameters: &telego.ReplyParameters{MessageID: relayMessageID},
	})
	if sendErr != nil {
		return fmt.Errorf("react %d/%d: %w", chatID, relayMessageID, err)
	}
	return nil
}

func (r *Relay) Announce(ctx context.Context, chatID int64, text string) error {
	_, err := r.api.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: tu.ID(chatID),
		Text:   truncate(text, maxTextLen),
	})
	if err != nil {
		return fmt.Errorf("announce to %d: %w", chatID, err)
	}
	return nil
}

// Listen long-polls the bot until ctx is done and hands every reply written
// against a relayed post to h.
func (r *Relay) Listen(ctx context.Context, h ReplyHandler) error {
	if r.bot == nil {
		return errors.New("telegram: relay has no bot")
	}
	updates, err := r.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "channel_post"},
	})
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	bh, err := th.NewBotHandler(r.bot, updates)
	if err != nil {
		return fmt.Errorf("failed to create bot handler: %w", err)
	}
	bh.Handle(func(hctx *th.Context, update telego.Update) error {
		r.handleUpdate(hctx, h, update)
		return nil
	})

	go bh.Start()
	go func() {
		<-ctx.Done()
		bh.Stop()
	}()
	logrus.Infof("[RELAY] Listening for replies as @%s", r.bot.Username())
	return nil
}

func (r *Relay) handleUpdate(ctx context.Context, h ReplyHandler, update telego.Update) {
	msg := update.ChannelPost
	if msg == nil {
		msg = update.Message
	}
	reply, ok := r.replyFrom(ctx, msg)
	if !ok {
		return
	}
	if err := h.HandleRelayReply(ctx, reply); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"chat_id":  reply.ChatID,
			"reply_to": reply.ReplyToID,
		}).Error("[RELAY] Reply handling failed")
	}
}

func (r *Relay) replyFrom(ctx context.Context, msg *telego.Message) (domain.RelayReply, bool) {
	if msg == nil || msg.ReplyToMessage == nil {
		return domain.RelayReply{}, false
	}
	reply := domain.RelayReply{
		ChatID:         msg.Chat.ID,
		ReplyToID:      msg.ReplyToMessage.MessageID,
		RelayMessageID: msg.MessageID,
		Text:           msg.Text,
		From:           author(msg),
	}
	if reply.Text == "" {
		reply.Text = msg.Caption
	}

	fileID, name, mime := attachment(msg)
	if fileID != "" {
		file, err := r.download(ctx, fileID, name, mime)
		if err != nil {
			logrus.WithError(err).WithField("chat_id", reply.ChatID).Warn("[RELAY] Attachment download failed")
			if reply.Text == "" {
				return domain.RelayReply{}, false
			}
		} else {
			reply.File = file
		}
	}
	if reply.Text == "" && reply.File == nil {
		return domain.RelayReply{}, false
	}
	return reply, true
}

func (r *Relay) download(ctx context.Context, fileID, name, mime string) (*domain.OutgoingFile, error) {
	file, err := r.api.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, err
	}
	if file.FileSize > 0 && int64(file.FileSize) > r.maxFile {
		return nil, fmt.Errorf("%w: %s > %s", ErrFileTooLarge,
			humanize.Bytes(uint64(file.FileSize)), humanize.Bytes(uint64(r.maxFile)))
	}
	if file.FilePath == "" {
		return nil, errors.New("telegram: file has no download path")
	}
	if name == "" {
		name = path.Base(file.FilePath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.api.FileDownloadURL(file.FilePath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram: file download status %d", resp.StatusCode)
	}
	content, err := io.ReadAll(io.LimitReader(resp.Body, r.maxFile+1))
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > r.maxFile {
		return nil, ErrFileTooLarge
	}
	if mime == "" {
		mime = http.DetectContentType(content)
	}
	logrus.Debugf("[RELAY] Downloaded %s (%s)", name, humanize.Bytes(uint64(len(content))))
	return &domain.OutgoingFile{FileName: name, MimeType: mime, Content: content}, nil
}

func attachment(msg *telego.Message) (fileID, name, mime string) {
	switch {
	case msg.Document != nil:
		return msg.Document.FileID, msg.Document.FileName, msg.Document.MimeType
	case len(msg.Photo) > 0:
		return msg.Photo[len(msg.Photo)-1].FileID, "photo.jpg", "image/jpeg"
	case msg.Video != nil:
		return msg.Video.FileID, msg.Video.FileName, msg.Video.MimeType
	case msg.Audio != nil:
		return msg.Audio.FileID, msg.Audio.FileName, msg.Audio.MimeType
	case msg.Voice != nil:
		return msg.Voice.FileID, "voice.ogg", msg.Voice.MimeType
	}
	return "", "", ""
}

func author(msg *telego.Message) string {
	switch {
	case msg.AuthorSignature != "":
		return msg.AuthorSignature
	case msg.From != nil && msg.From.Username != "":
		return msg.From.Username
	case msg.From != nil:
		return strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	case msg.SenderChat != nil:
		return msg.SenderChat.Title
	}
	return ""
}

// chatButton links the post to the web chat of its conversation.
func (r *Relay) chatButton(instanceID, chatID string) *telego.InlineKeyboardMarkup {
	if r.webHost == "" {
		return nil
	}
	label := chatLinkID(chatID)
	url := fmt.Sprintf("https://%s/chat/%s/%s", r.webHost, instanceID, label)
	return tu.InlineKeyboard(tu.InlineKeyboardRow(tu.InlineKeyboardButton(label).WithURL(url)))
}

// chatLinkID is the chat phone, suffixed with -g for groups.
func chatLinkID(chatID string) string {
	phone, suffix, _ := strings.Cut(chatID, "@")
	phone = strings.TrimPrefix(phone, "+")
	if suffix == "g.us" {
		phone += "-g"
	}
	return phone
}

func renderPost(msg domainMessage.Message) string {
	name := html.EscapeString(orDash(firstNonEmpty(msg.ChatName, msg.SenderName)))
	phone := html.EscapeString(msg.Phone())
	body := html.EscapeString(orDash(msg.Body))

	switch {
	case msg.Kind == domainMessage.KindCall:
		return fmt.Sprintf("📞 <b>Incoming call</b>\n<b>From:</b> %s\n<b>Number:</b> <code>%s</code>\n%s", name, phone, body)
	case msg.Direction == domainMessage.DirectionIn:
		out := fmt.Sprintf("<b>From:</b> %s\n<b>Number:</b> <code>%s</code>\n", name, phone)
		if msg.ChatID != "" && strings.HasSuffix(msg.ChatID, "@g.us") && msg.SenderName != "" {
			out += fmt.Sprintf("<b>Sender:</b> %s\n", html.EscapeString(msg.SenderName))
		}
		return out + "<b>Message:</b> " + body
	}
	return body
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "—"
	}
	return s
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
