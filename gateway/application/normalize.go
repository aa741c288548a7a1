package application

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	domainMessage "github.com/AzielCF/az-bridge/domains/message"
)

// Webhook types delivered by the provider.
const (
	HookIncomingMessage    = "incomingMessageReceived"
	HookOutgoingMessage    = "outgoingMessageReceived"
	HookOutgoingAPIMessage = "outgoingAPIMessageReceived"
	HookOutgoingStatus     = "outgoingMessageStatus"
	HookStateChanged       = "stateInstanceChanged"
	HookIncomingCall       = "incomingCall"
)

type webhookPayload struct {
	TypeWebhook  string `json:"typeWebhook"`
	InstanceData struct {
		IDInstance json.Number `json:"idInstance"`
		Wid        string      `json:"wid"`
	} `json:"instanceData"`
	Timestamp     int64        `json:"timestamp"`
	IDMessage     string       `json:"idMessage"`
	SenderData    *senderData  `json:"senderData"`
	MessageData   *messageData `json:"messageData"`
	ChatID        string       `json:"chatId"`
	Status        string       `json:"status"`
	Description   string       `json:"description"`
	StateInstance string       `json:"stateInstance"`
	From          string       `json:"from"`
	// set for history imports, never read from the wire
	Archived bool `json:"-"`
}

type senderData struct {
	ChatID     string `json:"chatId"`
	ChatName   string `json:"chatName"`
	Sender     string `json:"sender"`
	SenderName string `json:"senderName"`
}

type contactData struct {
	DisplayName string `json:"displayName"`
	Vcard       string `json:"vcard"`
}

type messageData struct {
	TypeMessage     string `json:"typeMessage"`
	TextMessageData *struct {
		TextMessage string `json:"textMessage"`
	} `json:"textMessageData"`
	ExtendedTextMessageData *struct {
		Text     string `json:"text"`
		StanzaID string `json:"stanzaId"`
	} `json:"extendedTextMessageData"`
	QuotedMessage *struct {
		StanzaID string `json:"stanzaId"`
	} `json:"quotedMessage"`
	FileMessageData *struct {
		DownloadURL string `json:"downloadUrl"`
		Caption     string `json:"caption"`
		FileName    string `json:"fileName"`
		MimeType    string `json:"mimeType"`
	} `json:"fileMessageData"`
	LocationMessageData *struct {
		NameLocation string   `json:"nameLocation"`
		Address      string   `json:"address"`
		Latitude     *float64 `json:"latitude"`
		Longitude    *float64 `json:"longitude"`
	} `json:"locationMessageData"`
	ContactMessageData *contactData `json:"contactMessageData"`
	MessageData        *struct {
		Contacts []contactData `json:"contacts"`
	} `json:"messageData"`
	GroupInviteMessageData *struct {
		GroupName string `json:"groupName"`
		GroupJid  string `json:"groupJid"`
	} `json:"groupInviteMessageData"`
	PollMessageData *struct {
		Name    string `json:"name"`
		Options []struct {
			OptionName string `json:"optionName"`
		} `json:"options"`
	} `json:"pollMessageData"`
	InteractiveButtons *struct {
		TitleText   string `json:"titleText"`
		ContentText string `json:"contentText"`
		Buttons     []struct {
			ButtonText string `json:"buttonText"`
		} `json:"buttons"`
	} `json:"interactiveButtons"`
}

// typeMessage values that never become a message.
var ignoredTypes = map[string]struct{}{
	"pollUpdateMessage":           {},
	"interactiveButtonsReply":     {},
	"templateButtonsReplyMessage": {},
	"buttonsResponseMessage":      {},
	"listResponseMessage":         {},
}

var mediaKinds = map[string]domainMessage.Kind{
	"imageMessage":    domainMessage.KindImage,
	"stickerMessage":  domainMessage.KindSticker,
	"videoMessage":    domainMessage.KindVideo,
	"audioMessage":    domainMessage.KindAudio,
	"documentMessage": domainMessage.KindDocument,
}

var providerStatuses = map[string]domainMessage.Status{
	"pending":    domainMessage.StatusQueued,
	"sent":       domainMessage.StatusSent,
	"delivered":  domainMessage.StatusDelivered,
	"read":       domainMessage.StatusRead,
	"failed":     domainMessage.StatusFailed,
	"noAccount":  domainMessage.StatusFailed,
	"notInGroup": domainMessage.StatusFailed,
}

var callStatuses = map[string]string{
	"offer":    "incoming call",
	"pickUp":   "answered call",
	"hangUp":   "call hung up",
	"missed":   "missed call (cancelled by caller)",
	"declined": "declined call",
}

// errUnknownType is returned by normalizeContent for typeMessage values
// absent from every table above.
type errUnknownType string

func (e errUnknownType) Error() string { return "unknown typeMessage " + string(e) }

var errIgnoredType = errors.New("ignored typeMessage")

func unixTime(ts int64) time.Time {
	if ts <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(ts, 0).UTC()
}

// normalizeMessage builds the canonical message for the three message
// webhooks. The media reference may still need resolving by the caller.
func normalizeMessage(p webhookPayload) (domainMessage.Message, error) {
	if p.MessageData == nil || p.SenderData == nil {
		return domainMessage.Message{}, fmt.Errorf("%s without messageData/senderData", p.TypeWebhook)
	}
	if p.IDMessage == "" {
		return domainMessage.Message{}, fmt.Errorf("%s without idMessage", p.TypeWebhook)
	}
	if _, skip := ignoredTypes[p.MessageData.TypeMessage]; skip {
		return domainMessage.Message{}, errIgnoredType
	}

	sd := p.SenderData
	chatID := sd.ChatID
	phone, _, _ := strings.Cut(chatID, "@")

	msg := domainMessage.Message{
		ProviderID: p.IDMessage,
		InstanceID: p.InstanceData.IDInstance.String(),
		ChatID:     chatID,
		SenderID:   sd.Sender,
		SenderName: sd.SenderName,
		ChatName:   firstNonEmpty(sd.ChatName, sd.SenderName, phone),
		Timestamp:  unixTime(p.Timestamp),
		Archived:   p.Archived,
	}
	if p.TypeWebhook == HookIncomingMessage {
		msg.Direction = domainMessage.DirectionIn
		msg.Status = domainMessage.StatusIncoming
	} else {
		msg.Direction = domainMessage.DirectionOut
		msg.Status = domainMessage.StatusSent
		msg.FromAPI = p.TypeWebhook == HookOutgoingAPIMessage
		// history imports carry the last known status
		if st, ok := providerStatuses[p.Status]; ok {
			msg.Status = st
		}
	}

	if err := normalizeContent(p.MessageData, &msg); err != nil {
		return domainMessage.Message{}, err
	}
	return msg, nil
}

func normalizeContent(md *messageData, msg *domainMessage.Message) error {
	switch mt := md.TypeMessage; mt {
	case "textMessage":
		msg.Kind = domainMessage.KindText
		if md.TextMessageData != nil {
			msg.Body = md.TextMessageData.TextMessage
		}

	case "extendedTextMessage", "quotedMessage", "reactionMessage":
		msg.Kind = domainMessage.KindText
		if md.ExtendedTextMessageData != nil {
			msg.Body = md.ExtendedTextMessageData.Text
			msg.QuotedID = md.ExtendedTextMessageData.StanzaID
		}
		if md.QuotedMessage != nil && md.QuotedMessage.StanzaID != "" {
			msg.QuotedID = md.QuotedMessage.StanzaID
		}

	case "imageMessage", "stickerMessage", "videoMessage", "audioMessage", "documentMessage":
		msg.Kind = mediaKinds[mt]
		fm := md.FileMessageData
		if fm == nil {
			return fmt.Errorf("%s without fileMessageData", mt)
		}
		if msg.Kind == domainMessage.KindAudio && isVoiceNote(fm.MimeType) {
			msg.Kind = domainMessage.KindVoice
		}
		msg.Body = fm.Caption
		msg.Media = &domainMessage.Media{
			URL:      fm.DownloadURL,
			FileName: mediaFileName(fm.FileName, fm.DownloadURL, fm.MimeType, msg.ProviderID),
			MimeType: fm.MimeType,
		}

	case "locationMessage":
		msg.Kind = domainMessage.KindConverted
		msg.Body = locationText(md)

	case "contactMessage":
		msg.Kind = domainMessage.KindConverted
		if md.ContactMessageData != nil {
			msg.Body = contactText(*md.ContactMessageData)
		}

	case "contactsArrayMessage":
		msg.Kind = domainMessage.KindConverted
		if md.MessageData != nil {
			lines := make([]string, 0, len(md.MessageData.Contacts))
			for _, c := range md.MessageData.Contacts {
				lines = append(lines, contactText(c))
			}
			msg.Body = strings.Join(lines, "\n")
		}

	case "groupInviteMessage":
		msg.Kind = domainMessage.KindConverted
		if g := md.GroupInviteMessageData; g != nil {
			msg.Body = fmt.Sprintf("<group invite>\n%s (%s)", g.GroupName, g.GroupJid)
		}

	case "pollMessage":
		msg.Kind = domainMessage.KindConverted
		if poll := md.PollMessageData; poll != nil {
			var b strings.Builder
			b.WriteString("<poll>\n")
			b.WriteString(poll.Name)
			for _, o := range poll.Options {
				b.WriteString("\n- ")
				b.WriteString(o.OptionName)
			}
			msg.Body = b.String()
		}

	case "interactiveButtons":
		msg.Kind = domainMessage.KindConverted
		if ib := md.InteractiveButtons; ib != nil {
			labels := make([]string, 0, len(ib.Buttons))
			for _, btn := range ib.Buttons {
				labels = append(labels, btn.ButtonText)
			}
			msg.Body = fmt.Sprintf("%s\n%s\n-------\n%s", ib.TitleText, ib.ContentText, strings.Join(labels, " | "))
		}

	default:
		return errUnknownType(mt)
	}

	// converted payloads always carry a readable body
	if msg.Kind == domainMessage.KindConverted && strings.TrimSpace(msg.Body) == "" {
		msg.Body = "<" + md.TypeMessage + ">"
	}
	return nil
}

func normalizeStatus(p webhookPayload) (domainMessage.StatusUpdate, bool) {
	st, ok := providerStatuses[p.Status]
	if !ok || p.IDMessage == "" {
		return domainMessage.StatusUpdate{}, false
	}
	desc := p.Description
	if st == domainMessage.StatusFailed && desc == "" {
		desc = p.Status
	}
	return domainMessage.StatusUpdate{
		InstanceID:  p.InstanceData.IDInstance.String(),
		ProviderID:  p.IDMessage,
		ChatID:      p.ChatID,
		Status:      st,
		Description: desc,
		Timestamp:   unixTime(p.Timestamp),
	}, true
}

// normalizeCall renders a call notification as an inbound text message. The
// offer and the final status share one provider id.
func normalizeCall(p webhookPayload) (domainMessage.Message, bool) {
	if p.IDMessage == "" || p.From == "" {
		return domainMessage.Message{}, false
	}
	phone, suffix, _ := strings.Cut(p.From, "@")
	chatName := phone
	if suffix == "g.us" {
		chatName += " (group)"
	}
	human, ok := callStatuses[p.Status]
	if !ok {
		human = p.Status
	}
	return domainMessage.Message{
		ProviderID: p.IDMessage,
		InstanceID: p.InstanceData.IDInstance.String(),
		Direction:  domainMessage.DirectionIn,
		ChatID:     p.From,
		SenderID:   p.From,
		ChatName:   chatName,
		Kind:       domainMessage.KindCall,
		Body:       "📞 " + human,
		Timestamp:  unixTime(p.Timestamp),
		Status:     domainMessage.StatusIncoming,
	}, true
}

func locationText(md *messageData) string {
	d := md.LocationMessageData
	if d == nil {
		return ""
	}
	coord := func(v *float64) string {
		if v == nil {
			return "--"
		}
		return fmt.Sprintf("%g", *v)
	}
	return fmt.Sprintf("<location>\n%s\n%s\nlat. %s, lon. %s", d.NameLocation, d.Address, coord(d.Latitude), coord(d.Longitude))
}

func contactText(c contactData) string {
	name := c.DisplayName
	if name == "" {
		name = "Contact"
	}
	var phones []string
	for _, line := range strings.Split(c.Vcard, "\n") {
		if i := strings.LastIndex(line, "waid="); i >= 0 {
			phones = append(phones, strings.TrimSpace(line[i+len("waid="):]))
		}
	}
	return fmt.Sprintf("<contact>\n%s:\n%s", name, strings.Join(phones, ", "))
}

func isVoiceNote(mime string) bool {
	mime = strings.ToLower(mime)
	return strings.HasPrefix(mime, "audio/ogg") && strings.Contains(mime, "opus")
}

func mediaFileName(name, downloadURL, mime, fallback string) string {
	if name == "" && downloadURL != "" {
		if u, err := url.Parse(downloadURL); err == nil {
			if base := path.Base(u.Path); base != "." && base != "/" {
				name = base
			}
		}
	}
	if name == "" {
		name = fallback
	}
	if !strings.Contains(name, ".") && mime != "" {
		sub := mime
		if i := strings.LastIndex(sub, "/"); i >= 0 {
			sub = sub[i+1:]
		}
		if i := strings.Index(sub, ";"); i >= 0 {
			sub = sub[:i]
		}
		name += "." + strings.TrimSpace(sub)
	}
	return name
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
