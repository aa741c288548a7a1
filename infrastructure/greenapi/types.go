package greenapi

import "strings"

// Provider instance states as reported by getStateInstance.
const (
	StateAuthorized    = "authorized"
	StateNotAuthorized = "notAuthorized"
	StateBlocked       = "blocked"
	StateStarting      = "starting"
	StateSleepMode     = "sleepMode"
	StateYellowCard    = "yellowCard"
	// StateUnknown is used locally when the provider could not be reached.
	StateUnknown = "unknown"
)

type QRStatus string

const (
	QRStatusCode          QRStatus = "qr"
	QRStatusAlreadyLogged QRStatus = "already_logged"
	QRStatusTimeout       QRStatus = "timeout"
	QRStatusError         QRStatus = "error"
)

// QRResult is the normalized answer of the qr endpoint.
type QRResult struct {
	Status  QRStatus `json:"status"`
	Image   string   `json:"image,omitempty"`
	Message string   `json:"message,omitempty"`
}

type qrResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type stateResponse struct {
	StateInstance string `json:"stateInstance"`
}

// Settings mirrors the subset of getSettings/setSettings the bridge manages.
type Settings struct {
	Wid                               string `json:"wid,omitempty"`
	WebhookURL                        string `json:"webhookUrl"`
	WebhookURLToken                   string `json:"webhookUrlToken,omitempty"`
	IncomingWebhook                   string `json:"incomingWebhook"`
	OutgoingWebhook                   string `json:"outgoingWebhook"`
	OutgoingMessageWebhook            string `json:"outgoingMessageWebhook"`
	OutgoingAPIMessageWebhook         string `json:"outgoingAPIMessageWebhook"`
	StateWebhook                      string `json:"stateWebhook"`
	IncomingCallWebhook               string `json:"incomingCallWebhook"`
	MarkIncomingMessagesReadedOnReply string `json:"markIncomingMessagesReadedOnReply"`
}

// Phone returns the account number from the wid ("79990001122@c.us").
func (s Settings) Phone() string {
	if s.Wid == "" {
		return ""
	}
	phone, _, _ := strings.Cut(s.Wid, "@")
	return phone
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// WebhookSettings builds the settings that route every notification to url.
// An empty url disables all notifications.
func WebhookSettings(url, token string) Settings {
	on := yesNo(url != "")
	return Settings{
		WebhookURL:                        url,
		WebhookURLToken:                   token,
		IncomingWebhook:                   on,
		OutgoingWebhook:                   on,
		OutgoingMessageWebhook:            on,
		OutgoingAPIMessageWebhook:         on,
		StateWebhook:                      on,
		IncomingCallWebhook:               on,
		MarkIncomingMessagesReadedOnReply: on,
	}
}

// Matches reports whether the provider settings already equal want.
func (s Settings) Matches(want Settings) bool {
	return s.WebhookURL == want.WebhookURL &&
		s.IncomingWebhook == want.IncomingWebhook &&
		s.OutgoingWebhook == want.OutgoingWebhook &&
		s.OutgoingMessageWebhook == want.OutgoingMessageWebhook &&
		s.OutgoingAPIMessageWebhook == want.OutgoingAPIMessageWebhook &&
		s.StateWebhook == want.StateWebhook &&
		s.IncomingCallWebhook == want.IncomingCallWebhook &&
		s.MarkIncomingMessagesReadedOnReply == want.MarkIncomingMessagesReadedOnReply
}

type saveSettingsResponse struct {
	SaveSettings bool `json:"saveSettings"`
}

type logoutResponse struct {
	IsLogout bool `json:"isLogout"`
}

// SendResult is returned by the send family.
type SendResult struct {
	IDMessage string `json:"idMessage"`
	URLFile   string `json:"urlFile,omitempty"`
}

type sendMessageRequest struct {
	ChatID          string `json:"chatId"`
	Message         string `json:"message"`
	QuotedMessageID string `json:"quotedMessageId,omitempty"`
}

type downloadFileRequest struct {
	ChatID    string `json:"chatId"`
	IDMessage string `json:"idMessage"`
}

type downloadFileResponse struct {
	DownloadURL string `json:"downloadUrl"`
}

// HistoryEntry is one element of lastIncomingMessages, lastOutgoingMessages
// or getChatHistory. The shape depends on typeMessage so it is kept loose.
type HistoryEntry map[string]any

// String returns the string value at key or "".
func (e HistoryEntry) String(key string) string {
	v, _ := e[key].(string)
	return v
}

type chatHistoryRequest struct {
	ChatID string `json:"chatId"`
	Count  int    `json:"count"`
}

// FileUpload describes a file for sendFileByUpload.
type FileUpload struct {
	ChatID   string
	FileName string
	MimeType string
	Caption  string
	Content  []byte
}
