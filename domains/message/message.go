package message

import (
	"strings"
	"time"
)

type Direction string

const (
	DirectionIn     Direction = "in"
	DirectionOut    Direction = "out"
	DirectionSystem Direction = "sys"
)

type Kind string

const (
	KindText      Kind = "text"
	KindImage     Kind = "image"
	KindVideo     Kind = "video"
	KindAudio     Kind = "audio"
	KindVoice     Kind = "voice"
	KindSticker   Kind = "sticker"
	KindDocument  Kind = "document"
	KindConverted Kind = "converted_to_text"
	KindCall      Kind = "call"
)

// IsMedia reports whether messages of this kind carry a media reference.
func (k Kind) IsMedia() bool {
	switch k {
	case KindImage, KindVideo, KindAudio, KindVoice, KindSticker, KindDocument:
		return true
	}
	return false
}

type Status string

const (
	StatusIncoming  Status = "incoming"
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusQueued:    1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
}

// Supersedes reports whether next may replace current. Failed always wins,
// otherwise statuses only move forward.
func (current Status) Supersedes(next Status) bool {
	if next == StatusFailed {
		return current != StatusFailed
	}
	if current == StatusFailed || current == StatusIncoming {
		return false
	}
	return statusRank[next] > statusRank[current]
}

// Media is an opaque pointer to bytes stored by the provider.
type Media struct {
	URL      string `json:"url,omitempty"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Message is the canonical representation of any content that crosses the
// bridge, whatever the provider payload looked like.
type Message struct {
	ProviderID     string    `json:"provider_id"`
	InstanceID     string    `json:"instance_id"`
	Direction      Direction `json:"direction"`
	ChatID         string    `json:"chat_id"`
	SenderID       string    `json:"sender_id,omitempty"`
	SenderName     string    `json:"sender_name,omitempty"`
	ChatName       string    `json:"chat_name,omitempty"`
	Kind           Kind      `json:"kind"`
	Body           string    `json:"body"`
	Media          *Media    `json:"media,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Status         Status    `json:"status"`
	QuotedID       string    `json:"quoted_id,omitempty"`
	RelayChatID    int64     `json:"relay_chat_id,omitempty"`
	RelayMessageID int       `json:"relay_message_id,omitempty"`
	Auto           bool      `json:"auto,omitempty"`
	FromAPI        bool      `json:"from_api,omitempty"`
	Archived       bool      `json:"archived,omitempty"`
}

// Phone returns the chat id without the provider suffix.
func (m Message) Phone() string {
	phone, _, _ := strings.Cut(m.ChatID, "@")
	return phone
}

// StatusUpdate is a delivery status reported for an outgoing message.
type StatusUpdate struct {
	InstanceID  string    `json:"instance_id"`
	ProviderID  string    `json:"provider_id"`
	ChatID      string    `json:"chat_id"`
	Status      Status    `json:"status"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
