package instance

import (
	"context"
	"strings"
	"time"

	"github.com/AzielCF/az-bridge/gateway/domain/state"
)

// Config is the operator-managed configuration of one gateway account.
type Config struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	APIURL           string `json:"api_url"`
	MediaURL         string `json:"media_url"`
	Token            string `json:"token,omitempty"`
	RelayChatID      int64  `json:"relay_chat_id,omitempty"`
	AutoReplyEnabled bool   `json:"auto_reply_enabled"`
	AutoReplyText    string `json:"auto_reply_text,omitempty"`
}

// Fingerprint changes whenever the credentials require a new client.
func (c Config) Fingerprint() string {
	return strings.Join([]string{
		strings.TrimRight(c.APIURL, "/"),
		strings.TrimRight(c.MediaURL, "/"),
		c.Token,
	}, "|")
}

// Snapshot is the externally visible view of a managed instance.
type Snapshot struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	State              state.State `json:"state"`
	StateSince         time.Time   `json:"state_since"`
	LastSeen           *time.Time  `json:"last_seen,omitempty"`
	Phone              string      `json:"phone,omitempty"`
	RelayChatID        int64       `json:"relay_chat_id,omitempty"`
	AutoReplyEnabled   bool        `json:"auto_reply_enabled"`
	AutoReplyLastFired *time.Time  `json:"auto_reply_last_fired,omitempty"`
}

type UpsertRequest struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	APIURL           string `json:"api_url"`
	MediaURL         string `json:"media_url"`
	Token            string `json:"token"`
	RelayChatID      int64  `json:"relay_chat_id"`
	AutoReplyEnabled bool   `json:"auto_reply_enabled"`
	AutoReplyText    string `json:"auto_reply_text"`
}

// Trimmed returns the request with surrounding whitespace removed.
func (r UpsertRequest) Trimmed() UpsertRequest {
	r.ID = strings.TrimSpace(r.ID)
	r.Name = strings.TrimSpace(r.Name)
	r.APIURL = strings.TrimSpace(r.APIURL)
	r.MediaURL = strings.TrimSpace(r.MediaURL)
	r.Token = strings.TrimSpace(r.Token)
	return r
}

func (r UpsertRequest) Config() Config {
	r = r.Trimmed()
	return Config{
		ID:               r.ID,
		Name:             r.Name,
		APIURL:           r.APIURL,
		MediaURL:         r.MediaURL,
		Token:            r.Token,
		RelayChatID:      r.RelayChatID,
		AutoReplyEnabled: r.AutoReplyEnabled,
		AutoReplyText:    r.AutoReplyText,
	}
}

// QRPayload is handed to the operator while an instance waits for a scan.
type QRPayload struct {
	Status  string `json:"status"`
	Image   string `json:"image,omitempty"`
	Message string `json:"message,omitempty"`
}

// AuthCodeRequest asks the gateway side to deliver a one-time login code to
// an operator through the relay bot.
type AuthCodeRequest struct {
	UserID   string `json:"user_id"`
	ChatID   int64  `json:"chat_id"`
	Code     string `json:"code"`
	Username string `json:"username,omitempty"`
}

// IInstanceUsecase is the operator-side surface. Calls that need the
// gateway's in-memory state travel over the RPC channel.
type IInstanceUsecase interface {
	List(ctx context.Context) ([]Snapshot, error)
	Upsert(ctx context.Context, request UpsertRequest) (Config, error)
	Remove(ctx context.Context, id string) error
	QR(ctx context.Context, id string) (QRPayload, error)
	Logout(ctx context.Context, id string) error
	Refresh(ctx context.Context, id string) error
	ImportHistory(ctx context.Context, id string) error
	DeliverAuthCode(ctx context.Context, request AuthCodeRequest) error
}
