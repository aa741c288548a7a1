package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainInstance "github.com/AzielCF/az-bridge/domains/instance"
	domainMessage "github.com/AzielCF/az-bridge/domains/message"
	"github.com/AzielCF/az-bridge/gateway/domain"
	"github.com/AzielCF/az-bridge/gateway/domain/state"
	"github.com/AzielCF/az-bridge/pkg/crypto"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type InstanceModel struct {
	ID               string `gorm:"primaryKey;column:id"`
	Name             string `gorm:"column:name"`
	APIURL           string `gorm:"column:api_url"`
	MediaURL         string `gorm:"column:media_url"`
	Token            string `gorm:"column:token"`
	RelayChatID      int64  `gorm:"column:relay_chat_id"`
	AutoReplyEnabled bool   `gorm:"column:auto_reply_enabled"`
	AutoReplyText    string `gorm:"column:auto_reply_text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (InstanceModel) TableName() string {
	return "instances"
}

type SnapshotModel struct {
	InstanceID         string     `gorm:"primaryKey;column:instance_id"`
	Name               string     `gorm:"column:name"`
	State              string     `gorm:"column:state"`
	StateReason        string     `gorm:"column:state_reason"`
	StateSince         time.Time  `gorm:"column:state_since"`
	LastSeen           *time.Time `gorm:"column:last_seen"`
	Phone              string     `gorm:"column:phone"`
	RelayChatID        int64      `gorm:"column:relay_chat_id"`
	AutoReplyEnabled   bool       `gorm:"column:auto_reply_enabled"`
	AutoReplyLastFired *time.Time `gorm:"column:auto_reply_last_fired"`
	UpdatedAt          time.Time
}

func (SnapshotModel) TableName() string {
	return "instance_snapshots"
}

type MessageModel struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	InstanceID     string    `gorm:"column:instance_id;uniqueIndex:idx_messages_provider;size:64"`
	ProviderID     string    `gorm:"column:provider_id;uniqueIndex:idx_messages_provider;size:128"`
	Direction      string    `gorm:"column:direction"`
	ChatID         string    `gorm:"column:chat_id;index"`
	SenderID       string    `gorm:"column:sender_id"`
	SenderName     string    `gorm:"column:sender_name"`
	ChatName       string    `gorm:"column:chat_name"`
	Kind           string    `gorm:"column:kind"`
	Body           string    `gorm:"column:body"`
	MediaURL       string    `gorm:"column:media_url"`
	MediaFileName  string    `gorm:"column:media_file_name"`
	MediaMimeType  string    `gorm:"column:media_mime_type"`
	Timestamp      time.Time `gorm:"column:sent_at"`
	Status         string    `gorm:"column:status"`
	QuotedID       string    `gorm:"column:quoted_id"`
	RelayChatID    int64     `gorm:"column:relay_chat_id;index:idx_messages_relay"`
	RelayMessageID int       `gorm:"column:relay_message_id;index:idx_messages_relay"`
	Auto           bool      `gorm:"column:auto"`
	FromAPI        bool      `gorm:"column:from_api"`
	Archived       bool      `gorm:"column:archived"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (MessageModel) TableName() string {
	return "messages"
}

// GormStore keeps messages, instance configuration and snapshots in the
// application database.
type GormStore struct {
	db     *gorm.DB
	sealer *crypto.Sealer
}

type StoreOption func(*GormStore)

// WithTokenSealer encrypts provider tokens before they are written. Rows
// written without a sealer are still readable.
func WithTokenSealer(sealer *crypto.Sealer) StoreOption {
	return func(s *GormStore) { s.sealer = sealer }
}

func NewGormStore(db *gorm.DB, opts ...StoreOption) *GormStore {
	s := &GormStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *GormStore) InitSchema(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&InstanceModel{}, &SnapshotModel{}, &MessageModel{})
}

// SaveMessage inserts msg unless (instance, provider id) is already stored.
// A repeated call message updates the stored body with the latest outcome.
func (s *GormStore) SaveMessage(ctx context.Context, msg domainMessage.Message) (bool, error) {
	rec := toMessageModel(msg)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return false, fmt.Errorf("save message %s/%s: %w", msg.InstanceID, msg.ProviderID, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if msg.Kind == domainMessage.KindCall {
		err := s.db.WithContext(ctx).Model(&MessageModel{}).
			Where("instance_id = ? AND provider_id = ?", msg.InstanceID, msg.ProviderID).
			Update("body", msg.Body).Error
		if err != nil {
			return false, fmt.Errorf("update call %s/%s: %w", msg.InstanceID, msg.ProviderID, err)
		}
	}
	return false, nil
}

func (s *GormStore) UpdateStatus(ctx context.Context, upd domainMessage.StatusUpdate) (domainMessage.Message, bool, error) {
	var (
		out     domainMessage.Message
		applied bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec MessageModel
		err := tx.Where("instance_id = ? AND provider_id = ?", upd.InstanceID, upd.ProviderID).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		current := domainMessage.Status(rec.Status)
		if !current.Supersedes(upd.Status) {
			out = rec.toMessage()
			return nil
		}
		if err := tx.Model(&rec).Update("status", string(upd.Status)).Error; err != nil {
			return err
		}
		rec.Status = string(upd.Status)
		out, applied = rec.toMessage(), true
		return nil
	})
	if err != nil {
		return domainMessage.Message{}, false, err
	}
	return out, applied, nil
}

func (s *GormStore) SetRelayMessage(ctx context.Context, instanceID, providerID string, relayChatID int64, relayMessageID int) error {
	res := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("instance_id = ? AND provider_id = ?", instanceID, providerID).
		Updates(map[string]any{"relay_chat_id": relayChatID, "relay_message_id": relayMessageID})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *GormStore) FindByRelayID(ctx context.Context, relayChatID int64, relayMessageID int) (domainMessage.Message, error) {
	var rec MessageModel
	err := s.db.WithContext(ctx).
		Where("relay_chat_id = ? AND relay_message_id = ?", relayChatID, relayMessageID).
		Order("id").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domainMessage.Message{}, domain.ErrNotFound
	}
	if err != nil {
		return domainMessage.Message{}, err
	}
	return rec.toMessage(), nil
}

func (s *GormStore) SaveInstanceSnapshot(ctx context.Context, snap domainInstance.Snapshot) error {
	rec := SnapshotModel{
		InstanceID:         snap.ID,
		Name:               snap.Name,
		State:              string(snap.State.Kind),
		StateReason:        snap.State.Reason,
		StateSince:         snap.StateSince,
		LastSeen:           snap.LastSeen,
		Phone:              snap.Phone,
		RelayChatID:        snap.RelayChatID,
		AutoReplyEnabled:   snap.AutoReplyEnabled,
		AutoReplyLastFired: snap.AutoReplyLastFired,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance_id"}},
		UpdateAll: true,
	}).Create(&rec).Error
}

func (s *GormStore) ListInstanceSnapshots(ctx context.Context) ([]domainInstance.Snapshot, error) {
	var recs []SnapshotModel
	if err := s.db.WithContext(ctx).Order("instance_id").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]domainInstance.Snapshot, 0, len(recs))
	for _, r := range recs {
		out = append(out, domainInstance.Snapshot{
			ID:                 r.InstanceID,
			Name:               r.Name,
			State:              state.State{Kind: state.Kind(r.State), Reason: r.StateReason},
			StateSince:         r.StateSince,
			LastSeen:           r.LastSeen,
			Phone:              r.Phone,
			RelayChatID:        r.RelayChatID,
			AutoReplyEnabled:   r.AutoReplyEnabled,
			AutoReplyLastFired: r.AutoReplyLastFired,
		})
	}
	return out, nil
}

func (s *GormStore) ListInstanceConfigs(ctx context.Context) ([]domainInstance.Config, error) {
	var recs []InstanceModel
	if err := s.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]domainInstance.Config, 0, len(recs))
	for _, r := range recs {
		cfg, err := s.toConfig(r)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (s *GormStore) GetInstanceConfig(ctx context.Context, id string) (domainInstance.Config, error) {
	var rec InstanceModel
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domainInstance.Config{}, domain.ErrNotFound
	}
	if err != nil {
		return domainInstance.Config{}, err
	}
	return s.toConfig(rec)
}

func (s *GormStore) UpsertInstanceConfig(ctx context.Context, cfg domainInstance.Config) error {
	token, err := s.sealer.Seal(cfg.Token)
	if err != nil {
		return fmt.Errorf("seal token of instance %s: %w", cfg.ID, err)
	}
	rec := InstanceModel{
		ID:               cfg.ID,
		Name:             cfg.Name,
		APIURL:           cfg.APIURL,
		MediaURL:         cfg.MediaURL,
		Token:            token,
		RelayChatID:      cfg.RelayChatID,
		AutoReplyEnabled: cfg.AutoReplyEnabled,
		AutoReplyText:    cfg.AutoReplyText,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "api_url", "media_url", "token", "relay_chat_id",
			"auto_reply_enabled", "auto_reply_text", "updated_at",
		}),
	}).Create(&rec).Error
}

// DeleteInstanceConfig removes the configuration and its snapshot. Stored
// messages are kept.
func (s *GormStore) DeleteInstanceConfig(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&InstanceModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return tx.Delete(&SnapshotModel{}, "instance_id = ?", id).Error
	})
}

// Messages lists the stored messages of one chat, oldest first.
func (s *GormStore) Messages(ctx context.Context, instanceID, chatID string, limit int) ([]domainMessage.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []MessageModel
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND chat_id = ?", instanceID, chatID).
		Order("sent_at DESC").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]domainMessage.Message, len(recs))
	for i, r := range recs {
		out[len(recs)-1-i] = r.toMessage()
	}
	return out, nil
}

func (s *GormStore) toConfig(r InstanceModel) (domainInstance.Config, error) {
	token, err := s.sealer.Open(r.Token)
	if err != nil {
		return domainInstance.Config{}, fmt.Errorf("open token of instance %s: %w", r.ID, err)
	}
	return domainInstance.Config{
		ID:               r.ID,
		Name:             r.Name,
		APIURL:           r.APIURL,
		MediaURL:         r.MediaURL,
		Token:            token,
		RelayChatID:      r.RelayChatID,
		AutoReplyEnabled: r.AutoReplyEnabled,
		AutoReplyText:    r.AutoReplyText,
	}, nil
}

func toMessageModel(m domainMessage.Message) MessageModel {
	rec := MessageModel{
		InstanceID:     m.InstanceID,
		ProviderID:     m.ProviderID,
		Direction:      string(m.Direction),
		ChatID:         m.ChatID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		ChatName:       m.ChatName,
		Kind:           string(m.Kind),
		Body:           m.Body,
		Timestamp:      m.Timestamp,
		Status:         string(m.Status),
		QuotedID:       m.QuotedID,
		RelayChatID:    m.RelayChatID,
		RelayMessageID: m.RelayMessageID,
		Auto:           m.Auto,
		FromAPI:        m.FromAPI,
		Archived:       m.Archived,
	}
	if m.Media != nil {
		rec.MediaURL = m.Media.URL
		rec.MediaFileName = m.Media.FileName
		rec.MediaMimeType = m.Media.MimeType
	}
	return rec
}

func (r MessageModel) toMessage() domainMessage.Message {
	m := domainMessage.Message{
		ProviderID:     r.ProviderID,
		InstanceID:     r.InstanceID,
		Direction:      domainMessage.Direction(r.Direction),
		ChatID:         r.ChatID,
		SenderID:       r.SenderID,
		SenderName:     r.SenderName,
		ChatName:       r.ChatName,
		Kind:           domainMessage.Kind(r.Kind),
		Body:           r.Body,
		Timestamp:      r.Timestamp,
		Status:         domainMessage.Status(r.Status),
		QuotedID:       r.QuotedID,
		RelayChatID:    r.RelayChatID,
		RelayMessageID: r.RelayMessageID,
		Auto:           r.Auto,
		FromAPI:        r.FromAPI,
		Archived:       r.Archived,
	}
	if r.MediaURL != "" || r.MediaFileName != "" {
		m.Media = &domainMessage.Media{URL: r.MediaURL, FileName: r.MediaFileName, MimeType: r.MediaMimeType}
	}
	return m
}
