// Package broadcast forwards live-chat frames to the web process hub.
package broadcast

import (
	"context"
	"encoding/json"

	"github.com/AzielCF/az-bridge/gateway/domain"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

const DefaultChannel = "ws_broadcast"

// Publisher is a pub/sub channel, usually the shared Valkey client.
type Publisher interface {
	Publish(ctx context.Context, channel, payload string) error
}

// PubSub publishes every frame as JSON on one channel. Failures are logged
// and dropped.
type PubSub struct {
	pub     Publisher
	channel string
}

func NewPubSub(pub Publisher, channel string) *PubSub {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PubSub{pub: pub, channel: channel}
}

func (p *PubSub) Broadcast(ctx context.Context, b domain.Broadcast) {
	raw, err := json.Marshal(b)
	if err != nil {
		logrus.WithError(err).WithField("code", b.Code).Error("[BROADCAST] Failed to encode frame")
		return
	}
	if err := p.pub.Publish(ctx, p.channel, string(raw)); err != nil {
		logrus.WithError(err).WithField("code", b.Code).Warn("[BROADCAST] Publish failed")
		return
	}
	logrus.Debugf("[BROADCAST] %s sent (%s)", b.Code, humanize.Bytes(uint64(len(raw))))
}

// Log only records frames. Used when no hub channel is configured.
type Log struct{}

func (Log) Broadcast(ctx context.Context, b domain.Broadcast) {
	logrus.WithFields(logrus.Fields{
		"code":    b.Code,
		"message": b.Message,
	}).Debug("[BROADCAST] No hub configured, frame dropped")
}
