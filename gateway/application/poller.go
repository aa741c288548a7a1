package application

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval      = 30 * time.Second
	DefaultQRRefreshInterval = 20 * time.Second
)

// PollTarget is one instance as seen by its polling loop.
type PollTarget interface {
	ID() string
	PollStatus(ctx context.Context)
	AwaitingQR() bool
	RefreshQR(ctx context.Context)
}

// Poller drives the per-instance status and QR timers.
type Poller struct {
	Interval   time.Duration
	QRInterval time.Duration
}

func NewPoller(interval, qrInterval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if qrInterval <= 0 {
		qrInterval = DefaultQRRefreshInterval
	}
	return &Poller{Interval: interval, QRInterval: qrInterval}
}

// Run polls target until ctx is done. The first status check happens right
// away. QR refreshes only fire while the target waits for a scan.
func (p *Poller) Run(ctx context.Context, target PollTarget) {
	log := logrus.WithField("instance_id", target.ID())
	log.Debug("[POLLER] Loop started")
	defer log.Debug("[POLLER] Loop stopped")

	status := time.NewTicker(p.Interval)
	defer status.Stop()
	qr := time.NewTicker(p.QRInterval)
	defer qr.Stop()

	target.PollStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-status.C:
			target.PollStatus(ctx)
		case <-qr.C:
			if target.AwaitingQR() {
				target.RefreshQR(ctx)
			}
		}
	}
}
