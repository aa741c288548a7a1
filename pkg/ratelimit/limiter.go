package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// blockFactor is the multiple of a bucket's period applied after a 429.
const blockFactor = 1.5

// Decision is the result of a non-blocking acquire.
type Decision struct {
	Allowed bool
	Wait    time.Duration
}

type bucketKey struct {
	instanceID string
	class      string
}

// bucket is a token bucket plus a log of the last capacity grants. The log
// keeps any window of length capacity/ceiling at or below capacity grants,
// which the bucket alone does not (a full bucket plus one second of refill
// would allow twice the ceiling).
type bucket struct {
	mu           sync.Mutex
	lim          *rate.Limiter
	ceiling      float64
	capacity     int
	window       time.Duration
	period       time.Duration
	grants       []time.Time
	head         int
	blockedUntil time.Time
}

func newBucket(ceiling float64) *bucket {
	if ceiling <= 0 {
		ceiling = DefaultRPS
	}
	capacity := int(math.Max(1, math.Floor(ceiling)))

	var period time.Duration
	if ceiling >= 1 {
		period = time.Duration(float64(time.Second) / ceiling)
	} else {
		period = time.Duration(math.Round(1/ceiling)) * time.Second
	}

	return &bucket{
		lim:      rate.NewLimiter(rate.Limit(ceiling), capacity),
		ceiling:  ceiling,
		capacity: capacity,
		window:   time.Duration(float64(capacity) / ceiling * float64(time.Second)),
		period:   period,
		grants:   make([]time.Time, 0, capacity),
	}
}

func (b *bucket) acquire(now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	var wait time.Duration
	if now.Before(b.blockedUntil) {
		wait = b.blockedUntil.Sub(now)
	}

	if tokens := b.lim.TokensAt(now); tokens < 1 {
		wait = max(wait, ceilDuration((1-tokens)/b.ceiling))
	}

	if len(b.grants) == b.capacity {
		oldest := b.grants[b.head]
		if elapsed := now.Sub(oldest); elapsed < b.window {
			wait = max(wait, b.window-elapsed)
		}
	}

	if wait > 0 {
		return Decision{Wait: wait}
	}

	if !b.lim.AllowN(now, 1) {
		// Float rounding on the refill; retry on the next tick.
		return Decision{Wait: time.Millisecond}
	}
	b.record(now)
	return Decision{Allowed: true}
}

func (b *bucket) record(now time.Time) {
	if len(b.grants) < b.capacity {
		b.grants = append(b.grants, now)
		return
	}
	b.grants[b.head] = now
	b.head = (b.head + 1) % b.capacity
}

func (b *bucket) block(now time.Time) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	until := now.Add(time.Duration(float64(b.period) * blockFactor))
	if until.After(b.blockedUntil) {
		b.blockedUntil = until
	}
	return b.blockedUntil
}

func ceilDuration(seconds float64) time.Duration {
	d := time.Duration(math.Ceil(seconds * float64(time.Second)))
	if d <= 0 {
		return time.Nanosecond
	}
	return d
}

// Limiter gates outbound gateway calls per (instance, endpoint class).
// Buckets are created lazily and never shared across instances.
type Limiter struct {
	mu       sync.Mutex
	table    map[string]float64
	fallback float64
	buckets  map[bucketKey]*bucket
	now      func() time.Time
}

type Option func(*Limiter)

// WithTable replaces the ceiling table.
func WithTable(table map[string]float64) Option {
	return func(l *Limiter) {
		l.table = table
	}
}

// WithFallback sets the ceiling used for classes missing from the table.
func WithFallback(rps float64) Option {
	return func(l *Limiter) {
		if rps > 0 {
			l.fallback = rps
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter with the reference ceilings unless overridden.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		table:    DefaultTable(),
		fallback: DefaultRPS,
		buckets:  make(map[bucketKey]*bucket),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Ceiling returns the configured requests per second for class.
func (l *Limiter) Ceiling(class string) float64 {
	if rps, ok := l.table[class]; ok && rps > 0 {
		return rps
	}
	return l.fallback
}

func (l *Limiter) bucket(instanceID, class string) *bucket {
	key := bucketKey{instanceID: instanceID, class: class}

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(l.Ceiling(class))
		l.buckets[key] = b
	}
	return b
}

// Acquire takes a permit if one is available, otherwise reports how long to
// wait before trying again.
func (l *Limiter) Acquire(instanceID, class string) Decision {
	return l.bucket(instanceID, class).acquire(l.now())
}

// Wait blocks until a permit is granted or ctx is done.
func (l *Limiter) Wait(ctx context.Context, instanceID, class string) error {
	b := l.bucket(instanceID, class)
	for {
		d := b.acquire(l.now())
		if d.Allowed {
			return nil
		}

		timer := time.NewTimer(d.Wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Block penalises a bucket after the provider answered 429.
func (l *Limiter) Block(instanceID, class string) {
	until := l.bucket(instanceID, class).block(l.now())
	logrus.WithFields(logrus.Fields{
		"instance_id": instanceID,
		"class":       class,
		"until":       until.Format(time.RFC3339Nano),
	}).Warn("[RATELIMIT] Bucket blocked after 429")
}

// Forget discards every bucket owned by instanceID.
func (l *Limiter) Forget(instanceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.buckets {
		if key.instanceID == instanceID {
			delete(l.buckets, key)
		}
	}
}

// Buckets reports how many buckets are currently tracked.
func (l *Limiter) Buckets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
