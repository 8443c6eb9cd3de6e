// Package poller keeps a device's published State current by querying it at
// a fixed cadence.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/w1xm/pwi_interface/codec"
	"github.com/w1xm/pwi_interface/device"
	"github.com/w1xm/pwi_interface/internal/broadcast"
	"github.com/w1xm/pwi_interface/internal/metrics"
	"github.com/w1xm/pwi_interface/transport"
	"go.uber.org/zap"
)

type Config struct {
	Interval time.Duration
	// Timeout bounds a single status round trip.
	Timeout time.Duration
	// FailureThreshold consecutive transport failures mark the device
	// disconnected.
	FailureThreshold int
	Backoff          transport.Backoff
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = 2 * c.Interval
	}
	if c.Backoff.Max < c.Backoff.Initial {
		c.Backoff.Max = 30 * time.Second
	}
	return c
}

// Poller is the only writer of a device's State. Snapshots are published in
// strictly increasing timestamp order.
type Poller struct {
	device  device.State
	cfg     Config
	tr      transport.Transport
	codec   codec.Codec
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	backoff  *backoff.ExponentialBackOff
	failures int
	lost     bool
	lastGood device.State

	mu     sync.RWMutex
	latest device.State
	ok     bool

	out broadcast.Broadcaster[device.State]
}

func New(name string, kind device.Kind, cfg Config, tr transport.Transport, c codec.Codec, logger *zap.Logger, m *metrics.Metrics) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Poller{
		device:  device.State{Device: name, Kind: kind},
		cfg:     cfg,
		tr:      tr,
		codec:   c,
		logger:  logger.With(zap.String("device", name)),
		metrics: m,
		now:     time.Now,
		backoff: cfg.Backoff.New(),
	}
}

// Subscribe returns a buffered-latest feed of snapshots.
func (p *Poller) Subscribe() *broadcast.Subscription[device.State] {
	return p.out.Subscribe()
}

// Latest returns the most recently published snapshot.
func (p *Poller) Latest() (device.State, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.ok
}

// Run polls until ctx is done. Subscriptions are closed on return.
func (p *Poller) Run(ctx context.Context) error {
	defer p.out.Close()
	var delay time.Duration
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = p.PollOnce(ctx)
	}
}

// PollOnce performs one status query and returns how long to wait before the
// next one.
func (p *Poller) PollOnce(ctx context.Context) time.Duration {
	start := p.now()
	pctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	resp, err := p.tr.Send(pctx, p.codec.StatusRequest())
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		return p.failed(err)
	}
	elapsed := p.now().Sub(start)

	if p.failures > 0 {
		p.logger.Info("status restored", zap.Int("failures", p.failures))
	}
	p.failures = 0
	p.lost = false
	p.backoff.Reset()
	p.metrics.PollFailures(p.device.Device, 0)

	state, err := p.codec.Decode(resp)
	if err != nil {
		// Keep the last good snapshot rather than publish an unknown position.
		p.metrics.Poll(p.device.Device, "decode_error", elapsed.Seconds())
		p.logger.Warn("decoding status", zap.Error(err))
		return p.remaining(elapsed)
	}
	p.metrics.Poll(p.device.Device, "ok", elapsed.Seconds())
	p.lastGood = state
	p.publish(state)
	return p.remaining(elapsed)
}

func (p *Poller) remaining(elapsed time.Duration) time.Duration {
	if d := p.cfg.Interval - elapsed; d > 0 {
		return d
	}
	return 0
}

func (p *Poller) failed(err error) time.Duration {
	p.failures++
	p.metrics.Poll(p.device.Device, "transport_error", 0)
	p.metrics.PollFailures(p.device.Device, p.failures)
	next := p.backoff.NextBackOff()
	p.logger.Warn("polling status",
		zap.Int("failures", p.failures),
		zap.Duration("retry_in", next),
		zap.Error(err))
	if p.failures >= p.cfg.FailureThreshold && !p.lost {
		p.lost = true
		state := p.lastGood
		if state.Device == "" {
			state = p.device
		}
		state.Connected = false
		state.Fault = device.FaultConnectionLost
		state.Mode = device.ModeFaulted
		state.Timestamp = time.Time{}
		p.logger.Error("connection lost", zap.Int("failures", p.failures), zap.Error(err))
		p.publish(state)
	}
	return next
}

func (p *Poller) publish(state device.State) {
	p.mu.Lock()
	if state.Timestamp.IsZero() {
		state.Timestamp = p.now()
	}
	if p.ok && !state.Timestamp.After(p.latest.Timestamp) {
		state.Timestamp = p.latest.Timestamp.Add(time.Nanosecond)
	}
	p.latest = state
	p.ok = true
	p.mu.Unlock()
	p.out.Publish(state)
}
