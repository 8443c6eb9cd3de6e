// Package session owns the lifetime of one device connection: its transport,
// poller and sequencer, and the goroutines that tie them together.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/w1xm/pwi_interface/codec"
	"github.com/w1xm/pwi_interface/config"
	"github.com/w1xm/pwi_interface/device"
	"github.com/w1xm/pwi_interface/internal/broadcast"
	"github.com/w1xm/pwi_interface/internal/metrics"
	"github.com/w1xm/pwi_interface/poller"
	"github.com/w1xm/pwi_interface/sequencer"
	"github.com/w1xm/pwi_interface/tracking"
	"github.com/w1xm/pwi_interface/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config is everything one session needs from the configuration file.
type Config struct {
	Device   config.DeviceConfig
	Poll     config.PollConfig
	Observer config.ObserverConfig
	Envelope config.EnvelopeConfig
	Tracking config.TrackingConfig
}

// ConfigFor picks the sections of c that apply to d.
func ConfigFor(c *config.Config, d config.DeviceConfig) Config {
	return Config{
		Device:   d,
		Poll:     c.PollFor(d),
		Observer: c.Observer,
		Envelope: c.Envelope,
		Tracking: c.Tracking,
	}
}

// Site converts the observer section.
func (c Config) Site() tracking.Site {
	o := c.Observer
	return tracking.Site{
		Latitude:    o.Latitude,
		Longitude:   o.Longitude,
		Elevation:   o.Elevation,
		Pressure:    o.Pressure,
		Temperature: o.Temperature,
	}
}

// EngineConfig builds the tracking engine settings for a mount with the
// given alignment.
func (c Config) EngineConfig(alignment tracking.Alignment) tracking.Config {
	e := c.Envelope
	env := tracking.Envelope{
		Alignment:      alignment,
		MinAltitude:    e.AltitudeLimit,
		ZenithLimit:    e.ZenithLimit,
		PoleLimit:      e.PoleLimit,
		MeridianMargin: e.MeridianMargin,
	}
	for _, z := range e.NoGoZones {
		env.NoGo = append(env.NoGo, tracking.Zone{Name: z.Name, AzMin: z.AzMin, AzMax: z.AzMax, AltMin: z.AltMin, AltMax: z.AltMax})
	}
	return tracking.Config{
		Site:     c.Site(),
		Envelope: env,
		Delta:    c.Tracking.Delta,
		Window:   c.Tracking.Window,
		Lead:     c.Tracking.Lead,
	}
}

func (c Config) sequencerConfig(alignment tracking.Alignment) sequencer.Config {
	d := c.Device
	sc := sequencer.Config{
		Alignment:          alignment,
		SlewTimeout:        d.ConfirmTimeout,
		CommandTimeout:     d.CommandTimeout,
		CorrectionInterval: c.Tracking.RateInterval,
		CorrectionTime:     c.Tracking.CorrectionTime,
	}
	if d.Kind == string(device.KindFocuser) {
		sc.PositionTolerance = d.Tolerance
	} else {
		sc.Tolerance = d.Tolerance
	}
	return sc
}

func (c Config) pollerConfig() poller.Config {
	return poller.Config{
		Interval:         c.Poll.Interval,
		Timeout:          c.Poll.Timeout,
		FailureThreshold: c.Poll.FailureThreshold,
		Backoff:          transport.Backoff{Initial: c.Poll.BackoffInitial, Max: c.Poll.BackoffMax},
	}
}

// Deps are the process wide collaborators shared by every session.
type Deps struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// OpenSerial replaces the serial port opener, for tests.
	OpenSerial SerialOpener
}

// Session is an open device. It is created by Open and ends with Close.
type Session struct {
	ID     uuid.UUID
	Name   string
	Kind   device.Kind
	Opened time.Time

	engine    *tracking.Engine
	transport transport.Transport
	poller    *poller.Poller
	seq       *sequencer.Sequencer
	logger    *zap.Logger

	cancel    context.CancelFunc
	group     *errgroup.Group
	ready     chan struct{}
	closeOnce sync.Once
	closeErr  error

	snapshots broadcast.Broadcaster[device.State]
}

// Open connects to the device described by cfg, retrying with backoff up to
// the configured number of attempts, and starts polling. The session keeps
// running after ctx ends; ctx only bounds the connect.
func Open(ctx context.Context, cfg Config, deps Deps) (*Session, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dc := cfg.Device
	logger = logger.With(zap.String("device", dc.Name))
	kind, err := device.ParseKind(dc.Kind)
	if err != nil {
		return nil, err
	}

	var (
		alignment tracking.Alignment
		engine    *tracking.Engine
	)
	if kind == device.KindMount {
		if alignment, err = tracking.ParseAlignment(dc.Alignment); err != nil {
			return nil, fmt.Errorf("%s: %w", dc.Name, err)
		}
		engine = tracking.NewEngine(cfg.EngineConfig(alignment))
	}

	timeout := max(cfg.Poll.Timeout, dc.CommandTimeout)
	tr, c, err := newLink(dc, timeout, deps.OpenSerial, logger)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:        uuid.New(),
		Name:      dc.Name,
		Kind:      kind,
		Opened:    time.Now(),
		engine:    engine,
		transport: tr,
		logger:    logger,
		ready:     make(chan struct{}),
	}
	send := codec.Dispatcher{Transport: tr, Codec: c}
	s.seq = sequencer.New(dc.Name, kind, cfg.sequencerConfig(alignment), engine, send, logger, deps.Metrics)
	s.poller = poller.New(dc.Name, kind, cfg.pollerConfig(), tr, c, logger, deps.Metrics)

	retry := transport.Backoff{Initial: cfg.Poll.BackoffInitial, Max: cfg.Poll.BackoffMax, Jitter: 0.2}
	attempts := dc.ConnectRetries
	if attempts <= 0 {
		attempts = 1
	}
	if err := transport.Reconnect(ctx, dc.Name, attempts, retry, logger, func(ctx context.Context) error {
		return s.seq.Control(ctx, device.VerbConnect)
	}); err != nil {
		tr.Close()
		return nil, fmt.Errorf("connecting to %s: %w", dc.Name, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	s.cancel, s.group = cancel, g

	sub := s.poller.Subscribe()
	g.Go(func() error {
		return s.poller.Run(gctx)
	})
	g.Go(func() error {
		defer s.snapshots.Close()
		first := true
		for st := range sub.C() {
			s.seq.Observe(st)
			s.snapshots.Publish(st)
			if first {
				close(s.ready)
				first = false
			}
		}
		return nil
	})
	g.Go(func() error {
		return s.seq.Run(gctx)
	})
	logger.Info("session opened", zap.Stringer("id", s.ID), zap.String("transport", dc.Transport))
	return s, nil
}

// WaitReady blocks until the first status snapshot has been observed.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Sequencer() *sequencer.Sequencer {
	return s.seq
}

// Engine is nil for focusers and rotators.
func (s *Session) Engine() *tracking.Engine {
	return s.engine
}

// Latest returns the most recent snapshot, if any has been received.
func (s *Session) Latest() (device.State, bool) {
	return s.poller.Latest()
}

// Subscribe returns a buffered-latest feed of this device's snapshots.
func (s *Session) Subscribe() *broadcast.Subscription[device.State] {
	return s.snapshots.Subscribe()
}

// Info is the externally visible summary of a session.
type Info struct {
	ID     uuid.UUID        `json:"id"`
	Device string           `json:"device"`
	Kind   device.Kind      `json:"kind"`
	Opened time.Time        `json:"opened"`
	Status sequencer.Status `json:"status"`
	State  *device.State    `json:"state,omitempty"`
}

func (s *Session) Info() Info {
	info := Info{
		ID:     s.ID,
		Device: s.Name,
		Kind:   s.Kind,
		Opened: s.Opened,
		Status: s.seq.Status(),
	}
	if st, ok := s.Latest(); ok {
		info.State = &st
	}
	return info
}

// Close stops any motion, releases the device and shuts the session down.
// It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.seq.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop: %w", err))
		}
		if err := s.seq.Control(ctx, device.VerbDisconnect); err != nil {
			errs = append(errs, fmt.Errorf("disconnect: %w", err))
		}
		s.cancel()
		if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing transport: %w", err))
		}
		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil {
			s.logger.Warn("session closed with errors", zap.Error(s.closeErr))
		} else {
			s.logger.Info("session closed", zap.Stringer("id", s.ID))
		}
	})
	return s.closeErr
}
