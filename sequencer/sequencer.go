// Package sequencer turns high level requests into ordered device commands
// and tracks the resulting motion through polled status.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/w1xm/pwi_interface/device"
	"github.com/w1xm/pwi_interface/internal/broadcast"
	"github.com/w1xm/pwi_interface/internal/metrics"
	"github.com/w1xm/pwi_interface/internal/units"
	"github.com/w1xm/pwi_interface/tracking"
	"github.com/w1xm/pwi_interface/transport"
	"go.uber.org/zap"
)

// Sender delivers one command to the device and waits for its
// acknowledgement.
type Sender interface {
	Send(ctx context.Context, cmd device.Command) error
}

type Config struct {
	// Alignment selects the frame mount goals and rates are sent in.
	Alignment tracking.Alignment
	// Tolerance is the arrival tolerance in degrees for mounts and rotators.
	Tolerance float64
	// PositionTolerance is the arrival tolerance in steps for focusers.
	PositionTolerance float64
	SlewTimeout       time.Duration
	ParkTimeout       time.Duration
	CommandTimeout    time.Duration
	// Settle is how long after a home command a stationary device counts
	// as homed, for homes too short for a poll to see any motion.
	Settle time.Duration
	// CorrectionInterval is the period of tracking rate updates.
	CorrectionInterval time.Duration
	// CorrectionTime is the time over which a pointing error is removed.
	CorrectionTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tolerance <= 0 {
		c.Tolerance = 0.01
	}
	if c.PositionTolerance <= 0 {
		c.PositionTolerance = 1
	}
	if c.SlewTimeout <= 0 {
		c.SlewTimeout = 3 * time.Minute
	}
	if c.ParkTimeout <= 0 {
		c.ParkTimeout = 5 * time.Minute
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.Settle <= 0 {
		c.Settle = 2 * time.Second
	}
	if c.CorrectionInterval <= 0 {
		c.CorrectionInterval = time.Second
	}
	if c.CorrectionTime <= 0 {
		c.CorrectionTime = 5 * time.Second
	}
	return c
}

type goal int

const (
	goalPosition goal = iota
	goalFollow
	goalHome
	goalPark
	goalHalt
)

// motion is the command the state machine is waiting to see completed.
type motion struct {
	cmd       device.Command
	goal      goal
	a, b      float64
	issued    time.Time
	deadline  time.Time
	sawMoving bool
}

// Status is a point in time view of the state machine.
type Status struct {
	Device    string    `json:"device"`
	State     State     `json:"state"`
	Target    string    `json:"target,omitempty"`
	Command   string    `json:"command,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Seq       uint64    `json:"seq"`
	Updated   time.Time `json:"updated"`
}

// Sequencer is the only writer of a device's state machine. Requests are
// validated and the state updated under one lock; the command itself is sent
// after the lock is released so that stop is never queued behind a slow
// request.
type Sequencer struct {
	name    string
	kind    device.Kind
	cfg     Config
	frame   device.Frame
	engine  *tracking.Engine
	send    Sender
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	state     State
	seq       uint64
	motion    *motion
	target    tracking.Target
	stream    *tracking.Stream
	follow    bool
	snapshot  device.State
	observed  bool
	faultedAt time.Time
	lastErr   error
	updated   time.Time

	events broadcast.Broadcaster[Transition]
}

// New returns a sequencer in Idle. engine may be nil for focusers and
// rotators.
func New(name string, kind device.Kind, cfg Config, engine *tracking.Engine, send Sender, logger *zap.Logger, m *metrics.Metrics) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	s := &Sequencer{
		name:    name,
		kind:    kind,
		cfg:     cfg,
		frame:   cfg.Alignment.Frame(),
		engine:  engine,
		send:    send,
		logger:  logger.With(zap.String("device", name)),
		metrics: m,
		now:     time.Now,
	}
	s.metrics.State(name, Idle.String(), stateNames)
	return s
}

// Subscribe returns a feed of state transitions. A subscriber that falls
// behind sees only the most recent one.
func (s *Sequencer) Subscribe() *broadcast.Subscription[Transition] {
	return s.events.Subscribe()
}

func (s *Sequencer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Device:  s.name,
		State:   s.state,
		Seq:     s.seq,
		Updated: s.updated,
	}
	if s.target != nil {
		st.Target = s.target.String()
	}
	if s.motion != nil {
		st.Command = s.motion.cmd.String()
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Goto slews the mount to target and tracks it once the mount arrives.
func (s *Sequencer) Goto(ctx context.Context, target tracking.Target) error {
	s.mu.Lock()
	if err := s.checkSlew(); err != nil {
		s.mu.Unlock()
		return err
	}
	v, err := s.solveLocked(ctx, target, s.checkSlew)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	a, b := v.Axes(s.frame)
	var cmd device.Command
	if s.frame == device.FrameHorizontal {
		cmd = s.next(device.VerbGotoAltAz)
		cmd.Az, cmd.Alt = a, b
	} else {
		cmd = s.next(device.VerbGotoRADec)
		cmd.RA, cmd.Dec = a, b
	}
	revert := s.save()
	s.start(cmd, goalPosition, a, b, s.cfg.SlewTimeout)
	s.target, s.stream, s.follow = target, s.engine.Stream(target), false
	s.setState(Slewing, cmd.String())
	s.mu.Unlock()

	return s.issue(ctx, cmd, revert)
}

// FollowTLE hands satellite tracking to the daemon.
func (s *Sequencer) FollowTLE(ctx context.Context, sat *tracking.Satellite) error {
	s.mu.Lock()
	if err := s.checkSlew(); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, err := s.solveLocked(ctx, sat, s.checkSlew); err != nil {
		s.mu.Unlock()
		return err
	}
	cmd := s.next(device.VerbFollowTLE)
	cmd.TLE = sat.Lines()
	revert := s.save()
	s.start(cmd, goalFollow, 0, 0, s.cfg.SlewTimeout)
	s.target, s.stream, s.follow = sat, nil, true
	s.setState(Slewing, cmd.String())
	s.mu.Unlock()

	return s.issue(ctx, cmd, revert)
}

// Move drives a focuser (steps) or rotator (degrees) to position.
func (s *Sequencer) Move(ctx context.Context, position float64) error {
	s.mu.Lock()
	if s.kind == device.KindMount {
		s.mu.Unlock()
		return fmt.Errorf("%w: move is for focusers and rotators", ErrInvalidState)
	}
	if err := s.checkMotion(s.kind); err != nil {
		s.mu.Unlock()
		return err
	}
	if math.IsNaN(position) || math.IsInf(position, 0) {
		s.mu.Unlock()
		return fmt.Errorf("%w: position %v", ErrInvalidTarget, position)
	}
	if s.kind == device.KindRotator {
		position = units.Normalize(position)
	}
	cmd := s.next(device.VerbMove)
	cmd.Position = position
	revert := s.save()
	s.start(cmd, goalPosition, position, 0, s.cfg.SlewTimeout)
	s.target, s.stream, s.follow = nil, nil, false
	s.setState(Slewing, cmd.String())
	s.mu.Unlock()

	return s.issue(ctx, cmd, revert)
}

// Home finds the device's home position. A parked mount may be homed.
func (s *Sequencer) Home(ctx context.Context) error {
	s.mu.Lock()
	if err := s.checkMotion(s.kind); err != nil {
		s.mu.Unlock()
		return err
	}
	cmd := s.next(device.VerbHome)
	revert := s.save()
	s.start(cmd, goalHome, 0, 0, s.cfg.SlewTimeout)
	s.target, s.stream, s.follow = nil, nil, false
	s.setState(Slewing, cmd.String())
	s.mu.Unlock()

	return s.issue(ctx, cmd, revert)
}

func (s *Sequencer) Park(ctx context.Context) error {
	s.mu.Lock()
	if err := s.checkMotion(device.KindMount); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.state == Parked {
		s.mu.Unlock()
		return nil
	}
	cmd := s.next(device.VerbPark)
	revert := s.save()
	s.start(cmd, goalPark, 0, 0, s.cfg.ParkTimeout)
	s.target, s.stream, s.follow = nil, nil, false
	s.setState(Parking, cmd.String())
	s.mu.Unlock()

	return s.issue(ctx, cmd, revert)
}

// Stop is accepted in every state. The state machine moves to Stopping and
// reaches Idle once a later poll shows the device halted. A faulted device
// keeps its state until Reset, and a parked mount stays Parked since stop
// does not unpark it.
func (s *Sequencer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.stopLocked("stop")
	s.mu.Unlock()

	return s.issue(ctx, cmd, nil)
}

func (s *Sequencer) stopLocked(reason string) device.Command {
	cmd := s.next(device.VerbStop)
	s.target, s.stream, s.follow = nil, nil, false
	switch s.state {
	case Faulted, Parked:
		s.motion = nil
	default:
		s.start(cmd, goalHalt, 0, 0, s.cfg.SlewTimeout)
		s.setState(Stopping, reason)
	}
	return cmd
}

// Reset clears a fault once a poll newer than the fault shows the device
// connected and fault free.
func (s *Sequencer) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Faulted {
		return fmt.Errorf("%w: reset from %v", ErrInvalidState, s.state)
	}
	switch {
	case !s.observed || !s.snapshot.Timestamp.After(s.faultedAt):
		return fmt.Errorf("%w: no status received since the fault", ErrNotConnected)
	case !s.snapshot.Connected:
		return ErrNotConnected
	case s.snapshot.Fault != device.FaultNone:
		return fmt.Errorf("%w: %s", ErrFaulted, s.snapshot.Fault)
	}
	s.motion, s.lastErr = nil, nil
	s.setState(Idle, "reset")
	return nil
}

// Control sends a command that starts no motion, such as connect or
// tracking_off, in sequence with everything else.
func (s *Sequencer) Control(ctx context.Context, verb device.Verb) error {
	if verb.IsMotion() || verb == device.VerbStop {
		return fmt.Errorf("%w: %s is not a control command", ErrInvalidState, verb)
	}
	s.mu.Lock()
	cmd := s.next(verb)
	s.mu.Unlock()
	return s.issue(ctx, cmd, nil)
}

// Observe feeds a polled snapshot into the state machine. Only snapshots
// acquired after a command was issued can confirm it.
func (s *Sequencer) Observe(st device.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot, s.observed = st, true

	if st.Fault != device.FaultNone {
		if s.state != Faulted {
			s.fault(string(st.Fault))
		}
		return
	}
	if !st.Connected && (s.state.busy() || s.state == Tracking) {
		s.fault("device disconnected")
		return
	}
	m := s.motion
	if m == nil {
		s.syncParked(st)
	}
	if m == nil || !st.Timestamp.After(m.issued) {
		s.checkDeadline()
		return
	}
	if st.Moving {
		m.sawMoving = true
	}
	switch s.state {
	case Slewing:
		if s.arrived(m, st) {
			s.motion = nil
			if m.goal == goalFollow || s.stream != nil {
				s.setState(Tracking, "arrived")
			} else {
				s.setState(Idle, "arrived")
			}
		}
	case Stopping:
		if !st.Moving {
			s.motion = nil
			s.setState(Idle, "halted")
		}
	case Parking:
		if st.Mode == device.ModeParked {
			s.motion = nil
			s.setState(Parked, "parked")
		}
	}
	s.checkDeadline()
}

// syncParked follows a mount parked or unparked outside the sequencer, for
// example from the vendor's own software.
func (s *Sequencer) syncParked(st device.State) {
	if s.kind != device.KindMount || !st.Connected {
		return
	}
	switch {
	case s.state == Idle && st.Mode == device.ModeParked:
		s.setState(Parked, "device reports parked")
	case s.state == Parked && st.Mode != device.ModeParked:
		s.setState(Idle, "device reports unparked")
	}
}

// Run issues tracking rate corrections until ctx is done. Subscriptions are
// closed on return.
func (s *Sequencer) Run(ctx context.Context) error {
	defer s.events.Close()
	t := time.NewTicker(s.cfg.CorrectionInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if err := s.Correct(ctx); err != nil {
			s.logger.Warn("tracking correction", zap.Error(err))
		}
	}
}

// Correct sends one tracking rate update while Tracking: the target's rate
// plus the pointing error spread over CorrectionTime. A target leaving the
// envelope stops the mount.
func (s *Sequencer) Correct(ctx context.Context) error {
	s.mu.Lock()
	s.checkDeadline()
	if s.state != Tracking || s.stream == nil || s.follow || !s.observed {
		s.mu.Unlock()
		return nil
	}
	stream, seq := s.stream, s.seq
	s.mu.Unlock()

	v, err := stream.Next(ctx, s.now())

	s.mu.Lock()
	if s.state != Tracking || s.stream != stream || s.seq != seq {
		// Stopped or retargeted while solving.
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.lastErr = err
		if !errors.Is(err, tracking.ErrOutOfEnvelope) {
			s.mu.Unlock()
			return err
		}
		cmd := s.stopLocked(err.Error())
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Warn("target left envelope, stopping", zap.Error(err))
		if serr := s.issue(ctx, cmd, nil); serr != nil {
			return serr
		}
		return err
	}
	obs := s.snapshot
	ga, gb := v.At(obs.Timestamp).Axes(s.frame)
	oa, ob := obs.Axes(s.frame)
	ra, rb := v.Rates(s.frame)
	tau := s.cfg.CorrectionTime.Seconds()

	cmd := s.next(device.VerbSetRate)
	cmd.Frame = s.frame
	cmd.RateA = ra + units.Delta(oa, ga)/tau
	cmd.RateB = rb + (gb-ob)/tau
	s.mu.Unlock()

	if err := s.issue(ctx, cmd, nil); err != nil {
		return err
	}
	s.metrics.TrackingCorrection(s.name)
	return nil
}

// checkMotion rejects a motion request that would compete with one in
// progress or that the device cannot accept. Motion the sequencer did not
// start, such as a hand paddle slew, counts as busy.
func (s *Sequencer) checkMotion(kind device.Kind) error {
	switch {
	case s.kind != kind:
		return fmt.Errorf("%w: not supported by %s", ErrInvalidState, s.kind)
	case s.state.busy():
		return fmt.Errorf("%w: %v", ErrBusy, s.state)
	case s.state == Faulted:
		return ErrFaulted
	case !s.observed || !s.snapshot.Connected:
		return ErrNotConnected
	case s.snapshot.Moving:
		return fmt.Errorf("%w: device is moving", ErrBusy)
	}
	return nil
}

// checkSlew is checkMotion for requests that point the mount at a target.
func (s *Sequencer) checkSlew() error {
	if err := s.checkMotion(device.KindMount); err != nil {
		return err
	}
	if s.state == Parked {
		return fmt.Errorf("%w: mount is parked, home it first", ErrInvalidState)
	}
	return nil
}

// solveLocked solves target with s.mu released so that a slow target does
// not hold up Stop or Observe. It is called with s.mu held and returns with
// it held. The request is rejected if check fails once the lock is retaken
// or if another command was issued in the meantime.
func (s *Sequencer) solveLocked(ctx context.Context, target tracking.Target, check func() error) (tracking.Vector, error) {
	seq, now := s.seq, s.now()
	s.mu.Unlock()
	v, err := s.engine.Solve(ctx, target, now)
	s.mu.Lock()

	switch {
	case err != nil && ctx.Err() != nil:
		return tracking.Vector{}, err
	case err != nil:
		return tracking.Vector{}, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if err := check(); err != nil {
		return tracking.Vector{}, err
	}
	if s.seq != seq {
		return tracking.Vector{}, fmt.Errorf("%w: command #%d issued while locating %v", ErrBusy, s.seq, target)
	}
	return v, nil
}

func (s *Sequencer) arrived(m *motion, st device.State) bool {
	switch m.goal {
	case goalFollow:
		return st.Tracking && !st.Moving
	case goalHome:
		return !st.Moving && (m.sawMoving || !st.Timestamp.Before(m.issued.Add(s.cfg.Settle)))
	}
	switch s.kind {
	case device.KindMount:
		a, b := st.Axes(s.frame)
		return math.Abs(units.Delta(a, m.a)) <= s.cfg.Tolerance && math.Abs(b-m.b) <= s.cfg.Tolerance
	case device.KindRotator:
		return math.Abs(units.Delta(st.Position, m.a)) <= s.cfg.Tolerance
	}
	return math.Abs(st.Position-m.a) <= s.cfg.PositionTolerance
}

func (s *Sequencer) checkDeadline() {
	if m := s.motion; m != nil && s.state.busy() && s.now().After(m.deadline) {
		s.fault(fmt.Sprintf("%s not confirmed within %v", m.cmd.Verb, m.deadline.Sub(m.issued)))
	}
}

func (s *Sequencer) fault(reason string) {
	s.motion, s.target, s.stream, s.follow = nil, nil, nil, false
	s.lastErr = fmt.Errorf("%w: %s", ErrFaulted, reason)
	s.setState(Faulted, reason)
}

func (s *Sequencer) next(verb device.Verb) device.Command {
	s.seq++
	return device.Command{Seq: s.seq, Device: s.name, Verb: verb}
}

func (s *Sequencer) start(cmd device.Command, g goal, a, b float64, timeout time.Duration) {
	now := s.now()
	s.motion = &motion{cmd: cmd, goal: g, a: a, b: b, issued: now, deadline: now.Add(timeout)}
}

// save captures what a failed request must restore.
func (s *Sequencer) save() func() {
	state, m, target, stream, follow := s.state, s.motion, s.target, s.stream, s.follow
	return func() {
		s.motion, s.target, s.stream, s.follow = m, target, stream, follow
		s.setState(state, "command failed")
	}
}

func (s *Sequencer) setState(to State, reason string) {
	if to == s.state {
		return
	}
	t := Transition{Device: s.name, From: s.state, To: to, Reason: reason, Time: s.now()}
	s.state, s.updated = to, t.Time
	if to == Faulted {
		s.faultedAt = t.Time
		s.logger.Error("faulted", zap.Stringer("from", t.From), zap.String("reason", reason))
	} else {
		s.logger.Info("state changed", zap.Stringer("from", t.From), zap.Stringer("to", to), zap.String("reason", reason))
	}
	s.metrics.State(s.name, to.String(), stateNames)
	s.events.Publish(t)
}

// issue sends cmd outside the lock. A command that may have reached the
// device (timeout) leaves the state to be confirmed by polls; any other
// failure, including one never written to the wire, runs revert unless a
// newer command has been issued since.
func (s *Sequencer) issue(ctx context.Context, cmd device.Command, revert func()) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	err := s.send.Send(ctx, cmd)
	s.metrics.Command(s.name, string(cmd.Verb), err)
	if err == nil {
		s.logger.Debug("command sent", zap.Stringer("command", cmd))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	if errors.Is(err, transport.ErrTimeout) && !errors.Is(err, transport.ErrNotSent) {
		s.logger.Warn("command not acknowledged", zap.Stringer("command", cmd), zap.Error(err))
		return err
	}
	s.logger.Warn("command failed", zap.Stringer("command", cmd), zap.Error(err))
	if revert != nil && s.seq == cmd.Seq {
		revert()
	}
	return err
}
