// Package simulator is an in-process stand-in for the control daemon. It
// serves the daemon's HTTP routes over a mount, focuser and rotator with
// simple servo physics, and can answer the focuser's serial line protocol.
package simulator

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/w1xm/pwi_interface/device"
	"github.com/w1xm/pwi_interface/internal/units"
	"github.com/w1xm/pwi_interface/tracking"
	"go.uber.org/zap"
)

const (
	// Mount slew limits in degrees/second and degrees/second^2.
	mountVel   = 5
	mountAccel = 10
	// Focuser speed in steps/second.
	focuserVel   = 2000
	focuserAccel = 4000
	rotatorVel   = 10
	rotatorAccel = 20

	parkAz, parkAlt = 180, 20
	homeAz, homeAlt = 0, 45

	// Discrete simulation step size for Run.
	stepSize = 25 * time.Millisecond

	Version = "4.1.5-sim"
)

type hold int

const (
	// holdNone lets the axes coast to a stop.
	holdNone hold = iota
	holdHorizontal
	holdEquatorial
	holdSatellite
)

type mount struct {
	connected bool
	az, alt   axis

	hold hold
	// a, b are the held coordinates in the hold frame: az/alt or RA/Dec.
	a, b         float64
	rateA, rateB float64
	sat          *tracking.Satellite

	slewing, parking, tracking, parked bool
	fault                              string
}

type accessory struct {
	connected, enabled bool
	axis               axis
	target             float64
	moving             bool
	fault              string
}

func (x *accessory) step(dt float64) {
	if x.moving && x.axis.drive(x.target, dt) {
		x.moving = false
	}
	if !x.moving {
		x.axis.coast(dt)
	}
}

// Simulator is safe for concurrent use. Time only advances through Step (or
// Run), so tests can drive it deterministically.
type Simulator struct {
	logger *zap.Logger
	router *mux.Router

	mu         sync.Mutex
	site       tracking.Site
	now        time.Time
	mount      mount
	focuser    accessory
	rotator    accessory
	offline    bool
	failStatus int
}

// New returns a simulator for an observer at site whose clock starts at
// start. The simulated mount reports geometric (unrefracted) positions.
func New(site tracking.Site, start time.Time, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	site.Pressure = 0
	s := &Simulator{
		logger: logger,
		site:   site,
		now:    start,
		mount: mount{
			az:  axis{pos: parkAz, maxVel: mountVel, maxAccel: mountAccel, wrap: true},
			alt: axis{pos: parkAlt, maxVel: mountVel, maxAccel: mountAccel},
		},
		focuser: accessory{connected: true, axis: axis{maxVel: focuserVel, maxAccel: focuserAccel}},
		rotator: accessory{connected: true, axis: axis{maxVel: rotatorVel, maxAccel: rotatorAccel, wrap: true}},
	}
	s.router = s.routes()
	return s
}

func (s *Simulator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Now returns the simulated time.
func (s *Simulator) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// SetOffline makes every request fail at the connection level, as if the
// daemon had gone away.
func (s *Simulator) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailStatus makes the next n status requests return an unparseable body.
func (s *Simulator) FailStatus(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = n
}

// SetFault sets or, with an empty reason, clears a device reported error.
func (s *Simulator) SetFault(kind device.Kind, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case device.KindMount:
		s.mount.fault = reason
		if reason != "" {
			s.mount.hold, s.mount.slewing, s.mount.parking, s.mount.tracking = holdNone, false, false, false
		}
	case device.KindFocuser:
		s.focuser.fault = reason
		s.focuser.moving = s.focuser.moving && reason == ""
	case device.KindRotator:
		s.rotator.fault = reason
		s.rotator.moving = s.rotator.moving && reason == ""
	}
}

// Position returns the mount's az/alt axes.
func (s *Simulator) Position() (az, alt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mount.az.pos, s.mount.alt.pos
}

// Run steps the simulation in real time until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	t := time.NewTicker(stepSize)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			s.Step(now.Sub(last))
			last = now
		}
	}
}

// Step advances the simulation by dt.
func (s *Simulator) Step(dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(dt)
	sec := dt.Seconds()
	s.stepMount(sec)
	s.focuser.step(sec)
	s.rotator.step(sec)
}

func (s *Simulator) stepMount(dt float64) {
	m := &s.mount
	if !m.slewing && (m.hold == holdHorizontal || m.hold == holdEquatorial) {
		m.a += m.rateA * dt
		m.b += m.rateB * dt
	}
	az, alt, ok := s.mountGoal()
	if !ok {
		m.az.coast(dt)
		m.alt.coast(dt)
		return
	}
	azDone := m.az.drive(az, dt)
	altDone := m.alt.drive(alt, dt)
	if !m.slewing || !azDone || !altDone {
		return
	}
	m.slewing = false
	switch {
	case m.parking:
		m.parking, m.parked, m.hold = false, true, holdNone
	case m.hold == holdEquatorial || m.hold == holdSatellite:
		m.tracking = true
	}
}

// mountGoal returns where the axes should be now.
func (s *Simulator) mountGoal() (az, alt float64, ok bool) {
	m := &s.mount
	switch m.hold {
	case holdHorizontal:
		return m.a, m.b, true
	case holdEquatorial:
		c := s.site.Apparent(m.a, m.b, s.now)
		return c.Az, c.Alt, true
	case holdSatellite:
		c, err := m.sat.Locate(context.Background(), s.site, s.now)
		if err != nil {
			s.logger.Warn("satellite propagation failed, stopping", zap.Error(err))
			m.hold, m.slewing, m.tracking = holdNone, false, false
			return 0, 0, false
		}
		return c.Az, c.Alt, true
	}
	return 0, 0, false
}

func (s *Simulator) mountMoving() bool {
	m := &s.mount
	return m.slewing || (m.hold == holdNone && (m.az.moving() || m.alt.moving()))
}

// status renders the daemon's key=value status text.
func (s *Simulator) status() string {
	var b strings.Builder
	line := func(key string, value any) {
		fmt.Fprintf(&b, "%s=%v\n", key, value)
	}
	line("response.timestamp_utc", s.now.UTC().Format("2006-01-02 15:04:05.0"))
	line("pwi4.version", Version)

	m := &s.mount
	c := s.site.Horizontal(m.az.pos, m.alt.pos, s.now)
	line("mount.is_connected", m.connected)
	line("mount.axis0.is_enabled", m.connected)
	line("mount.axis1.is_enabled", m.connected)
	line("mount.ra_apparent_hours", format(units.Hours.FromCanonical(c.RA)))
	line("mount.dec_apparent_degs", format(c.Dec))
	line("mount.azimuth_degs", format(m.az.pos))
	line("mount.altitude_degs", format(m.alt.pos))
	line("mount.is_slewing", s.mountMoving())
	line("mount.is_tracking", m.tracking)
	line("mount.is_parked", m.parked)
	if m.fault != "" {
		line("mount.error", m.fault)
	}

	f := &s.focuser
	line("focuser.is_connected", f.connected)
	line("focuser.is_enabled", f.enabled)
	line("focuser.position", format(math.Round(f.axis.pos)))
	line("focuser.is_moving", f.moving || f.axis.moving())
	if f.fault != "" {
		line("focuser.error", f.fault)
	}

	r := &s.rotator
	line("rotator.is_connected", r.connected)
	line("rotator.is_enabled", r.enabled)
	line("rotator.field_angle_degs", format(r.axis.pos))
	line("rotator.is_moving", r.moving || r.axis.moving())
	if r.fault != "" {
		line("rotator.error", r.fault)
	}
	return b.String()
}

func format(v float64) string {
	return fmt.Sprintf("%.8f", v)
}

func (s *Simulator) gotoHorizontal(az, alt float64) {
	m := &s.mount
	m.hold, m.a, m.b = holdHorizontal, units.Normalize(az), alt
	m.rateA, m.rateB = 0, 0
	m.slewing, m.parking, m.parked, m.tracking = true, false, false, false
	m.sat = nil
}

func (s *Simulator) gotoEquatorial(ra, dec float64) {
	s.gotoHorizontal(0, 0)
	m := &s.mount
	m.hold, m.a, m.b = holdEquatorial, units.Normalize(ra), dec
}

func (s *Simulator) stopMount() {
	m := &s.mount
	m.hold, m.rateA, m.rateB, m.sat = holdNone, 0, 0, nil
	m.slewing, m.parking, m.tracking = false, false, false
}
