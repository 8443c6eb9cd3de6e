// Package tracking computes where a mount must point to follow a target and
// how fast each axis must move to stay on it.
package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/w1xm/pwi_interface/device"
	"github.com/w1xm/pwi_interface/internal/units"
)

type Config struct {
	Site     Site
	Envelope Envelope
	// Delta is the finite difference step used to derive rates.
	Delta time.Duration
	// Window is how long a Vector stays valid.
	Window time.Duration
	// Lead is how long before expiry a Stream recomputes.
	Lead time.Duration
}

func (c Config) withDefaults() Config {
	if c.Delta <= 0 {
		c.Delta = time.Second
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Second
	}
	if c.Lead <= 0 || c.Lead >= c.Window {
		c.Lead = c.Window / 10
	}
	return c
}

// Vector is a pointing solution with per-axis rates in degrees per second.
type Vector struct {
	Coordinate
	RateRA, RateDec float64
	RateAz, RateAlt float64
	Time            time.Time
	ValidUntil      time.Time
}

// Rates returns the axis rates for the given mount frame.
func (v Vector) Rates(f device.Frame) (float64, float64) {
	if f == device.FrameHorizontal {
		return v.RateAz, v.RateAlt
	}
	return v.RateRA, v.RateDec
}

// At extrapolates the position linearly to t.
func (v Vector) At(t time.Time) Vector {
	dt := t.Sub(v.Time).Seconds()
	v.RA = units.Normalize(v.RA + v.RateRA*dt)
	v.Dec += v.RateDec * dt
	v.Az = units.Normalize(v.Az + v.RateAz*dt)
	v.Alt += v.RateAlt * dt
	v.HourAngle = units.Delta(0, v.HourAngle-v.RateRA*dt+360.98564736629/86400*dt)
	v.Time = t
	return v
}

// Valid reports whether t falls inside the vector's validity window.
func (v Vector) Valid(t time.Time) bool {
	return !t.Before(v.Time) && t.Before(v.ValidUntil)
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

func (e *Engine) Site() Site {
	return e.cfg.Site
}

func (e *Engine) Envelope() Envelope {
	return e.cfg.Envelope
}

// Solve locates target at t and derives rates by sampling it again at
// t+Delta. It returns an *OutOfEnvelopeError if either sample is outside the
// envelope; solutions are never clamped. Only the two endpoints are checked,
// not the path the mount takes to reach them.
func (e *Engine) Solve(ctx context.Context, target Target, t time.Time) (Vector, error) {
	c0, err := target.Locate(ctx, e.cfg.Site, t)
	if err != nil {
		return Vector{}, err
	}
	if err := e.cfg.Envelope.Check(c0); err != nil {
		return Vector{}, fmt.Errorf("%v: %w", target, err)
	}
	c1, err := target.Locate(ctx, e.cfg.Site, t.Add(e.cfg.Delta))
	if err != nil {
		return Vector{}, err
	}
	if err := e.cfg.Envelope.Check(c1); err != nil {
		return Vector{}, fmt.Errorf("%v at %v: %w", target, t.Add(e.cfg.Delta), err)
	}
	dt := e.cfg.Delta.Seconds()
	return Vector{
		Coordinate: c0,
		RateRA:     units.Delta(c0.RA, c1.RA) / dt,
		RateDec:    (c1.Dec - c0.Dec) / dt,
		RateAz:     units.Delta(c0.Az, c1.Az) / dt,
		RateAlt:    (c1.Alt - c0.Alt) / dt,
		Time:       t,
		ValidUntil: t.Add(e.cfg.Window),
	}, nil
}

// Stream returns a lazily recomputed sequence of vectors for target.
func (e *Engine) Stream(target Target) *Stream {
	return &Stream{engine: e, target: target}
}

// Stream hands out the current Vector for a target and recomputes it shortly
// before it expires.
type Stream struct {
	engine *Engine
	target Target

	mu  sync.Mutex
	cur Vector
	ok  bool
}

func (s *Stream) Target() Target {
	return s.target
}

// Next returns a vector valid at t, solving again if t is within Lead of the
// current vector's expiry.
func (s *Stream) Next(ctx context.Context, t time.Time) (Vector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ok && s.cur.Valid(t) && t.Before(s.cur.ValidUntil.Add(-s.engine.cfg.Lead)) {
		return s.cur, nil
	}
	v, err := s.engine.Solve(ctx, s.target, t)
	if err != nil {
		s.ok = false
		return Vector{}, err
	}
	s.cur, s.ok = v, true
	return v, nil
}

// CalibrationParams describes a horizontal calibration grid.
type CalibrationParams struct {
	MinAltitude, MaxAltitude float64
	// AltitudePoints are spread evenly from MinAltitude to MaxAltitude
	// inclusive.
	AltitudePoints int
	// AzimuthPoints are spread evenly from 0 up to but excluding 360.
	AzimuthPoints int
}

// CalibrationGrid returns the grid points ordered by altitude then azimuth.
func CalibrationGrid(p CalibrationParams) ([]Fixed, error) {
	if p.AltitudePoints < 1 || p.AzimuthPoints < 1 {
		return nil, fmt.Errorf("calibration grid needs at least one point per axis, got %d x %d", p.AltitudePoints, p.AzimuthPoints)
	}
	if p.MinAltitude > p.MaxAltitude || p.MinAltitude < -90 || p.MaxAltitude > 90 {
		return nil, fmt.Errorf("invalid calibration altitude range [%v, %v]", p.MinAltitude, p.MaxAltitude)
	}
	points := make([]Fixed, 0, p.AltitudePoints*p.AzimuthPoints)
	for i := 0; i < p.AltitudePoints; i++ {
		alt := p.MinAltitude
		if p.AltitudePoints > 1 {
			alt += (p.MaxAltitude - p.MinAltitude) * float64(i) / float64(p.AltitudePoints-1)
		}
		for j := 0; j < p.AzimuthPoints; j++ {
			points = append(points, Fixed{Az: 360 * float64(j) / float64(p.AzimuthPoints), Alt: alt})
		}
	}
	return points, nil
}
