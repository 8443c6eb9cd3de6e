package simulator

import (
	"math"

	"github.com/w1xm/pwi_interface/internal/units"
)

// axis is one servo driven joint. Positions and limits share the axis
// unit: degrees for mount axes and the rotator, steps for the focuser.
type axis struct {
	pos, vel float64
	// maxVel in units/s, maxAccel in units/s^2
	maxVel, maxAccel float64
	// wrap axes are circular over [0, 360).
	wrap bool
}

func (a *axis) delta(target float64) float64 {
	if a.wrap {
		return units.Delta(a.pos, target)
	}
	return target - a.pos
}

func (a *axis) set(pos float64) {
	if a.wrap {
		pos = units.Normalize(pos)
	}
	a.pos = pos
}

// drive moves the axis toward target for dt seconds without exceeding the
// velocity or acceleration limits, and reports whether it is on target.
func (a *axis) drive(target, dt float64) bool {
	d := a.delta(target)
	if math.Abs(d) <= 0.5*a.maxAccel*dt*dt {
		a.set(target)
		a.vel = 0
		return true
	}
	// Fastest speed from which the axis can still stop at the target.
	want := math.Copysign(math.Min(a.maxVel, math.Sqrt(2*a.maxAccel*math.Abs(d))), d)
	a.vel = velServo(a.vel, want, a.maxAccel*dt)
	step := a.vel * dt
	if math.Abs(step) >= math.Abs(d) && math.Signbit(step) == math.Signbit(d) {
		a.set(target)
		a.vel = 0
		return true
	}
	a.set(a.pos + step)
	return false
}

// coast decelerates an undriven axis.
func (a *axis) coast(dt float64) {
	a.vel = drag(a.vel, a.maxAccel*dt)
	a.set(a.pos + a.vel*dt)
}

func (a *axis) moving() bool {
	return a.vel != 0
}

// velServo changes velocity s toward t by at most step.
func velServo(s, t, step float64) float64 {
	delta := math.Abs(t - s)
	if delta > step {
		delta = step
	}
	if t < s {
		delta = -delta
	}
	return s + delta
}

func drag(s, step float64) float64 {
	a := math.Abs(s) - step
	if a < 0 {
		a = 0
	}
	return math.Copysign(a, s)
}
