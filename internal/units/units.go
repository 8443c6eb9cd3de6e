// Package units tags numeric wire values with the unit they travel in and
// converts them to the degrees used everywhere inside the module.
package units

import (
	"fmt"
	"math"
)

type Unit int

const (
	None Unit = iota
	Degrees
	Hours
	Arcminutes
	Arcseconds
	ArcsecPerSecond
	DegreesPerSecond
	Steps
	Ticks
)

func (u Unit) String() string {
	switch u {
	case None:
		return "none"
	case Degrees:
		return "deg"
	case Hours:
		return "h"
	case Arcminutes:
		return "arcmin"
	case Arcseconds:
		return "arcsec"
	case ArcsecPerSecond:
		return "arcsec/s"
	case DegreesPerSecond:
		return "deg/s"
	case Steps:
		return "steps"
	case Ticks:
		return "ticks"
	}
	return fmt.Sprintf("Unit(%d)", int(u))
}

// Canonical is the unit a tagged value is converted to inside the module.
func (u Unit) Canonical() Unit {
	switch u {
	case Hours, Arcminutes, Arcseconds:
		return Degrees
	case ArcsecPerSecond:
		return DegreesPerSecond
	}
	return u
}

// ToCanonical converts v from u into u.Canonical().
func (u Unit) ToCanonical(v float64) float64 {
	switch u {
	case Hours:
		return v * 15
	case Arcminutes:
		return ArcminutesToDegrees(v)
	case Arcseconds, ArcsecPerSecond:
		return v / 3600
	}
	return v
}

// FromCanonical converts v from u.Canonical() into u.
func (u Unit) FromCanonical(v float64) float64 {
	switch u {
	case Hours:
		return v / 15
	case Arcminutes:
		return v * 60
	case Arcseconds, ArcsecPerSecond:
		return v * 3600
	}
	return v
}

func ArcminutesToDegrees(arcmin float64) float64 {
	return arcmin / 60
}

// TickScale converts between axis-native encoder ticks and degrees.
type TickScale float64

func (s TickScale) Degrees(ticks int64) float64 {
	return float64(ticks) / float64(s)
}

func (s TickScale) Ticks(deg float64) int64 {
	return int64(math.Round(deg * float64(s)))
}

// Normalize wraps an angle into [0, 360).
func Normalize(angle float64) float64 {
	angle = math.Mod(angle, 360)
	if angle < 0 {
		angle += 360
	}
	if angle >= 360 {
		angle = 0
	}
	return angle
}

// Delta returns the signed shortest angular distance from a to b, in (-180, 180].
func Delta(a, b float64) float64 {
	d := math.Remainder(b-a, 360)
	if d == -180 {
		d = 180
	}
	return d
}
