package tracking

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/w1xm/pwi_interface/device"
)

var ErrOutOfEnvelope = errors.New("out of envelope")

// OutOfEnvelopeError reports a pointing solution the mount must not be sent
// to. It matches ErrOutOfEnvelope.
type OutOfEnvelopeError struct {
	Reason  string
	Az, Alt float64
}

func (e *OutOfEnvelopeError) Error() string {
	return fmt.Sprintf("out of envelope: %s (az %.3f, alt %.3f)", e.Reason, e.Az, e.Alt)
}

func (e *OutOfEnvelopeError) Is(target error) bool {
	return target == ErrOutOfEnvelope
}

// Alignment is the mount's mechanical design.
type Alignment int

const (
	AltAz Alignment = iota
	// Equatorial is a fork or other equatorial mount without a meridian flip.
	Equatorial
	GermanPolar
)

var alignmentNames = map[Alignment]string{
	AltAz:       "alt_az",
	Equatorial:  "equatorial",
	GermanPolar: "german_polar",
}

func (a Alignment) String() string {
	if s, ok := alignmentNames[a]; ok {
		return s
	}
	return fmt.Sprintf("Alignment(%d)", int(a))
}

func ParseAlignment(s string) (Alignment, error) {
	for a, name := range alignmentNames {
		if strings.EqualFold(s, name) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown mount alignment %q", s)
}

// Zone is a horizontal region the mount must not point into. AzMin may be
// greater than AzMax for a zone that wraps through north.
type Zone struct {
	Name           string
	AzMin, AzMax   float64
	AltMin, AltMax float64
}

func (z Zone) contains(az, alt float64) bool {
	if alt < z.AltMin || alt > z.AltMax {
		return false
	}
	if z.AzMin <= z.AzMax {
		return az >= z.AzMin && az <= z.AzMax
	}
	return az >= z.AzMin || az <= z.AzMax
}

// Envelope is the safe pointing region. Zero-valued limits are disabled,
// except MinAltitude which is the horizon by default.
type Envelope struct {
	Alignment   Alignment
	MinAltitude float64
	// ZenithLimit keeps alt-az mounts this many degrees away from the
	// zenith, where azimuth rates diverge.
	ZenithLimit float64
	// PoleLimit keeps equatorial mounts this many degrees away from the
	// celestial pole.
	PoleLimit float64
	// MeridianMargin is the hour angle band, in degrees either side of the
	// meridian, where a german polar mount would need to flip.
	MeridianMargin float64
	NoGo           []Zone
}

// Check returns an *OutOfEnvelopeError if c is outside the envelope.
func (e Envelope) Check(c Coordinate) error {
	fail := func(format string, args ...any) error {
		return &OutOfEnvelopeError{Reason: fmt.Sprintf(format, args...), Az: c.Az, Alt: c.Alt}
	}
	if math.IsNaN(c.Az) || math.IsNaN(c.Alt) || math.IsNaN(c.RA) || math.IsNaN(c.Dec) {
		return fail("no solution")
	}
	if c.Alt < e.MinAltitude {
		return fail("below altitude limit %.2f", e.MinAltitude)
	}
	switch e.Alignment {
	case AltAz:
		if e.ZenithLimit > 0 && 90-c.Alt < e.ZenithLimit {
			return fail("within %.2f of zenith", e.ZenithLimit)
		}
	case Equatorial, GermanPolar:
		if e.PoleLimit > 0 && 90-math.Abs(c.Dec) < e.PoleLimit {
			return fail("within %.2f of pole", e.PoleLimit)
		}
		if e.Alignment == GermanPolar && e.MeridianMargin > 0 && math.Abs(c.HourAngle) < e.MeridianMargin {
			return fail("within %.2f of meridian", e.MeridianMargin)
		}
	}
	for _, z := range e.NoGo {
		if z.contains(c.Az, c.Alt) {
			return fail("in no-go zone %q", z.Name)
		}
	}
	return nil
}

// Frame is the pair of axes the mount is commanded in.
func (a Alignment) Frame() device.Frame {
	if a == AltAz {
		return device.FrameHorizontal
	}
	return device.FrameEquatorial
}
