package device

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindMount   Kind = "mount"
	KindFocuser Kind = "focuser"
	KindRotator Kind = "rotator"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindMount, KindFocuser, KindRotator:
		return k, nil
	}
	return "", fmt.Errorf("unknown device kind %q", s)
}

// Mode is the motion mode the device itself reports.
type Mode int

const (
	ModeIdle Mode = iota
	ModeSlewing
	ModeTracking
	ModeParking
	ModeParked
	ModeFaulted
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeSlewing:
		return "slewing"
	case ModeTracking:
		return "tracking"
	case ModeParking:
		return "parking"
	case ModeParked:
		return "parked"
	case ModeFaulted:
		return "faulted"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	for c := ModeIdle; c <= ModeFaulted; c++ {
		if c.String() == string(b) {
			*m = c
			return nil
		}
	}
	return fmt.Errorf("unknown mode %q", b)
}

type Fault string

const (
	FaultNone           Fault = ""
	FaultConnectionLost Fault = "connection lost"
)

// State is a snapshot of a device as of Timestamp. A new poll produces a new
// State; values are never modified after they are published.
type State struct {
	Device    string `json:"device"`
	Kind      Kind   `json:"kind"`
	Connected bool   `json:"connected"`
	Enabled   bool   `json:"enabled"`

	// Mount axes, all in degrees. RA/Dec are apparent coordinates of date.
	RA  float64 `json:"ra,omitempty"`
	Dec float64 `json:"dec,omitempty"`
	Az  float64 `json:"az,omitempty"`
	Alt float64 `json:"alt,omitempty"`

	// Position is the scalar axis for focusers (steps) and rotators (degrees).
	Position float64 `json:"position,omitempty"`

	Mode     Mode   `json:"mode"`
	Moving   bool   `json:"moving"`
	Tracking bool   `json:"tracking"`
	Fault    Fault  `json:"fault,omitempty"`
	Version  string `json:"version,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Faulted reports whether the device is unreachable or reports a fault.
func (s State) Faulted() bool {
	return !s.Connected || s.Fault != FaultNone
}

// Ready matches the daemon's notion of a usable accessory: connected,
// enabled, and not moving.
func (s State) Ready() bool {
	return s.Connected && s.Enabled && !s.Moving && s.Fault == FaultNone
}

// Frame selects which pair of mount axes a coordinate or rate refers to.
type Frame int

const (
	FrameEquatorial Frame = iota
	FrameHorizontal
)

func (f Frame) String() string {
	if f == FrameHorizontal {
		return "horizontal"
	}
	return "equatorial"
}

// Axes returns the mount position in the given frame as (primary, secondary).
func (s State) Axes(f Frame) (float64, float64) {
	if f == FrameHorizontal {
		return s.Az, s.Alt
	}
	return s.RA, s.Dec
}
