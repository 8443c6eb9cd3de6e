package device

import "fmt"

type Verb string

const (
	VerbConnect     Verb = "connect"
	VerbDisconnect  Verb = "disconnect"
	VerbGotoRADec   Verb = "goto_ra_dec"
	VerbGotoAltAz   Verb = "goto_alt_az"
	VerbTrackingOn  Verb = "tracking_on"
	VerbTrackingOff Verb = "tracking_off"
	VerbSetRate     Verb = "set_tracking_rate"
	VerbFollowTLE   Verb = "follow_tle"
	VerbStop        Verb = "stop"
	VerbPark        Verb = "park"
	VerbHome        Verb = "home"
	VerbMove        Verb = "move"
)

// IsMotion reports whether the verb starts a physical movement that must be
// confirmed by later polls.
func (v Verb) IsMotion() bool {
	switch v {
	case VerbGotoRADec, VerbGotoAltAz, VerbFollowTLE, VerbPark, VerbHome, VerbMove:
		return true
	}
	return false
}

// Command is a single request to one device. Seq increases monotonically per
// device; a Command is sent at most once.
type Command struct {
	Seq    uint64
	Device string
	Verb   Verb

	// Coordinates in degrees.
	RA, Dec float64
	Az, Alt float64

	// Tracking rates in degrees per second, in Frame.
	Frame        Frame
	RateA, RateB float64

	// Position for VerbMove: focuser steps or rotator degrees.
	Position float64

	// TLE for VerbFollowTLE; Name may be empty.
	TLE [3]string
}

func (c Command) String() string {
	switch c.Verb {
	case VerbGotoRADec:
		return fmt.Sprintf("#%d %s ra=%.5f dec=%.5f", c.Seq, c.Verb, c.RA, c.Dec)
	case VerbGotoAltAz:
		return fmt.Sprintf("#%d %s az=%.5f alt=%.5f", c.Seq, c.Verb, c.Az, c.Alt)
	case VerbSetRate:
		return fmt.Sprintf("#%d %s %s %.6f,%.6f", c.Seq, c.Verb, c.Frame, c.RateA, c.RateB)
	case VerbMove:
		return fmt.Sprintf("#%d %s %.3f", c.Seq, c.Verb, c.Position)
	}
	return fmt.Sprintf("#%d %s", c.Seq, c.Verb)
}
