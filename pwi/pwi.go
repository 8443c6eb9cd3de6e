// Package pwi encodes commands for and decodes status from the PlaneWave
// PWI4 control daemon.
//
// The daemon listens on port 8220. GET /status returns one key=value pair
// per line; every other endpoint is a command whose response only
// acknowledges receipt.
package pwi

import (
	"fmt"
	"math"
	"net/url"
	"strconv"

	"github.com/w1xm/pwi_interface/codec"
	"github.com/w1xm/pwi_interface/device"
	"github.com/w1xm/pwi_interface/internal/units"
	"github.com/w1xm/pwi_interface/transport"
)

const DefaultPort = 8220

type Codec struct {
	name  string
	kind  device.Kind
	table []codec.Field
}

var _ codec.Codec = (*Codec)(nil)

func New(name string, kind device.Kind) (*Codec, error) {
	table, ok := statusTables[kind]
	if !ok {
		return nil, fmt.Errorf("pwi: no status fields for %q", kind)
	}
	return &Codec{name: name, kind: kind, table: table}, nil
}

func (c *Codec) StatusRequest() transport.Request {
	return transport.Request{Path: "/status"}
}

func (c *Codec) Decode(resp transport.Response) (device.State, error) {
	s := device.State{
		Device:    c.name,
		Kind:      c.kind,
		Timestamp: resp.ReceivedAt,
	}
	if err := codec.DecodeFields(&s, c.table, codec.ParseKeyValues(resp.Body)); err != nil {
		return device.State{}, err
	}
	s.Mode = deriveMode(s)
	return s, nil
}

func deriveMode(s device.State) device.Mode {
	switch {
	case s.Fault != device.FaultNone:
		return device.ModeFaulted
	case s.Mode == device.ModeParked:
		// set by mount.is_parked
		return device.ModeParked
	case s.Moving:
		return device.ModeSlewing
	case s.Tracking:
		return device.ModeTracking
	}
	return device.ModeIdle
}

// Ack always succeeds; the transport already rejects non-2xx responses.
func (c *Codec) Ack(resp transport.Response) error {
	return nil
}

type route struct {
	path   string
	params func(device.Command) url.Values
}

func (c *Codec) Encode(cmd device.Command) (transport.Request, error) {
	r, ok := commandRoutes[c.kind][cmd.Verb]
	if !ok {
		return transport.Request{}, codec.Unsupported(c.kind, cmd.Verb)
	}
	req := transport.Request{Seq: cmd.Seq, Path: r.path}
	if r.params != nil {
		req.Params = r.params(cmd)
	}
	return req, nil
}

var commandRoutes = map[device.Kind]map[device.Verb]route{
	device.KindMount: {
		device.VerbConnect:     {path: "/mount/connect"},
		device.VerbDisconnect:  {path: "/mount/disconnect"},
		device.VerbTrackingOn:  {path: "/mount/tracking_on"},
		device.VerbTrackingOff: {path: "/mount/tracking_off"},
		device.VerbStop:        {path: "/mount/stop"},
		device.VerbPark:        {path: "/mount/park"},
		device.VerbHome:        {path: "/mount/find_home"},
		device.VerbGotoRADec: {path: "/mount/goto_ra_dec_apparent", params: func(cmd device.Command) url.Values {
			return url.Values{
				"ra_hours": {codec.FormatFloat(units.Normalize(cmd.RA), units.Hours)},
				"dec_degs": {codec.FormatFloat(cmd.Dec, units.Degrees)},
			}
		}},
		device.VerbGotoAltAz: {path: "/mount/goto_alt_az", params: func(cmd device.Command) url.Values {
			return url.Values{
				"alt_degs": {codec.FormatFloat(cmd.Alt, units.Degrees)},
				"az_degs":  {codec.FormatFloat(units.Normalize(cmd.Az), units.Degrees)},
			}
		}},
		device.VerbSetRate: {path: "/mount/offset", params: func(cmd device.Command) url.Values {
			return url.Values{
				"axis0_rate_arcsec_per_sec": {codec.FormatFloat(cmd.RateA, units.ArcsecPerSecond)},
				"axis1_rate_arcsec_per_sec": {codec.FormatFloat(cmd.RateB, units.ArcsecPerSecond)},
			}
		}},
		device.VerbFollowTLE: {path: "/mount/follow_tle", params: func(cmd device.Command) url.Values {
			return url.Values{
				"line1": {cmd.TLE[0]},
				"line2": {cmd.TLE[1]},
				"line3": {cmd.TLE[2]},
			}
		}},
	},
	device.KindFocuser: {
		device.VerbConnect:    {path: "/focuser/enable"},
		device.VerbDisconnect: {path: "/focuser/disable"},
		device.VerbStop:       {path: "/focuser/stop"},
		device.VerbMove: {path: "/focuser/goto", params: func(cmd device.Command) url.Values {
			return url.Values{"target": {strconv.FormatInt(int64(math.Round(cmd.Position)), 10)}}
		}},
	},
	device.KindRotator: {
		device.VerbConnect:    {path: "/rotator/enable"},
		device.VerbDisconnect: {path: "/rotator/disable"},
		device.VerbStop:       {path: "/rotator/stop"},
		device.VerbMove: {path: "/rotator/goto_field", params: func(cmd device.Command) url.Values {
			return url.Values{"degs": {codec.FormatFloat(cmd.Position, units.Degrees)}}
		}},
	},
}
