package pwi

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/w1xm/pwi_interface/codec"
	"github.com/w1xm/pwi_interface/device"
	"github.com/w1xm/pwi_interface/transport"
)

const mountStatus = `response.timestamp_utc=2025-04-08 23:20:00.1
pwi4.version=4.1.5
mount.is_connected=true
mount.axis0.is_enabled=true
mount.axis1.is_enabled=true
mount.ra_apparent_hours=1.5
mount.dec_apparent_degs=-20.25
mount.azimuth_degs=181.5
mount.altitude_degs=45.0
mount.is_slewing=false
mount.is_tracking=true
mount.field_angle_here_degs=12.0
`

func TestDecode(t *testing.T) {
	at := time.Date(2025, 4, 8, 23, 20, 0, 0, time.UTC)
	for _, test := range []struct {
		name string
		kind device.Kind
		body string
		want device.State
	}{
		{"mount tracking", device.KindMount, mountStatus, device.State{
			Device: "dev", Kind: device.KindMount, Connected: true, Enabled: true,
			RA: 22.5, Dec: -20.25, Az: 181.5, Alt: 45,
			Mode: device.ModeTracking, Tracking: true, Version: "4.1.5", Timestamp: at,
		}},
		{"mount one axis disabled", device.KindMount, mountStatus + "mount.axis1.is_enabled=false\nmount.is_slewing=true\n", device.State{
			Device: "dev", Kind: device.KindMount, Connected: true,
			RA: 22.5, Dec: -20.25, Az: 181.5, Alt: 45,
			Mode: device.ModeSlewing, Moving: true, Tracking: true, Version: "4.1.5", Timestamp: at,
		}},
		{"mount parked", device.KindMount, mountStatus + "mount.is_parked=true\n", device.State{
			Device: "dev", Kind: device.KindMount, Connected: true, Enabled: true,
			RA: 22.5, Dec: -20.25, Az: 181.5, Alt: 45,
			Mode: device.ModeParked, Tracking: true, Version: "4.1.5", Timestamp: at,
		}},
		{"mount fault", device.KindMount, mountStatus + "mount.error=axis0 following error\n", device.State{
			Device: "dev", Kind: device.KindMount, Connected: true, Enabled: true,
			RA: 22.5, Dec: -20.25, Az: 181.5, Alt: 45,
			Mode: device.ModeFaulted, Tracking: true, Fault: "axis0 following error", Version: "4.1.5", Timestamp: at,
		}},
		{"focuser moving", device.KindFocuser, "focuser.is_connected=true\r\nfocuser.is_enabled=true\r\nfocuser.position=12345\r\nfocuser.is_moving=true\r\n", device.State{
			Device: "dev", Kind: device.KindFocuser, Connected: true, Enabled: true,
			Position: 12345, Mode: device.ModeSlewing, Moving: true, Timestamp: at,
		}},
		{"rotator wraps", device.KindRotator, "rotator.is_connected=true\nrotator.is_enabled=false\nrotator.field_angle_degs=-90\nrotator.is_moving=false\n", device.State{
			Device: "dev", Kind: device.KindRotator, Connected: true,
			Position: 270, Mode: device.ModeIdle, Timestamp: at,
		}},
	} {
		t.Run(test.name, func(t *testing.T) {
			c, err := New("dev", test.kind)
			if err != nil {
				t.Fatal(err)
			}
			got, err := c.Decode(transport.Response{Body: []byte(test.body), ReceivedAt: at})
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if diff := cmp.Diff(got, test.want, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
				t.Errorf("unexpected status: got(-)/want(+):\n%s", diff)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	c, err := New("mount", device.KindMount)
	if err != nil {
		t.Fatal(err)
	}
	for _, test := range []struct {
		name        string
		body        string
		wantMissing string
		wantInvalid *codec.InvalidValueError
	}{
		{"missing dec", "mount.is_connected=true\nmount.ra_apparent_hours=1\nmount.azimuth_degs=0\nmount.altitude_degs=0\nmount.is_slewing=false\nmount.is_tracking=false\n", "mount.dec_apparent_degs", nil},
		{"empty body", "", "mount.is_connected", nil},
		{"bad float", "mount.is_connected=true\nmount.ra_apparent_hours=1h30m\n", "", &codec.InvalidValueError{Name: "mount.ra_apparent_hours", Raw: "1h30m"}},
		{"nan", "mount.is_connected=true\nmount.ra_apparent_hours=NaN\n", "", &codec.InvalidValueError{Name: "mount.ra_apparent_hours", Raw: "NaN"}},
		{"bad bool", "mount.is_connected=maybe\n", "", &codec.InvalidValueError{Name: "mount.is_connected", Raw: "maybe"}},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := c.Decode(transport.Response{Body: []byte(test.body)})
			if !errors.Is(err, codec.ErrDecode) {
				t.Fatalf("Decode error = %v, want ErrDecode", err)
			}
			if test.wantMissing != "" {
				var missing *codec.MissingFieldError
				if !errors.As(err, &missing) || missing.Name != test.wantMissing {
					t.Errorf("Decode error = %v, want missing %q", err, test.wantMissing)
				}
			}
			if test.wantInvalid != nil {
				var invalid *codec.InvalidValueError
				if !errors.As(err, &invalid) {
					t.Fatalf("Decode error = %v, want InvalidValueError", err)
				}
				if diff := cmp.Diff(invalid, test.wantInvalid); diff != "" {
					t.Errorf("unexpected error: got(-)/want(+):\n%s", diff)
				}
			}
		})
	}
}

func TestEncode(t *testing.T) {
	for _, test := range []struct {
		kind device.Kind
		cmd  device.Command
		want transport.Request
	}{
		{device.KindMount, device.Command{Seq: 1, Verb: device.VerbGotoRADec, RA: 22.5, Dec: -20.25},
			transport.Request{Seq: 1, Path: "/mount/goto_ra_dec_apparent", Params: url.Values{"ra_hours": {"1.5"}, "dec_degs": {"-20.25"}}}},
		{device.KindMount, device.Command{Seq: 2, Verb: device.VerbGotoRADec, RA: -15, Dec: 0},
			transport.Request{Seq: 2, Path: "/mount/goto_ra_dec_apparent", Params: url.Values{"ra_hours": {"23"}, "dec_degs": {"0"}}}},
		{device.KindMount, device.Command{Seq: 3, Verb: device.VerbGotoAltAz, Az: 370, Alt: 30},
			transport.Request{Seq: 3, Path: "/mount/goto_alt_az", Params: url.Values{"alt_degs": {"30"}, "az_degs": {"10"}}}},
		{device.KindMount, device.Command{Seq: 4, Verb: device.VerbSetRate, RateA: 0.5, RateB: -0.25},
			transport.Request{Seq: 4, Path: "/mount/offset", Params: url.Values{"axis0_rate_arcsec_per_sec": {"1800"}, "axis1_rate_arcsec_per_sec": {"-900"}}}},
		{device.KindMount, device.Command{Seq: 5, Verb: device.VerbHome},
			transport.Request{Seq: 5, Path: "/mount/find_home"}},
		{device.KindMount, device.Command{Seq: 6, Verb: device.VerbFollowTLE, TLE: [3]string{"ISS", "1 a", "2 b"}},
			transport.Request{Seq: 6, Path: "/mount/follow_tle", Params: url.Values{"line1": {"ISS"}, "line2": {"1 a"}, "line3": {"2 b"}}}},
		{device.KindFocuser, device.Command{Seq: 7, Verb: device.VerbMove, Position: 12345.4},
			transport.Request{Seq: 7, Path: "/focuser/goto", Params: url.Values{"target": {"12345"}}}},
		{device.KindFocuser, device.Command{Seq: 8, Verb: device.VerbConnect},
			transport.Request{Seq: 8, Path: "/focuser/enable"}},
		{device.KindRotator, device.Command{Seq: 9, Verb: device.VerbMove, Position: 90.125},
			transport.Request{Seq: 9, Path: "/rotator/goto_field", Params: url.Values{"degs": {"90.125"}}}},
	} {
		t.Run(test.want.String(), func(t *testing.T) {
			c, err := New("dev", test.kind)
			if err != nil {
				t.Fatal(err)
			}
			got, err := c.Encode(test.cmd)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if diff := cmp.Diff(got, test.want); diff != "" {
				t.Errorf("unexpected request: got(-)/want(+):\n%s", diff)
			}
			again, _ := c.Encode(test.cmd)
			if got.String() != again.String() {
				t.Errorf("Encode not deterministic: %s != %s", got, again)
			}
		})
	}
}

func TestEncodeUnsupported(t *testing.T) {
	c, _ := New("focuser", device.KindFocuser)
	if _, err := c.Encode(device.Command{Seq: 1, Verb: device.VerbPark}); !errors.Is(err, codec.ErrUnsupportedVerb) {
		t.Errorf("Encode error = %v, want ErrUnsupportedVerb", err)
	}
}
