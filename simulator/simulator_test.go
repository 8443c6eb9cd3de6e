package simulator

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/w1xm/pwi_interface/device"
	"github.com/w1xm/pwi_interface/internal/units"
	"github.com/w1xm/pwi_interface/pwi"
	"github.com/w1xm/pwi_interface/tracking"
	"github.com/w1xm/pwi_interface/transport"
	"go.uber.org/zap/zaptest"
)

var (
	haystack = tracking.Site{Latitude: 42.62, Longitude: -71.49, Elevation: 100}
	t0       = time.Date(2025, 4, 8, 22, 0, 0, 0, time.UTC)
)

func newSim(t *testing.T) *Simulator {
	return New(haystack, t0, zaptest.NewLogger(t))
}

func get(t *testing.T, s *Simulator, path string) (int, string) {
	t.Helper()
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w.Code, w.Body.String()
}

func mustGet(t *testing.T, s *Simulator, path string) {
	t.Helper()
	if code, body := get(t, s, path); code != http.StatusOK {
		t.Fatalf("GET %s: %d %s", path, code, body)
	}
}

func decode(t *testing.T, s *Simulator, kind device.Kind) device.State {
	t.Helper()
	c, err := pwi.New("sim", kind)
	if err != nil {
		t.Fatal(err)
	}
	code, body := get(t, s, "/status")
	if code != http.StatusOK {
		t.Fatalf("GET /status: %d %s", code, body)
	}
	st, err := c.Decode(transport.Response{Body: []byte(body), ReceivedAt: t0})
	if err != nil {
		t.Fatalf("Decode: %v\n%s", err, body)
	}
	return st
}

// settle steps the simulation until the mount stops slewing.
func settle(t *testing.T, s *Simulator) {
	t.Helper()
	for i := 0; i < 600; i++ {
		s.Step(100 * time.Millisecond)
		if !decode(t, s, device.KindMount).Moving {
			return
		}
	}
	t.Fatal("mount never settled")
}

var approx = cmpopts.EquateApprox(0, 1e-6)

func TestInitialStatus(t *testing.T) {
	s := newSim(t)
	got := decode(t, s, device.KindMount)
	want := device.State{
		Device: "sim", Kind: device.KindMount,
		RA: got.RA, Dec: got.Dec, Az: parkAz, Alt: parkAlt,
		Version: Version, Timestamp: t0,
	}
	if diff := cmp.Diff(got, want, approx); diff != "" {
		t.Errorf("unexpected mount state: got(-)/want(+):\n%s", diff)
	}
	focuser := decode(t, s, device.KindFocuser)
	if !focuser.Connected || focuser.Enabled {
		t.Errorf("focuser = %+v, want connected and disabled", focuser)
	}
}

func TestNotConnected(t *testing.T) {
	s := newSim(t)
	if code, _ := get(t, s, "/mount/goto_alt_az?alt_degs=45&az_degs=90"); code != http.StatusConflict {
		t.Errorf("goto before connect = %d, want %d", code, http.StatusConflict)
	}
	mustGet(t, s, "/mount/connect")
	if code, _ := get(t, s, "/mount/goto_alt_az?alt_degs=95&az_degs=90"); code != http.StatusBadRequest {
		t.Errorf("goto above zenith = %d, want %d", code, http.StatusBadRequest)
	}
	if code, _ := get(t, s, "/mount/goto_alt_az?az_degs=90"); code != http.StatusBadRequest {
		t.Errorf("goto without altitude = %d, want %d", code, http.StatusBadRequest)
	}
	if code, _ := get(t, s, "/mount/unknown"); code != http.StatusNotFound {
		t.Errorf("unknown route = %d, want %d", code, http.StatusNotFound)
	}
}

func TestGotoAltAz(t *testing.T) {
	s := newSim(t)
	mustGet(t, s, "/mount/connect")
	mustGet(t, s, "/mount/goto_alt_az?alt_degs=60&az_degs=350")
	if st := decode(t, s, device.KindMount); !st.Moving {
		t.Fatalf("mount not slewing after goto: %+v", st)
	}
	s.Step(time.Second)
	az, alt := s.Position()
	if az == parkAz || alt == parkAlt {
		t.Errorf("axes did not move: az %v alt %v", az, alt)
	}
	settle(t, s)
	st := decode(t, s, device.KindMount)
	if diff := cmp.Diff([]float64{st.Az, st.Alt}, []float64{350, 60}, approx); diff != "" {
		t.Errorf("unexpected position: got(-)/want(+):\n%s", diff)
	}
	if st.Tracking {
		t.Error("tracking after alt/az goto")
	}
	// The axes hold az/alt, so the equatorial position drifts.
	s.Step(time.Minute)
	if later := decode(t, s, device.KindMount); later.Az != st.Az || later.RA == st.RA {
		t.Errorf("horizontal hold moved: %+v -> %+v", st, later)
	}
}

func TestGotoRADecTracks(t *testing.T) {
	s := newSim(t)
	mustGet(t, s, "/mount/connect")
	c := haystack.Horizontal(120, 40, t0)
	mustGet(t, s, "/mount/goto_ra_dec_apparent?ra_hours="+format(units.Hours.FromCanonical(c.RA))+"&dec_degs="+format(c.Dec))
	settle(t, s)
	st := decode(t, s, device.KindMount)
	if !st.Tracking || st.Mode != device.ModeTracking {
		t.Errorf("not tracking after arrival: %+v", st)
	}
	if diff := cmp.Diff([]float64{st.RA, st.Dec}, []float64{c.RA, c.Dec}, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("unexpected RA/Dec: got(-)/want(+):\n%s", diff)
	}
	s.Step(10 * time.Minute)
	later := decode(t, s, device.KindMount)
	if diff := cmp.Diff([]float64{later.RA, later.Dec}, []float64{c.RA, c.Dec}, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("RA/Dec drifted while tracking: got(-)/want(+):\n%s", diff)
	}
	if later.Az == st.Az {
		t.Error("azimuth did not follow the sky")
	}

	// One arcsecond per second in declination.
	mustGet(t, s, "/mount/offset?axis0_rate_arcsec_per_sec=0&axis1_rate_arcsec_per_sec=1")
	s.Step(time.Minute)
	if got := decode(t, s, device.KindMount).Dec - c.Dec; got < 59.0/3600 || got > 61.0/3600 {
		t.Errorf("dec offset after a minute = %v arcsec, want 60", got*3600)
	}
}

func TestStopAndPark(t *testing.T) {
	s := newSim(t)
	mustGet(t, s, "/mount/connect")
	mustGet(t, s, "/mount/goto_alt_az?alt_degs=80&az_degs=0")
	s.Step(2 * time.Second)
	mustGet(t, s, "/mount/stop")
	if st := decode(t, s, device.KindMount); !st.Moving {
		t.Error("mount stopped without decelerating")
	}
	settle(t, s)
	st := decode(t, s, device.KindMount)
	if st.Alt >= 80 || st.Tracking {
		t.Errorf("stop did not halt the slew: %+v", st)
	}

	mustGet(t, s, "/mount/park")
	settle(t, s)
	st = decode(t, s, device.KindMount)
	if st.Mode != device.ModeParked {
		t.Errorf("mode after park = %v, want parked", st.Mode)
	}
	if diff := cmp.Diff([]float64{st.Az, st.Alt}, []float64{parkAz, parkAlt}, approx); diff != "" {
		t.Errorf("unexpected park position: got(-)/want(+):\n%s", diff)
	}

	mustGet(t, s, "/mount/find_home")
	settle(t, s)
	st = decode(t, s, device.KindMount)
	if st.Mode != device.ModeIdle || st.Alt != homeAlt {
		t.Errorf("after home: %+v", st)
	}
}

func TestFollowTLE(t *testing.T) {
	s := New(haystack, time.Date(2008, 9, 20, 12, 30, 0, 0, time.UTC), zaptest.NewLogger(t))
	mustGet(t, s, "/mount/connect")
	if code, _ := get(t, s, "/mount/follow_tle?line1=bad&line2=bad"); code != http.StatusBadRequest {
		t.Errorf("follow_tle with a bad TLE = %d, want %d", code, http.StatusBadRequest)
	}
	tle := url.Values{
		"line1": {"ISS (ZARYA)"},
		"line2": {"1 25544U 98067A   08264.51782528 -.00002182  00000-0 -11606-4 0  2927"},
		"line3": {"2 25544  51.6416 247.4627 0006703 130.5360 325.0288 15.72125391563537"},
	}
	mustGet(t, s, "/mount/follow_tle?"+tle.Encode())
	settle(t, s)
	if st := decode(t, s, device.KindMount); !st.Tracking {
		t.Errorf("not tracking the satellite: %+v", st)
	}
}

func TestAccessories(t *testing.T) {
	s := newSim(t)
	if code, _ := get(t, s, "/focuser/goto?target=1000"); code != http.StatusConflict {
		t.Errorf("goto on a disabled focuser = %d, want %d", code, http.StatusConflict)
	}
	mustGet(t, s, "/focuser/enable")
	mustGet(t, s, "/focuser/goto?target=1000")
	mustGet(t, s, "/rotator/enable")
	mustGet(t, s, "/rotator/goto_field?degs=-30")
	if st := decode(t, s, device.KindFocuser); !st.Moving {
		t.Errorf("focuser not moving: %+v", st)
	}
	for i := 0; i < 100; i++ {
		s.Step(100 * time.Millisecond)
	}
	focuser := decode(t, s, device.KindFocuser)
	rotator := decode(t, s, device.KindRotator)
	if diff := cmp.Diff([]float64{focuser.Position, rotator.Position}, []float64{1000, 330}, approx); diff != "" {
		t.Errorf("unexpected positions: got(-)/want(+):\n%s", diff)
	}
	if focuser.Moving || rotator.Moving {
		t.Errorf("still moving: %+v %+v", focuser, rotator)
	}

	s.SetFault(device.KindRotator, "encoder error")
	if st := decode(t, s, device.KindRotator); st.Fault != "encoder error" || st.Mode != device.ModeFaulted {
		t.Errorf("rotator fault not reported: %+v", st)
	}
}

func TestFailStatus(t *testing.T) {
	s := newSim(t)
	s.FailStatus(1)
	c, err := pwi.New("sim", device.KindMount)
	if err != nil {
		t.Fatal(err)
	}
	_, body := get(t, s, "/status")
	if _, err := c.Decode(transport.Response{Body: []byte(body)}); err == nil {
		t.Error("decode of a failed status succeeded")
	}
	decode(t, s, device.KindMount)
}

func TestOffline(t *testing.T) {
	s := newSim(t)
	srv := httptest.NewServer(s)
	defer srv.Close()
	s.SetOffline(true)
	if resp, err := http.Get(srv.URL + "/status"); err == nil {
		resp.Body.Close()
		t.Fatalf("GET while offline = %s, want connection error", resp.Status)
	}
	s.SetOffline(false)
	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET after coming back = %s", resp.Status)
	}
}

func TestFocuserPort(t *testing.T) {
	s := newSim(t)
	conn := s.FocuserPort()
	defer conn.Close()
	r := bufio.NewReader(conn)
	exchange := func(line string) string {
		t.Helper()
		if _, err := conn.Write([]byte(line + "\n")); err != nil {
			t.Fatal(err)
		}
		reply, err := r.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		return strings.TrimRight(reply, "\r\n")
	}
	for _, step := range []struct{ send, want string }{
		{"STATUS", "POS=0 MOV=0 EN=0 VER=" + Version},
		{"GOTO 500", "ERR accessory not connected"},
		{"ENABLE", "OK"},
		{"GOTO 500", "OK"},
		{"GOTO x", `ERR strconv.ParseInt: parsing "x": invalid syntax`},
		{"FOO", `ERR unknown command "FOO"`},
	} {
		if got := exchange(step.send); got != step.want {
			t.Errorf("%s: got %q, want %q", step.send, got, step.want)
		}
	}
	s.Step(10 * time.Second)
	if got, want := exchange("STATUS"), "POS=500 MOV=0 EN=1 VER="+Version; got != want {
		t.Errorf("STATUS after move: got %q, want %q", got, want)
	}
}
