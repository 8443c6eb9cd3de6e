package simulator

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/w1xm/pwi_interface/internal/units"
	"github.com/w1xm/pwi_interface/tracking"
	"go.uber.org/zap"
)

var errNotConnected = errors.New("not connected")

type handler func(r *http.Request) error

func (s *Simulator) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.offlineMiddleware)
	r.HandleFunc("/status", s.handleStatus).Methods("GET")

	for path, h := range map[string]handler{
		"/mount/connect":              s.mountConnect(true),
		"/mount/disconnect":           s.mountConnect(false),
		"/mount/goto_alt_az":          s.mountGotoAltAz,
		"/mount/goto_ra_dec_apparent": s.mountGotoRADec,
		"/mount/tracking_on":          s.mountTracking(true),
		"/mount/tracking_off":         s.mountTracking(false),
		"/mount/offset":               s.mountOffset,
		"/mount/follow_tle":           s.mountFollowTLE,
		"/mount/stop":                 s.mountStop,
		"/mount/park":                 s.mountPark,
		"/mount/find_home":            s.mountHome,
		"/focuser/enable":             s.enable(&s.focuser, true),
		"/focuser/disable":            s.enable(&s.focuser, false),
		"/focuser/goto":               s.accessoryGoto(&s.focuser, "target"),
		"/focuser/stop":               s.accessoryStop(&s.focuser),
		"/rotator/enable":             s.enable(&s.rotator, true),
		"/rotator/disable":            s.enable(&s.rotator, false),
		"/rotator/goto_field":         s.accessoryGoto(&s.rotator, "degs"),
		"/rotator/stop":               s.accessoryStop(&s.rotator),
	} {
		r.Handle(path, s.command(h)).Methods("GET")
	}
	return r
}

// offlineMiddleware drops the connection without a response while the
// simulator is offline.
func (s *Simulator) offlineMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		offline := s.offline
		s.mu.Unlock()
		if !offline {
			next.ServeHTTP(w, r)
			return
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "offline", http.StatusServiceUnavailable)
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			s.logger.Warn("hijack failed", zap.Error(err))
			return
		}
		conn.Close()
	})
}

func (s *Simulator) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	var body string
	if s.failStatus > 0 {
		s.failStatus--
		body = "response.timestamp_utc=garbage\n"
	} else {
		body = s.status()
	}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, body)
}

// command runs h under the simulator lock and maps its error to a status.
func (s *Simulator) command(h handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		err := h(r)
		s.mu.Unlock()
		s.logger.Debug("command", zap.String("path", r.URL.Path), zap.String("query", r.URL.RawQuery), zap.Error(err))
		if err != nil {
			code := http.StatusBadRequest
			if errors.Is(err, errNotConnected) {
				code = http.StatusConflict
			}
			http.Error(w, err.Error(), code)
			return
		}
		fmt.Fprintln(w, "OK")
	})
}

func floatParam(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, fmt.Errorf("missing parameter %q", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %q: %w", name, err)
	}
	return v, nil
}

func (s *Simulator) mountReady() error {
	if !s.mount.connected {
		return fmt.Errorf("mount %w", errNotConnected)
	}
	if s.mount.fault != "" {
		return fmt.Errorf("mount error: %s", s.mount.fault)
	}
	return nil
}

func (s *Simulator) mountConnect(on bool) handler {
	return func(r *http.Request) error {
		s.mount.connected = on
		if !on {
			s.stopMount()
		}
		return nil
	}
}

func (s *Simulator) mountGotoAltAz(r *http.Request) error {
	if err := s.mountReady(); err != nil {
		return err
	}
	az, err := floatParam(r, "az_degs")
	if err != nil {
		return err
	}
	alt, err := floatParam(r, "alt_degs")
	if err != nil {
		return err
	}
	if alt < -90 || alt > 90 {
		return fmt.Errorf("altitude %v out of range", alt)
	}
	s.gotoHorizontal(az, alt)
	return nil
}

func (s *Simulator) mountGotoRADec(r *http.Request) error {
	if err := s.mountReady(); err != nil {
		return err
	}
	ra, err := floatParam(r, "ra_hours")
	if err != nil {
		return err
	}
	dec, err := floatParam(r, "dec_degs")
	if err != nil {
		return err
	}
	if dec < -90 || dec > 90 {
		return fmt.Errorf("declination %v out of range", dec)
	}
	s.gotoEquatorial(units.Hours.ToCanonical(ra), dec)
	return nil
}

func (s *Simulator) mountTracking(on bool) handler {
	return func(r *http.Request) error {
		if err := s.mountReady(); err != nil {
			return err
		}
		m := &s.mount
		if m.slewing {
			return nil
		}
		c := s.site.Horizontal(m.az.pos, m.alt.pos, s.now)
		if on {
			m.hold, m.a, m.b = holdEquatorial, c.RA, c.Dec
		} else {
			m.hold, m.a, m.b = holdHorizontal, m.az.pos, m.alt.pos
		}
		m.rateA, m.rateB, m.sat = 0, 0, nil
		m.tracking, m.parked = on, false
		return nil
	}
}

// mountOffset sets absolute axis rates in the frame of the current hold.
func (s *Simulator) mountOffset(r *http.Request) error {
	if err := s.mountReady(); err != nil {
		return err
	}
	a, err := floatParam(r, "axis0_rate_arcsec_per_sec")
	if err != nil {
		return err
	}
	b, err := floatParam(r, "axis1_rate_arcsec_per_sec")
	if err != nil {
		return err
	}
	s.mount.rateA = units.ArcsecPerSecond.ToCanonical(a)
	s.mount.rateB = units.ArcsecPerSecond.ToCanonical(b)
	return nil
}

func (s *Simulator) mountFollowTLE(r *http.Request) error {
	if err := s.mountReady(); err != nil {
		return err
	}
	q := r.URL.Query()
	text := q.Get("line1") + "\n" + q.Get("line2")
	if l3 := q.Get("line3"); l3 != "" {
		text += "\n" + l3
	}
	sat, err := tracking.ParseTLE(text)
	if err != nil {
		return err
	}
	if _, err := sat.Locate(r.Context(), s.site, s.now); err != nil {
		return err
	}
	s.gotoHorizontal(0, 0)
	s.mount.hold, s.mount.sat = holdSatellite, sat
	return nil
}

func (s *Simulator) mountStop(r *http.Request) error {
	s.stopMount()
	return nil
}

func (s *Simulator) mountPark(r *http.Request) error {
	if err := s.mountReady(); err != nil {
		return err
	}
	s.gotoHorizontal(parkAz, parkAlt)
	s.mount.parking = true
	return nil
}

func (s *Simulator) mountHome(r *http.Request) error {
	if err := s.mountReady(); err != nil {
		return err
	}
	s.gotoHorizontal(homeAz, homeAlt)
	return nil
}

func (s *Simulator) enable(x *accessory, on bool) handler {
	return func(r *http.Request) error {
		x.enabled = on
		if !on {
			x.moving = false
		}
		return nil
	}
}

func (s *Simulator) accessoryGoto(x *accessory, param string) handler {
	return func(r *http.Request) error {
		v, err := floatParam(r, param)
		if err != nil {
			return err
		}
		return x.moveTo(v)
	}
}

func (s *Simulator) accessoryStop(x *accessory) handler {
	return func(r *http.Request) error {
		x.moving = false
		return nil
	}
}

func (x *accessory) moveTo(v float64) error {
	switch {
	case !x.connected || !x.enabled:
		return fmt.Errorf("accessory %w", errNotConnected)
	case x.fault != "":
		return fmt.Errorf("accessory error: %s", x.fault)
	}
	if x.axis.wrap {
		v = units.Normalize(v)
	}
	x.target, x.moving = v, true
	return nil
}
