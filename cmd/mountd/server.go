package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/w1xm/pwi_interface/internal/metrics"
	"github.com/w1xm/pwi_interface/internal/units"
	"github.com/w1xm/pwi_interface/sequencer"
	"github.com/w1xm/pwi_interface/session"
	"github.com/w1xm/pwi_interface/tracking"
	"go.uber.org/zap"
)

var (
	errUnknownCommand = errors.New("unknown command")
	errBadRequest     = errors.New("bad request")
)

type Server struct {
	devices *session.Manager
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewServer(devices *session.Manager, m *metrics.Metrics, logger *zap.Logger) *Server {
	return &Server{devices: devices, metrics: m, logger: logger}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/devices", s.DevicesHandler).Methods(http.MethodGet)
	api.HandleFunc("/devices/{name}", s.DeviceHandler).Methods(http.MethodGet)
	api.HandleFunc("/devices/{name}/{command}", s.CommandHandler).Methods(http.MethodPost)
	api.HandleFunc("/calibration", s.CalibrationHandler).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.StatusSocketHandler)
	r.Handle("/metrics", s.metrics.Handler())
	return r
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Command is the body of a command request. Which fields apply depends on
// the command: goto takes az/alt or ra/dec, follow_tle takes tle, and move
// takes position. Over the websocket, Device and Command name the request.
type Command struct {
	Device  string `json:"device,omitempty"`
	Command string `json:"command,omitempty"`

	Az  *float64 `json:"az,omitempty"`
	Alt *float64 `json:"alt,omitempty"`
	// RA is in hours, Dec in degrees, both J2000.
	RA    *float64 `json:"ra,omitempty"`
	Dec   *float64 `json:"dec,omitempty"`
	Name  string   `json:"name,omitempty"`
	PMRA  float64  `json:"pm_ra,omitempty"`
	PMDec float64  `json:"pm_dec,omitempty"`
	Epoch float64  `json:"epoch,omitempty"`

	TLE      string   `json:"tle,omitempty"`
	Position *float64 `json:"position,omitempty"`
}

func (c Command) target() (tracking.Target, error) {
	switch {
	case c.Az != nil && c.Alt != nil:
		return tracking.Fixed{Az: *c.Az, Alt: *c.Alt}, nil
	case c.RA != nil && c.Dec != nil:
		return tracking.Catalog{
			Name:  c.Name,
			RA:    units.Hours.ToCanonical(*c.RA),
			Dec:   *c.Dec,
			PMRA:  c.PMRA,
			PMDec: c.PMDec,
			Epoch: c.Epoch,
		}, nil
	}
	return nil, fmt.Errorf("%w: goto needs az and alt or ra and dec", sequencer.ErrInvalidTarget)
}

// run sends one command to the named device.
func (s *Server) run(ctx context.Context, name, command string, c Command) (*session.Session, error) {
	sess, err := s.devices.Get(name)
	if err != nil {
		return nil, err
	}
	seq := sess.Sequencer()
	switch command {
	case "goto":
		target, err := c.target()
		if err != nil {
			return sess, err
		}
		err = seq.Goto(ctx, target)
		return sess, err
	case "follow_tle":
		sat, err := tracking.ParseTLE(c.TLE)
		if err != nil {
			return sess, fmt.Errorf("%w: %w", sequencer.ErrInvalidTarget, err)
		}
		return sess, seq.FollowTLE(ctx, sat)
	case "move":
		if c.Position == nil {
			return sess, fmt.Errorf("%w: move needs position", sequencer.ErrInvalidTarget)
		}
		return sess, seq.Move(ctx, *c.Position)
	case "stop":
		return sess, seq.Stop(ctx)
	case "park":
		return sess, seq.Park(ctx)
	case "home":
		return sess, seq.Home(ctx)
	case "reset":
		return sess, seq.Reset(ctx)
	}
	return sess, fmt.Errorf("%w %q", errUnknownCommand, command)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownDevice), errors.Is(err, errUnknownCommand):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, sequencer.ErrInvalidTarget):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sequencer.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, sequencer.ErrBusy), errors.Is(err, sequencer.ErrFaulted), errors.Is(err, sequencer.ErrInvalidState):
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, httpStatus(err), errorResponse{Error: err.Error()})
}

func (s *Server) DevicesHandler(w http.ResponseWriter, r *http.Request) {
	infos := []session.Info{}
	for _, sess := range s.devices.Sessions() {
		infos = append(infos, sess.Info())
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) DeviceHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.devices.Get(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) CommandHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var c Command
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
	}
	sess, err := s.run(r.Context(), vars["name"], vars["command"], c)
	if err != nil {
		s.logger.Info("command rejected",
			zap.String("device", vars["name"]),
			zap.String("command", vars["command"]),
			zap.Error(err))
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Info())
}

// CalibrationHandler lists the grid points the mount can reach right now.
// Query parameters: min_alt, max_alt, alt_points, az_points.
func (s *Server) CalibrationHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := tracking.CalibrationParams{MinAltitude: 20, MaxAltitude: 80, AltitudePoints: 4, AzimuthPoints: 8}
	for _, f := range []struct {
		key string
		set func(string) error
	}{
		{"min_alt", floatInto(&p.MinAltitude)},
		{"max_alt", floatInto(&p.MaxAltitude)},
		{"alt_points", intInto(&p.AltitudePoints)},
		{"az_points", intInto(&p.AzimuthPoints)},
	} {
		if v := q.Get(f.key); v != "" {
			if err := f.set(v); err != nil {
				s.writeError(w, fmt.Errorf("%w: %s: %v", errBadRequest, f.key, err))
				return
			}
		}
	}
	points, err := tracking.CalibrationGrid(p)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	mount, err := s.devices.Mount()
	if err != nil {
		s.writeError(w, err)
		return
	}
	engine := mount.Engine()
	now := time.Now()
	reachable := []tracking.Fixed{}
	for _, pt := range points {
		if _, err := engine.Solve(r.Context(), pt, now); err == nil {
			reachable = append(reachable, pt)
		}
	}
	s.writeJSON(w, http.StatusOK, reachable)
}

func floatInto(dst *float64) func(string) error {
	return func(v string) (err error) {
		*dst, err = strconv.ParseFloat(v, 64)
		return err
	}
}

func intInto(dst *int) func(string) error {
	return func(v string) (err error) {
		*dst, err = strconv.Atoi(v)
		return err
	}
}

// reply answers a command received over the websocket.
type reply struct {
	Device  string `json:"device"`
	Command string `json:"command"`
	Error   string `json:"error,omitempty"`
}

// StatusSocketHandler streams every device snapshot to the client and
// accepts commands in the same format as the REST body.
func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	var writeMu sync.Mutex
	send := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			rep := reply{Device: msg.Device, Command: msg.Command}
			if _, err := s.run(ctx, msg.Device, msg.Command, msg); err != nil {
				rep.Error = err.Error()
			}
			if err := send(rep); err != nil {
				return
			}
		}
	}()

	for st := range s.devices.Snapshots(ctx) {
		if err := send(st); err != nil {
			s.logger.Debug("websocket closed", zap.Error(err))
			return
		}
	}
}
