package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/w1xm/pwi_interface/internal/units"
	"github.com/w1xm/pwi_interface/sequencer"
	"github.com/w1xm/pwi_interface/tracking"
	"go.uber.org/zap"
)

// ListenRotctld serves the hamlib rotctld protocol against the mount until
// ctx is done.
func (s *Server) ListenRotctld(ctx context.Context, addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		s.logger.Info("shutdown; closing rotctld socket")
		ln.Close()
	}()
	go func() {
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("failed to accept", zap.Error(err))
				}
				continue
			}
			go s.handleRotctld(ctx, conn)
		}
	}()
	return ln.Addr(), nil
}

// rotctld return codes are negated errno values.
const (
	rprtOK     = 0
	rprtEINVAL = -22
	rprtEIO    = -5
	rprtEBUSY  = -16
)

func rprtFor(err error) int {
	switch {
	case err == nil:
		return rprtOK
	case errors.Is(err, sequencer.ErrInvalidTarget):
		return rprtEINVAL
	case errors.Is(err, sequencer.ErrBusy):
		return rprtEBUSY
	}
	return rprtEIO
}

func (s *Server) handleRotctld(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With(zap.Stringer("remote", conn.RemoteAddr()))
	logger.Info("accepted rotctld connection")
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := scanner.Text()
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Split(cmd, " ")
			cmd = parts[0][2:]
			if len(parts) > 1 {
				args = parts[1:]
			}
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else if cmd[0] == '\\' {
			parts := strings.Fields(cmd[1:])
			if len(parts) == 0 {
				continue
			}
			cmd, args = parts[0], parts[1:]
		} else {
			// Space after command is optional.
			if len(cmd) > 1 {
				args = strings.Fields(strings.TrimLeft(cmd[1:], " "))
			}
			cmd = string(cmd[0])
		}
		logger.Debug("rotctld command", zap.String("command", cmd), zap.Strings("args", args))
		rprt := rprtEINVAL
		switch cmd {
		case "1", "dump_caps":
			fmt.Fprint(conn, `Model name: PWI
Mfg name: PlaneWave
Rot type: Az-El
Min Azimuth: -180.00
Max Aximuth: 180.00
Min Elevation: 0.00
Max Elevation: 90.00
Can set Position: Y
Can get Position: Y
Can Stop: Y
Can Park: Y
Can Reset: N
Can Move: N
Can get Info: Y
`)
			rprt = rprtOK
		case "_", "get_info":
			mount, err := s.devices.Mount()
			if err != nil {
				rprt = rprtFor(err)
				break
			}
			st, _ := mount.Latest()
			if extended {
				fmt.Fprint(conn, "Info: ")
			}
			fmt.Fprintf(conn, "%s %s\n", mount.Name, st.Version)
			rprt = rprtOK
		case "S", "stop":
			extended = true // always print RPRT
			rprt = s.rotctlMount(func(seq *sequencer.Sequencer) error { return seq.Stop(ctx) })
		case "K", "park":
			extended = true // always print RPRT
			rprt = s.rotctlMount(func(seq *sequencer.Sequencer) error { return seq.Park(ctx) })
		case "P", "set_pos":
			extended = true // always print RPRT
			if len(args) != 2 {
				break
			}
			az, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				break
			}
			el, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				break
			}
			target := tracking.Fixed{Az: units.Normalize(az), Alt: el}
			rprt = s.rotctlMount(func(seq *sequencer.Sequencer) error { return seq.Goto(ctx, target) })
		case "p", "get_pos":
			mount, err := s.devices.Mount()
			if err != nil {
				rprt = rprtFor(err)
				break
			}
			st, ok := mount.Latest()
			if !ok || !st.Connected {
				rprt = rprtEIO
				break
			}
			az := st.Az
			if az > 180 {
				az -= 360
			}
			if extended {
				fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", az, st.Alt)
			} else {
				fmt.Fprintf(conn, "%.6f\n%.6f\n", az, st.Alt)
			}
			rprt = rprtOK
		case "q", "Q", "quit":
			return
		}
		if extended || rprt != rprtOK {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("reading rotctld connection", zap.Error(err))
	}
}

func (s *Server) rotctlMount(f func(*sequencer.Sequencer) error) int {
	mount, err := s.devices.Mount()
	if err != nil {
		return rprtFor(err)
	}
	if err := f(mount.Sequencer()); err != nil {
		s.logger.Info("rotctld command rejected", zap.Error(err))
		return rprtFor(err)
	}
	return rprtOK
}
