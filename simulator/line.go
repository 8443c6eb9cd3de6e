package simulator

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// FocuserPort returns the host end of an in-memory serial link to the
// simulated focuser. The simulator answers on the other end until the
// returned connection is closed.
func (s *Simulator) FocuserPort() net.Conn {
	a, b := net.Pipe()
	go func() {
		if err := s.serveLine(a); err != nil {
			s.logger.Debug("focuser port closed", zap.Error(err))
		}
	}()
	return b
}

func (s *Simulator) serveLine(conn io.ReadWriteCloser) error {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		s.logger.Debug("srv->sim", zap.String("line", input))
		s.mu.Lock()
		reply := s.parseLine(input)
		s.mu.Unlock()
		if _, err := fmt.Fprintf(conn, "%s\r\n", reply); err != nil {
			return fmt.Errorf("writing port: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading port: %w", err)
	}
	return nil
}

func (s *Simulator) parseLine(input string) string {
	f := &s.focuser
	cmd, arg, _ := strings.Cut(input, " ")
	var err error
	switch cmd {
	case "STATUS":
		reply := fmt.Sprintf("POS=%d MOV=%d EN=%d VER=%s",
			int64(math.Round(f.axis.pos)), flag(f.moving || f.axis.moving()), flag(f.enabled), Version)
		if f.fault != "" {
			reply += " ERR=" + f.fault
		}
		return reply
	case "ENABLE":
		f.enabled = true
	case "DISABLE":
		f.enabled, f.moving = false, false
	case "STOP":
		f.moving = false
	case "GOTO":
		var target int64
		if target, err = strconv.ParseInt(arg, 10, 64); err == nil {
			err = f.moveTo(float64(target))
		}
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		return "ERR " + err.Error()
	}
	return "OK"
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
