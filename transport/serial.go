package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"
)

// Opener opens the underlying byte stream. Tests substitute net.Pipe.
type Opener func() (io.ReadWriteCloser, error)

// SerialOpener opens a USB serial port at 8N1.
func SerialOpener(name string, baud int, timeout time.Duration) Opener {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: timeout})
	}
}

// Serial exchanges newline-terminated request and response lines with a
// directly attached accessory. The port is opened on first use and reopened
// after any I/O failure.
type Serial struct {
	wire
	name    string
	open    Opener
	timeout time.Duration
	logger  *zap.Logger

	port   io.ReadWriteCloser
	reader *bufio.Reader
}

func NewSerial(name string, open Opener, timeout time.Duration, logger *zap.Logger) *Serial {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Serial{
		wire:    newWire(),
		name:    name,
		open:    open,
		timeout: timeout,
		logger:  logger,
	}
}

type readResult struct {
	line string
	err  error
}

func (s *Serial) Send(ctx context.Context, req Request) (Response, error) {
	if err := s.lock(ctx, req.Seq); err != nil {
		return Response{}, err
	}
	defer s.unlock()

	if s.port == nil {
		port, err := s.open()
		if err != nil {
			return Response{}, &Error{Op: "open " + s.name, Kind: ErrUnreachable, Err: err}
		}
		s.logger.Info("opened port", zap.String("port", s.name))
		s.port = port
		s.reader = bufio.NewReader(port)
	}

	payload := req.Payload
	if len(payload) == 0 || payload[len(payload)-1] != '\n' {
		payload = append(append([]byte(nil), payload...), '\n')
	}
	if _, err := s.port.Write(payload); err != nil {
		s.reset()
		return Response{}, classify("write "+s.name, err)
	}

	// The read runs on its own goroutine so that a silent device cannot hold
	// the wire past the deadline; closing the port unblocks it.
	results := make(chan readResult, 1)
	reader := s.reader
	go func() {
		line, err := reader.ReadString('\n')
		results <- readResult{line, err}
	}()
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case res := <-results:
		if res.err != nil {
			s.reset()
			return Response{}, classify("read "+s.name, res.err)
		}
		return Response{Body: trimLine(res.line), ReceivedAt: time.Now()}, nil
	case <-timer.C:
		s.reset()
		return Response{}, &Error{Op: "read " + s.name, Kind: ErrTimeout, Err: fmt.Errorf("no response after %v", s.timeout)}
	case <-ctx.Done():
		s.reset()
		return Response{}, classify("read "+s.name, ctx.Err())
	}
}

func (s *Serial) reset() {
	if s.port == nil {
		return
	}
	if err := s.port.Close(); err != nil {
		s.logger.Warn("closing port", zap.String("port", s.name), zap.Error(err))
	}
	s.port = nil
	s.reader = nil
}

func (s *Serial) Close() error {
	return s.shut(func() error {
		s.reset()
		return nil
	})
}

func trimLine(line string) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return []byte(line)
}
