package transport

import (
	"context"
	"errors"
	"time"

	"github.com/goburrow/modbus"
	gserial "github.com/goburrow/serial"
	"go.uber.org/zap"
)

// ADUHandler exchanges raw Modbus application data units. It is satisfied by
// *modbus.RTUClientHandler and by the HTTP bridge client.
type ADUHandler interface {
	Send(aduRequest []byte) ([]byte, error)
	Connect() error
	Close() error
}

// contextSender is implemented by handlers that can abandon an exchange,
// such as the HTTP bridge client.
type contextSender interface {
	SendContext(ctx context.Context, aduRequest []byte) ([]byte, error)
}

// Modbus carries pre-framed RTU ADUs in Request.Payload. A local port's
// deadline comes from the handler's own timeout; bridged exchanges are also
// bounded by ctx.
type Modbus struct {
	wire
	name      string
	handler   ADUHandler
	logger    *zap.Logger
	connected bool
}

func NewModbus(name string, handler ADUHandler, logger *zap.Logger) *Modbus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Modbus{
		wire:    newWire(),
		name:    name,
		handler: handler,
		logger:  logger,
	}
}

func (m *Modbus) Send(ctx context.Context, req Request) (Response, error) {
	if err := m.lock(ctx, req.Seq); err != nil {
		return Response{}, err
	}
	defer m.unlock()

	if len(req.Payload) < 2 {
		return Response{}, &Error{Op: "send " + m.name, Kind: ErrProtocolMismatch, Err: errors.New("short ADU")}
	}
	if !m.connected {
		if err := m.handler.Connect(); err != nil {
			return Response{}, &Error{Op: "open " + m.name, Kind: ErrUnreachable, Err: err}
		}
		m.logger.Info("opened port", zap.String("port", m.name))
		m.connected = true
	}
	var adu []byte
	var err error
	if cs, ok := m.handler.(contextSender); ok {
		adu, err = cs.SendContext(ctx, req.Payload)
	} else {
		adu, err = m.handler.Send(req.Payload)
	}
	if err != nil {
		var merr *modbus.ModbusError
		switch {
		case errors.As(err, &merr):
			return Response{}, &Error{Op: "send " + m.name, Kind: ErrProtocolMismatch, Err: err}
		case errors.Is(err, gserial.ErrTimeout):
			return Response{}, &Error{Op: "send " + m.name, Kind: ErrTimeout, Err: err}
		}
		m.disconnect()
		return Response{}, classify("send "+m.name, err)
	}
	return Response{Body: adu, ReceivedAt: time.Now()}, nil
}

func (m *Modbus) disconnect() {
	if !m.connected {
		return
	}
	if err := m.handler.Close(); err != nil {
		m.logger.Warn("closing port", zap.String("port", m.name), zap.Error(err))
	}
	m.connected = false
}

func (m *Modbus) Close() error {
	return m.shut(func() error {
		m.disconnect()
		return nil
	})
}
