package modbus

import (
	"time"

	"github.com/goburrow/modbus"
	"go.uber.org/zap"
)

// Handler exchanges raw RTU frames with one accessory.
type Handler interface {
	Send(aduRequest []byte) ([]byte, error)
	Connect() error
	Close() error
}

type Config struct {
	// Port and BaudRate create a local serial connection
	Port string
	// BaudRate defaults to 19200
	BaudRate int
	SlaveId  byte
	Timeout  time.Duration
	// URL creates a remote connection through a usb_bridge
	URL      string
	Password string
}

// NewHandler returns a local RTU handler, or a bridge client when URL is set.
func NewHandler(c Config, logger *zap.Logger) Handler {
	if c.URL != "" {
		return NewBridgeClient(c.URL, c.Password, c.Timeout)
	}
	return NewRTUHandler(c, logger)
}

func NewRTUHandler(c Config, logger *zap.Logger) *modbus.RTUClientHandler {
	if c.BaudRate == 0 {
		c.BaudRate = 19200
	}
	if c.Timeout == 0 {
		c.Timeout = 1 * time.Second
	}
	handler := modbus.NewRTUClientHandler(c.Port)
	handler.BaudRate = c.BaudRate
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = c.Timeout
	handler.SlaveId = c.SlaveId
	if logger != nil && logger.Core().Enabled(zap.DebugLevel) {
		handler.Logger = zap.NewStdLog(logger.Named("modbus"))
	}
	return handler
}

// Packager frames and unframes PDUs for slaveID without any I/O.
func Packager(slaveID byte) modbus.Packager {
	handler := modbus.NewRTUClientHandler("")
	handler.SlaveId = slaveID
	return handler
}
