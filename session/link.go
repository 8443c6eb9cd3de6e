package session

import (
	"fmt"
	"io"
	"time"

	"github.com/w1xm/pwi_interface/accessory"
	"github.com/w1xm/pwi_interface/codec"
	"github.com/w1xm/pwi_interface/config"
	"github.com/w1xm/pwi_interface/device"
	"github.com/w1xm/pwi_interface/internal/modbus"
	"github.com/w1xm/pwi_interface/pwi"
	"github.com/w1xm/pwi_interface/transport"
	"go.uber.org/zap"
)

// SerialOpener opens a serial port for line protocol accessories.
type SerialOpener func(port string, baud int, timeout time.Duration) (io.ReadWriteCloser, error)

func openSerial(port string, baud int, timeout time.Duration) (io.ReadWriteCloser, error) {
	return transport.SerialOpener(port, baud, timeout)()
}

// newLink builds the transport and codec a device section asks for.
func newLink(dc config.DeviceConfig, timeout time.Duration, openPort SerialOpener, logger *zap.Logger) (transport.Transport, codec.Codec, error) {
	kind, err := device.ParseKind(dc.Kind)
	if err != nil {
		return nil, nil, err
	}
	switch dc.Transport {
	case config.TransportHTTP:
		c, err := pwi.New(dc.Name, kind)
		if err != nil {
			return nil, nil, err
		}
		return transport.NewHTTP(dc.Address, timeout, logger), c, nil

	case config.TransportSerial:
		if kind != device.KindFocuser {
			return nil, nil, fmt.Errorf("%s: serial line protocol is only spoken by focusers", dc.Name)
		}
		if openPort == nil {
			openPort = openSerial
		}
		baud := dc.Baud
		if baud == 0 {
			baud = 9600
		}
		open := func() (io.ReadWriteCloser, error) {
			return openPort(dc.Address, baud, timeout)
		}
		return transport.NewSerial(dc.Address, open, timeout, logger), accessory.NewLineCodec(dc.Name), nil

	case config.TransportModbus:
		if kind != device.KindRotator {
			return nil, nil, fmt.Errorf("%s: modbus register protocol is only spoken by rotators", dc.Name)
		}
		c, err := accessory.NewRegisterCodec(dc.Name, byte(dc.SlaveID), dc.TicksPerDegree)
		if err != nil {
			return nil, nil, err
		}
		handler := modbus.NewHandler(modbus.Config{
			Port:     dc.Address,
			BaudRate: dc.Baud,
			SlaveId:  byte(dc.SlaveID),
			Timeout:  timeout,
			URL:      dc.BridgeURL,
			Password: dc.BridgePassword,
		}, logger)
		name := dc.Address
		if dc.BridgeURL != "" {
			name = dc.BridgeURL
		}
		return transport.NewModbus(name, handler, logger), c, nil
	}
	return nil, nil, fmt.Errorf("%s: unknown transport %q", dc.Name, dc.Transport)
}
