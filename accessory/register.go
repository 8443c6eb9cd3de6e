package accessory

import (
	"encoding/binary"
	"fmt"

	"github.com/goburrow/modbus"
	"github.com/w1xm/pwi_interface/codec"
	"github.com/w1xm/pwi_interface/device"
	imodbus "github.com/w1xm/pwi_interface/internal/modbus"
	"github.com/w1xm/pwi_interface/internal/units"
	"github.com/w1xm/pwi_interface/transport"
)

// Register map of the RS-485 field rotator.
const (
	// Input registers
	regPositionHi = 0
	regPositionLo = 1
	regFlags      = 2
	regFault      = 3
	statusRegs    = 4

	// Holding registers
	regTargetHi = 16
	regTargetLo = 17
	regControl  = 18
)

// Flags in regFlags.
const (
	flagMoving  = 1 << 0
	flagEnabled = 1 << 1
	flagHomed   = 1 << 2
)

// Control words written to regControl.
const (
	controlGo      = 1
	controlStop    = 2
	controlEnable  = 4
	controlDisable = 8
	controlHome    = 16
)

var faultNames = map[uint16]string{
	1: "overcurrent",
	2: "following error",
	3: "limit switch",
	4: "encoder",
}

// RegisterCodec maps the rotator's Modbus registers onto device.State. Axis
// positions are 32-bit encoder ticks converted with the configured scale.
type RegisterCodec struct {
	name     string
	scale    units.TickScale
	packager modbus.Packager
}

var _ codec.Codec = (*RegisterCodec)(nil)

func NewRegisterCodec(name string, slaveID byte, ticksPerDegree float64) (*RegisterCodec, error) {
	if ticksPerDegree <= 0 {
		return nil, fmt.Errorf("ticks per degree must be positive, got %v", ticksPerDegree)
	}
	return &RegisterCodec{
		name:     name,
		scale:    units.TickScale(ticksPerDegree),
		packager: imodbus.Packager(slaveID),
	}, nil
}

func (c *RegisterCodec) frame(fc byte, data []byte, seq uint64) transport.Request {
	adu, err := c.packager.Encode(&modbus.ProtocolDataUnit{FunctionCode: fc, Data: data})
	if err != nil {
		// Only oversized frames fail to encode, and all frames here are fixed size.
		panic(err)
	}
	return transport.Request{Seq: seq, Payload: adu}
}

func (c *RegisterCodec) StatusRequest() transport.Request {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data, regPositionHi)
	binary.BigEndian.PutUint16(data[2:], statusRegs)
	return c.frame(modbus.FuncCodeReadInputRegisters, data, 0)
}

// unframe checks the CRC and the exception bit and returns the PDU data.
func (c *RegisterCodec) unframe(adu []byte, fc byte) ([]byte, error) {
	if len(adu) < 4 {
		return nil, &codec.InvalidValueError{Name: "adu", Raw: fmt.Sprintf("% x", adu)}
	}
	pdu, err := c.packager.Decode(adu)
	if err != nil {
		return nil, &codec.InvalidValueError{Name: "adu", Raw: fmt.Sprintf("% x", adu), Err: err}
	}
	if pdu.FunctionCode == fc|0x80 {
		code := byte(0)
		if len(pdu.Data) > 0 {
			code = pdu.Data[0]
		}
		return nil, fmt.Errorf("%w: %v", codec.ErrRejected, &modbus.ModbusError{FunctionCode: pdu.FunctionCode, ExceptionCode: code})
	}
	if pdu.FunctionCode != fc {
		return nil, &codec.InvalidValueError{Name: "function", Raw: fmt.Sprintf("%#x", pdu.FunctionCode)}
	}
	return pdu.Data, nil
}

func (c *RegisterCodec) Decode(resp transport.Response) (device.State, error) {
	data, err := c.unframe(resp.Body, modbus.FuncCodeReadInputRegisters)
	if err != nil {
		return device.State{}, err
	}
	// data[0] is the byte count.
	regs := make([]uint16, 0, statusRegs)
	for i := 1; i+1 < len(data) && len(regs) < statusRegs; i += 2 {
		regs = append(regs, binary.BigEndian.Uint16(data[i:]))
	}
	if len(regs) < statusRegs {
		return device.State{}, &codec.MissingFieldError{Name: fmt.Sprintf("register %d", len(regs))}
	}
	ticks := int32(uint32(regs[regPositionHi])<<16 | uint32(regs[regPositionLo]))
	flags := regs[regFlags]
	s := device.State{
		Device:    c.name,
		Kind:      device.KindRotator,
		Connected: true,
		Enabled:   flags&flagEnabled != 0,
		Moving:    flags&flagMoving != 0,
		Position:  units.Normalize(c.scale.Degrees(int64(ticks))),
		Timestamp: resp.ReceivedAt,
	}
	if code := regs[regFault]; code != 0 {
		name, ok := faultNames[code]
		if !ok {
			name = fmt.Sprintf("fault %d", code)
		}
		s.Fault = device.Fault(name)
		s.Mode = device.ModeFaulted
	} else if s.Moving {
		s.Mode = device.ModeSlewing
	}
	return s, nil
}

func (c *RegisterCodec) Encode(cmd device.Command) (transport.Request, error) {
	var regs []uint16
	start := uint16(regControl)
	switch cmd.Verb {
	case device.VerbMove:
		ticks := uint32(int32(c.scale.Ticks(units.Normalize(cmd.Position))))
		start = regTargetHi
		regs = []uint16{uint16(ticks >> 16), uint16(ticks), controlGo}
	case device.VerbStop:
		regs = []uint16{controlStop}
	case device.VerbConnect:
		regs = []uint16{controlEnable}
	case device.VerbDisconnect:
		regs = []uint16{controlDisable}
	case device.VerbHome:
		regs = []uint16{controlHome}
	default:
		return transport.Request{}, codec.Unsupported(device.KindRotator, cmd.Verb)
	}
	data := make([]byte, 5+2*len(regs))
	binary.BigEndian.PutUint16(data, start)
	binary.BigEndian.PutUint16(data[2:], uint16(len(regs)))
	data[4] = byte(2 * len(regs))
	for i, r := range regs {
		binary.BigEndian.PutUint16(data[5+2*i:], r)
	}
	return c.frame(modbus.FuncCodeWriteMultipleRegisters, data, cmd.Seq), nil
}

func (c *RegisterCodec) Ack(resp transport.Response) error {
	_, err := c.unframe(resp.Body, modbus.FuncCodeWriteMultipleRegisters)
	return err
}
