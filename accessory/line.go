// Package accessory holds codecs for accessories attached directly over USB
// rather than through the control daemon.
package accessory

import (
	"fmt"
	"math"
	"strings"

	"github.com/w1xm/pwi_interface/codec"
	"github.com/w1xm/pwi_interface/device"
	"github.com/w1xm/pwi_interface/internal/units"
	"github.com/w1xm/pwi_interface/transport"
)

// LineCodec speaks the focuser's ASCII serial protocol. A status query is
// answered with one line of space separated fields:
//
//	POS=12345 MOV=0 EN=1 VER=2.1 ERR=motor stall
//
// ERR is always last and runs to the end of the line. Commands are answered
// with OK or ERR <reason>.
type LineCodec struct {
	name string
}

var _ codec.Codec = (*LineCodec)(nil)

func NewLineCodec(name string) *LineCodec {
	return &LineCodec{name: name}
}

var lineFields = []codec.Field{
	{Key: "POS", Type: codec.Float, Unit: units.Steps, Required: true,
		Apply: func(s *device.State, v codec.Value) { s.Position = v.Float }},
	{Key: "MOV", Type: codec.Bool, Required: true,
		Apply: func(s *device.State, v codec.Value) { s.Moving = v.Bool }},
	{Key: "EN", Type: codec.Bool, Required: true,
		Apply: func(s *device.State, v codec.Value) { s.Enabled = v.Bool }},
	{Key: "VER", Type: codec.String,
		Apply: func(s *device.State, v codec.Value) { s.Version = v.String }},
	{Key: "ERR", Type: codec.String,
		Apply: func(s *device.State, v codec.Value) { s.Fault = device.Fault(v.String) }},
}

func (c *LineCodec) StatusRequest() transport.Request {
	return transport.Request{Payload: []byte("STATUS")}
}

func parseLine(line string) map[string]string {
	out := make(map[string]string)
	if i := strings.Index(line, "ERR="); i >= 0 && (i == 0 || line[i-1] == ' ') {
		out["ERR"] = line[i+len("ERR="):]
		line = line[:i]
	}
	for _, word := range strings.Fields(line) {
		if k, v, ok := strings.Cut(word, "="); ok {
			out[k] = v
		}
	}
	return out
}

func (c *LineCodec) Decode(resp transport.Response) (device.State, error) {
	s := device.State{
		Device: c.name,
		Kind:   device.KindFocuser,
		// The accessory answered, so the link is up.
		Connected: true,
		Timestamp: resp.ReceivedAt,
	}
	if err := codec.DecodeFields(&s, lineFields, parseLine(string(resp.Body))); err != nil {
		return device.State{}, err
	}
	switch {
	case s.Fault != device.FaultNone:
		s.Mode = device.ModeFaulted
	case s.Moving:
		s.Mode = device.ModeSlewing
	}
	return s, nil
}

func (c *LineCodec) Encode(cmd device.Command) (transport.Request, error) {
	var line string
	switch cmd.Verb {
	case device.VerbConnect:
		line = "ENABLE"
	case device.VerbDisconnect:
		line = "DISABLE"
	case device.VerbStop:
		line = "STOP"
	case device.VerbMove:
		line = fmt.Sprintf("GOTO %d", int64(math.Round(cmd.Position)))
	default:
		return transport.Request{}, codec.Unsupported(device.KindFocuser, cmd.Verb)
	}
	return transport.Request{Seq: cmd.Seq, Payload: []byte(line)}, nil
}

func (c *LineCodec) Ack(resp transport.Response) error {
	body := strings.TrimSpace(string(resp.Body))
	switch {
	case body == "OK":
		return nil
	case strings.HasPrefix(body, "ERR"):
		return fmt.Errorf("%w: %s", codec.ErrRejected, strings.TrimSpace(strings.TrimPrefix(body, "ERR")))
	}
	return &codec.InvalidValueError{Name: "ack", Raw: body}
}
