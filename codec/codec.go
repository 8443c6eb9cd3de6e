// Package codec defines the contract shared by the daemon and accessory
// protocol codecs.
package codec

import (
	"errors"
	"fmt"

	"github.com/w1xm/pwi_interface/device"
	"github.com/w1xm/pwi_interface/transport"
)

// Codec maps one device's wire format onto the typed model.
type Codec interface {
	// StatusRequest returns the query that fetches a full status record.
	StatusRequest() transport.Request
	// Decode parses a status response. Unknown fields are ignored.
	Decode(resp transport.Response) (device.State, error)
	// Encode serializes cmd. The result is a pure function of cmd.
	Encode(cmd device.Command) (transport.Request, error)
	// Ack checks a command response. It confirms receipt, not completion.
	Ack(resp transport.Response) error
}

var (
	ErrDecode          = errors.New("decode failed")
	ErrUnsupportedVerb = errors.New("unsupported command")
	ErrRejected        = errors.New("command rejected by device")
)

type MissingFieldError struct {
	Name string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Name)
}

func (e *MissingFieldError) Unwrap() error { return ErrDecode }

type InvalidValueError struct {
	Name string
	Raw  string
	Err  error
}

func (e *InvalidValueError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid value %q for field %q: %v", e.Raw, e.Name, e.Err)
	}
	return fmt.Sprintf("invalid value %q for field %q", e.Raw, e.Name)
}

func (e *InvalidValueError) Unwrap() error { return ErrDecode }

func Unsupported(kind device.Kind, verb device.Verb) error {
	return fmt.Errorf("%w: %s cannot %s", ErrUnsupportedVerb, kind, verb)
}
