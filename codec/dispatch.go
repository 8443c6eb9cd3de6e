package codec

import (
	"context"
	"fmt"

	"github.com/w1xm/pwi_interface/device"
	"github.com/w1xm/pwi_interface/transport"
)

// Dispatcher sends commands to one device: encode, one round trip, ack.
// Commands are never retried.
type Dispatcher struct {
	Transport transport.Transport
	Codec     Codec
}

func (d Dispatcher) Send(ctx context.Context, cmd device.Command) error {
	req, err := d.Codec.Encode(cmd)
	if err != nil {
		return err
	}
	req.Seq = cmd.Seq
	resp, err := d.Transport.Send(ctx, req)
	if err != nil {
		return err
	}
	if err := d.Codec.Ack(resp); err != nil {
		return fmt.Errorf("%v: %w", cmd, err)
	}
	return nil
}
