package telemetry

import (
	"context"

	"github.com/w1xm/pwi_interface/device"
	"go.uber.org/zap"
)

type Sink interface {
	Write(st device.State) error
}

// Run writes every snapshot from states to each sink until states is closed
// or ctx is done. A failing sink is logged and does not stop the others.
func Run(ctx context.Context, states <-chan device.State, logger *zap.Logger, sinks ...Sink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-states:
			if !ok {
				return nil
			}
			for _, s := range sinks {
				if err := s.Write(st); err != nil {
					logger.Warn("telemetry write failed", zap.String("device", st.Device), zap.Error(err))
				}
			}
		}
	}
}
