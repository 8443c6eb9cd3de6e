package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Backoff configures reconnect and poll retry intervals.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter is the randomization factor in [0, 1). Zero gives a
	// deterministic schedule.
	Jitter float64
}

// New returns an exponential backoff that never gives up on its own.
func (b Backoff) New() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Initial
	eb.MaxInterval = b.Max
	eb.RandomizationFactor = b.Jitter
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// Reconnect calls connect until it succeeds, ctx is done, or attempts is
// exhausted (attempts <= 0 retries forever).
func Reconnect(ctx context.Context, name string, attempts int, b Backoff, logger *zap.Logger, connect func(context.Context) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	var policy backoff.BackOff = b.New()
	if attempts > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(attempts-1))
	}
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return connect(ctx)
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		logger.Warn("connect failed",
			zap.String("device", name),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", next),
			zap.Error(err))
	})
}
