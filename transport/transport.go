// Package transport moves encoded requests to a device and raw responses
// back. It does not interpret payloads.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// Request is one wire exchange. HTTP variants use Path and Params, byte
// variants use Payload. Status queries carry Seq 0; commands carry the
// sequence id assigned by the sequencer.
type Request struct {
	Seq     uint64
	Path    string
	Params  url.Values
	Payload []byte
}

func (r Request) String() string {
	if r.Path != "" {
		if len(r.Params) > 0 {
			return fmt.Sprintf("#%d %s?%s", r.Seq, r.Path, r.Params.Encode())
		}
		return fmt.Sprintf("#%d %s", r.Seq, r.Path)
	}
	return fmt.Sprintf("#%d % x", r.Seq, r.Payload)
}

type Response struct {
	Body       []byte
	ReceivedAt time.Time
}

// Transport is implemented by every device connection. Send may be called
// concurrently; implementations serialize wire access.
type Transport interface {
	Send(ctx context.Context, req Request) (Response, error)
	Close() error
}

// wire is the per-device exclusive lock shared by all variants. It also
// enforces that command sequence ids only move forward.
type wire struct {
	sem     chan struct{}
	lastSeq uint64
	closed  bool
}

func newWire() wire {
	return wire{sem: make(chan struct{}, 1)}
}

func (w *wire) lock(ctx context.Context, seq uint64) error {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		// Nothing reached the device, so this is never a timeout.
		return &Error{Op: "lock", Kind: ErrUnreachable, Err: fmt.Errorf("%w: wire busy: %w", ErrNotSent, ctx.Err())}
	}
	if w.closed {
		w.unlock()
		return ErrClosed
	}
	if seq != 0 {
		if seq <= w.lastSeq {
			last := w.lastSeq
			w.unlock()
			return fmt.Errorf("%w: #%d after #%d", ErrStaleSequence, seq, last)
		}
		w.lastSeq = seq
	}
	return nil
}

func (w *wire) unlock() {
	<-w.sem
}

// shut marks the wire closed and runs fn while holding the lock.
func (w *wire) shut(fn func() error) error {
	w.sem <- struct{}{}
	defer w.unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if fn == nil {
		return nil
	}
	return fn()
}
