package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	ErrUnreachable      = errors.New("unreachable")
	ErrTimeout          = errors.New("timeout")
	ErrProtocolMismatch = errors.New("protocol mismatch")

	// ErrNotSent marks a request abandoned before any of it was written.
	ErrNotSent       = errors.New("not sent")
	ErrStaleSequence = errors.New("stale command sequence")
	ErrClosed        = errors.New("transport closed")
)

// Error carries one of ErrUnreachable, ErrTimeout or ErrProtocolMismatch as
// Kind together with the underlying cause. errors.Is matches either.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Kind returns the failure class of err, or nil if err is not a transport
// failure.
func Kind(err error) error {
	for _, kind := range []error{ErrTimeout, ErrUnreachable, ErrProtocolMismatch} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// classify wraps a raw I/O error with its failure class.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	kind := ErrUnreachable
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		kind = ErrTimeout
	case errors.As(err, &ne) && ne.Timeout():
		kind = ErrTimeout
	}
	return &Error{Op: op, Kind: kind, Err: err}
}
