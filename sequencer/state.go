package sequencer

import (
	"errors"
	"fmt"
	"time"
)

type State int

const (
	Idle State = iota
	Slewing
	// Stopping is entered on stop and left for Idle once a poll shows the
	// device has halted.
	Stopping
	Tracking
	Parking
	Parked
	Faulted
)

var stateNames = []string{"idle", "slewing", "stopping", "tracking", "parking", "parked", "faulted"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// busy reports whether a motion is in progress that only stop may interrupt.
func (s State) busy() bool {
	return s == Slewing || s == Parking || s == Stopping
}

var (
	ErrBusy          = errors.New("device busy")
	ErrInvalidTarget = errors.New("invalid target")
	ErrNotConnected  = errors.New("device not connected")
	ErrFaulted       = errors.New("device faulted")
	ErrInvalidState  = errors.New("invalid state for request")
)

// Transition is published each time the state machine changes state.
type Transition struct {
	Device string    `json:"device"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	Time   time.Time `json:"time"`
}
