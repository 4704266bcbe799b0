package device

import (
	"errors"
	"net"
	"time"
)

var ErrInvalidData = errors.New("invalid data")

// ErrTransferFailed marks a characteristic read or write that failed after a
// connection was established. Exchange scripts wrap it so the session layer
// can tell a degraded transfer apart from an unexpected fault.
var ErrTransferFailed = errors.New("characteristic transfer failed")

type Flags uint8

const (
	FlagRequiresBleActiveScan Flags = 1 << iota
)

type Device interface {
	Name() string
	Addr() net.HardwareAddr
	Identity() Identity
	Flags() Flags
	Backend() Backend
	String() string
}

// PollPolicy is implemented by devices that decide their own active-poll
// cadence. lastPoll is the completion time of the previous poll attempt; a
// zero lastPoll means the device has never been polled.
type PollPolicy interface {
	PollNeeded(now, lastPoll time.Time) bool
}

// LivenessReporter is implemented by devices that track an in-use state from
// passive observations.
type LivenessReporter interface {
	Liveness() Liveness
}
