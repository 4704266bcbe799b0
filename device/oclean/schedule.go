package oclean

import (
	"time"

	"github.com/ocleanx/go-oclean-exporter/device"
)

const (
	// Poll often while the brush is (or just was) in use so session stats
	// land quickly, and rarely while it sits idle on the charger.
	BrushingPollInterval = 10 * time.Second
	IdlePollInterval     = 5 * time.Minute

	// How long after the last observed brushing the fast interval still
	// applies.
	RecentlyBrushingGrace = 45 * time.Second
)

// PollNeeded reports whether an active poll is due. A zero lastPoll means
// the device has never been polled and is always due. The decision is pure:
// calling it never mutates device state.
func (d *Device) PollNeeded(now, lastPoll time.Time) bool {
	if lastPoll.IsZero() {
		return true
	}

	return pollDue(now, lastPoll, d.Liveness())
}

func pollDue(now, lastPoll time.Time, liveness device.Liveness) bool {
	interval := IdlePollInterval

	if liveness.Active || liveness.RecentlyActive(now, RecentlyBrushingGrace) {
		interval = BrushingPollInterval
	}

	return now.Sub(lastPoll) > interval
}
