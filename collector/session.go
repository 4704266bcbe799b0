package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ocleanx/go-oclean-exporter/ble"
	"github.com/ocleanx/go-oclean-exporter/device"
	"github.com/ocleanx/go-oclean-exporter/utils"
)

var ErrConnectionFailed = errors.New("connection to device failed")

// sessionLocks serializes connected sessions per device address. A second
// session against a peripheral that is already mid-exchange confuses its GATT
// server, so the later caller waits for the earlier one to sever the link.
type sessionLocks struct {
	mu sync.Mutex

	locks map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *sessionLocks) lock(addr string) func() {
	s.mu.Lock()

	l := s.locks[addr]

	if l == nil {
		l = &sync.Mutex{}
		s.locks[addr] = l
	}

	s.mu.Unlock()

	l.Lock()

	return l.Unlock
}

// runSession owns the whole lifecycle of one connected exchange: dial with a
// small attempt budget, run the device's exchange script, and always sever
// the link before returning.
//
// Transfer failures and timeouts mid-exchange are not fatal: whatever the
// sink accumulated up to that point is returned as a partial update with a
// nil error. Anything else the exchange script did not classify is returned
// as-is, after the link is severed.
func (c *Collector) runSession(
	ctx context.Context,
	dev deviceWithBackend[device.ActiveBackend],
	attempts int,
) (update device.Update, err error) {
	unlock := c.sessions.lock(dev.Addr().String())
	defer unlock()

	if attempts < 1 {
		attempts = 1
	}

	var conn ble.Client

	for attempt := 1; ; attempt += 1 {
		conn, err = c.ble.Connect(ctx, dev.Addr())

		if err == nil {
			break
		}

		if attempt >= attempts || ctx.Err() != nil {
			return update, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}

		c.log.Debug().
			Stringer("Device", dev).
			Int("Attempt", attempt).
			Err(err).
			Msg("session: connection failed, dialing again")
	}

	defer func() {
		// the peripheral refuses new connections while the old link
		// lingers, so sever it no matter how the exchange went.
		if err := conn.CancelConnection(); err != nil {
			c.log.Debug().
				Stringer("Device", dev).
				Err(err).
				Msg("session: disconnect failed")
		}
	}()

	sink := device.NewSink()

	err = dev.backend.Exchange(ctx, conn, sink)
	update = sink.Finish(dev.Identity())

	if err == nil {
		return update, nil
	}

	if utils.ErrorIsAnyOf(err, device.ErrTransferFailed, context.DeadlineExceeded, context.Canceled) {
		c.log.Warn().
			Stringer("Device", dev).
			Err(err).
			Msg("session: exchange ended early, keeping partial data")

		return update, nil
	}

	return update, err
}
