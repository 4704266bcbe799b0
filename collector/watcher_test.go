package collector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	ble_mod "github.com/go-ble/ble"
	"github.com/ocleanx/go-oclean-exporter/device"
	"github.com/rs/zerolog"
)

func TestWatcher_ObserveStoresParsedUpdate(t *testing.T) {
	tr := newFakeTransport()

	backend := &fakePassiveBackend{}
	dev := newFakeDevice("brush", "aa:bb:cc:00:02:01", backend)

	backend.parse = func(a ble_mod.Advertisement) (device.Update, error) {
		return device.Update{
			Identity: dev.Identity(),
			Sensors: map[device.SensorKey]device.Sensor{
				"state": {Key: "state", Value: "advertising"},
			},
		}, nil
	}

	w := NewWatcher(zerolog.Nop(), newTestCollector(tr), []device.Device{dev})

	w.observe(context.Background(), advertisementFor(dev), CollectionOptions{})

	updates, ts := w.Latest()

	if ts.IsZero() {
		t.Error("collection time not stamped")
	}

	update, ok := updates[dev]

	if !ok {
		t.Fatalf("no update stored for device: %v", updates)
	}

	if _, ok := update.Sensors["state"]; !ok {
		t.Errorf("parsed sensor missing: %v", update)
	}
}

func TestWatcher_ObserveStartsPollWhenDue(t *testing.T) {
	tr := newFakeTransport()

	var exchanges int32

	backend := &fakeDualBackend{}
	dev := newFakeDevice("brush", "aa:bb:cc:00:02:02", backend)
	dev.pollNeeded = func(now, lastPoll time.Time) bool {
		return lastPoll.IsZero()
	}

	backend.parse = func(a ble_mod.Advertisement) (device.Update, error) {
		return device.Update{Identity: dev.Identity()}, nil
	}

	backend.exchange = func(ctx context.Context, c ble_mod.Client, sink *device.Sink) error {
		atomic.AddInt32(&exchanges, 1)
		sink.Record(device.SensorBatteryPercent, device.UnitPercent, 66, device.ClassBattery, "Battery")

		return nil
	}

	w := NewWatcher(zerolog.Nop(), newTestCollector(tr), []device.Device{dev})
	opts := CollectionOptions{ConnectAttempts: 1, TimeoutPerAttempt: 2 * time.Second}

	w.observe(context.Background(), advertisementFor(dev), opts)

	waitFor(t, "the poll session to finish", func() bool {
		updates, _ := w.Latest()
		_, ok := updates[dev].Sensors[device.SensorBatteryPercent]

		return ok
	})

	w.mu.Lock()
	lastPoll := w.watched["aa:bb:cc:00:02:02"].lastPoll
	w.mu.Unlock()

	if lastPoll.IsZero() {
		t.Error("poll completion not stamped")
	}

	// the device was just polled, so another advertisement is not enough to
	// start a second session.
	w.observe(context.Background(), advertisementFor(dev), opts)

	w.mu.Lock()
	inFlight := w.watched["aa:bb:cc:00:02:02"].inFlight
	w.mu.Unlock()

	if inFlight {
		t.Error("second poll dispatched although none was due")
	}

	if got := atomic.LoadInt32(&exchanges); got != 1 {
		t.Errorf("exchanges: got %d, wanted 1", got)
	}
}

func TestWatcher_SkipsOverlappingPolls(t *testing.T) {
	tr := newFakeTransport()

	release := make(chan struct{})
	started := make(chan struct{})

	var exchanges int32

	backend := &fakeDualBackend{}
	dev := newFakeDevice("brush", "aa:bb:cc:00:02:03", backend)
	dev.pollNeeded = func(now, lastPoll time.Time) bool { return true }

	backend.parse = func(a ble_mod.Advertisement) (device.Update, error) {
		return device.Update{Identity: dev.Identity()}, nil
	}

	backend.exchange = func(ctx context.Context, c ble_mod.Client, sink *device.Sink) error {
		if atomic.AddInt32(&exchanges, 1) == 1 {
			close(started)
		}

		<-release

		return nil
	}

	w := NewWatcher(zerolog.Nop(), newTestCollector(tr), []device.Device{dev})
	opts := CollectionOptions{ConnectAttempts: 1, TimeoutPerAttempt: 2 * time.Second}

	w.observe(context.Background(), advertisementFor(dev), opts)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first poll session never started")
	}

	// a second advertisement while the session is still running must not
	// start another one.
	w.observe(context.Background(), advertisementFor(dev), opts)

	if got := atomic.LoadInt32(&exchanges); got != 1 {
		t.Errorf("exchanges: got %d, wanted 1", got)
	}

	close(release)

	waitFor(t, "the poll session to finish", func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()

		return !w.watched["aa:bb:cc:00:02:03"].inFlight
	})
}

func TestWatcher_PollFailureStillStampsPollClock(t *testing.T) {
	tr := newFakeTransport()

	backend := &fakeDualBackend{}
	dev := newFakeDevice("brush", "aa:bb:cc:00:02:04", backend)
	dev.pollNeeded = func(now, lastPoll time.Time) bool {
		return lastPoll.IsZero()
	}

	backend.parse = func(a ble_mod.Advertisement) (device.Update, error) {
		return device.Update{Identity: dev.Identity()}, nil
	}

	backend.exchange = func(ctx context.Context, c ble_mod.Client, sink *device.Sink) error {
		return errors.New("unexpected gatt layout")
	}

	w := NewWatcher(zerolog.Nop(), newTestCollector(tr), []device.Device{dev})
	opts := CollectionOptions{ConnectAttempts: 1, TimeoutPerAttempt: 2 * time.Second}

	w.observe(context.Background(), advertisementFor(dev), opts)

	// even a failed poll counts: the device must not get hammered on every
	// advertisement it sends.
	waitFor(t, "the failed poll to stamp the clock", func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()

		return !w.watched["aa:bb:cc:00:02:04"].lastPoll.IsZero()
	})

	updates, _ := w.Latest()

	if len(updates[dev].Sensors) != 0 {
		t.Errorf("faulted poll stored data: %v", updates[dev])
	}
}

func TestWatcher_RejectedAdvertisementTriggersNothing(t *testing.T) {
	tr := newFakeTransport()

	var pollChecks int32

	backend := &fakeDualBackend{}
	dev := newFakeDevice("brush", "aa:bb:cc:00:02:05", backend)
	dev.pollNeeded = func(now, lastPoll time.Time) bool {
		atomic.AddInt32(&pollChecks, 1)

		return true
	}

	backend.parse = func(a ble_mod.Advertisement) (device.Update, error) {
		return device.Update{}, device.ErrInvalidData
	}

	backend.exchange = func(ctx context.Context, c ble_mod.Client, sink *device.Sink) error {
		t.Error("exchange started from a rejected advertisement")

		return nil
	}

	w := NewWatcher(zerolog.Nop(), newTestCollector(tr), []device.Device{dev})

	w.observe(context.Background(), advertisementFor(dev), CollectionOptions{})

	if got := atomic.LoadInt32(&pollChecks); got != 0 {
		t.Errorf("poll policy consulted %d times for a rejected advertisement", got)
	}

	updates, _ := w.Latest()

	if len(updates) != 0 {
		t.Errorf("rejected advertisement stored data: %v", updates)
	}
}

func TestWatcher_UpdateSeedsPollClock(t *testing.T) {
	tr := newFakeTransport()

	backend := &fakeDualBackend{}
	dev := newFakeDevice("brush", "aa:bb:cc:00:02:06", backend)

	w := NewWatcher(zerolog.Nop(), newTestCollector(tr), []device.Device{dev})

	w.Update(map[device.Device]device.Update{
		dev: {Identity: dev.Identity()},
	})

	w.mu.Lock()
	lastPoll := w.watched["aa:bb:cc:00:02:06"].lastPoll
	w.mu.Unlock()

	if lastPoll.IsZero() {
		t.Error("full collection did not count as a poll")
	}

	updates, _ := w.Latest()

	if _, ok := updates[dev]; !ok {
		t.Errorf("seeded update not served: %v", updates)
	}
}

func TestWatcher_SuspendsWhenIdleAndResumesOnRead(t *testing.T) {
	tr := newFakeTransport() // the default scan blocks until canceled

	backend := &fakePassiveBackend{}
	dev := newFakeDevice("brush", "aa:bb:cc:00:02:07", backend)

	backend.parse = func(a ble_mod.Advertisement) (device.Update, error) {
		return device.Update{}, device.ErrInvalidData
	}

	w := NewWatcher(zerolog.Nop(), newTestCollector(tr), []device.Device{dev})
	w.IdleTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})

	go func() {
		w.Start(ctx, CollectionOptions{TimeoutPerAttempt: 20 * time.Millisecond})
		close(done)
	}()

	// nobody reads anything: the idle watchdog has to kill the scan and
	// suspend the watcher.
	waitFor(t, "the watcher to suspend", func() bool {
		return w.suspended.Load() && atomic.LoadInt32(&tr.disconnectAllCalls) > 0
	})

	// reading data is what wakes the watcher up again.
	waitFor(t, "the watcher to resume", func() bool {
		w.Latest()

		return !w.suspended.Load()
	})

	waitFor(t, "the scan to restart", func() bool {
		w.Latest()

		return atomic.LoadInt32(&tr.scanAllCalls) >= 2
	})

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop with its context")
	}
}
