package collector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocleanx/go-oclean-exporter/ble"
	"github.com/ocleanx/go-oclean-exporter/device"
	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"
)

type signal uint8

const (
	signalWakeUp signal = iota
	signalCollectionFinished
)

// how long to wait before restarting a scan that died on its own.
const scanRestartBackoff = 5 * time.Second

type watchedDevice struct {
	device.Device

	passive device.PassiveBackend // nil when the device only exchanges
	policy  device.PollPolicy     // nil when the device is never polled

	// guarded by Watcher.mu.
	lastPoll time.Time
	inFlight bool
}

// Watcher keeps a passive scan running, feeds every advertisement to the
// owning device, and starts a connected exchange session whenever a device's
// poll policy says one is due. Collected updates accumulate per device and
// are served to readers from memory.
type Watcher struct {
	// If no call to Latest()/WaitLatest() has been executed for more than
	// IdleTimeout, the watcher will suspend and resume automatically when
	// data is read again.
	IdleTimeout time.Duration

	log       zerolog.Logger
	collector *Collector
	devices   []device.Device

	mu             sync.Mutex
	watched        map[string]*watchedDevice
	updates        map[device.Device]device.Update
	collectionTime time.Time
	lastRead       time.Time

	// watcher has been Start()ed
	started bool

	// watcher is currently suspended due to inactivity
	suspended atomic.Bool

	signal   chan signal
	wakeUpMu sync.Mutex
}

func NewWatcher(log zerolog.Logger, c *Collector, devices []device.Device) *Watcher {
	w := &Watcher{
		log:       log,
		collector: c,
		devices:   devices,
		watched:   make(map[string]*watchedDevice, len(devices)),
		updates:   make(map[device.Device]device.Update, len(devices)),
		lastRead:  time.Now(),
		signal:    make(chan signal),
	}

	for _, dev := range devices {
		wd := &watchedDevice{Device: dev}

		if backend, ok := dev.Backend().(device.PassiveBackend); ok {
			wd.passive = backend
		}

		// a poll policy only matters when there is an exchange to run.
		if policy, ok := dev.(device.PollPolicy); ok {
			if _, connected := dev.Backend().(device.ActiveBackend); connected {
				wd.policy = policy
			}
		}

		w.watched[strings.ToLower(dev.Addr().String())] = wd
	}

	return w
}

// Update stores a full collection result, replacing everything accumulated
// so far. Devices present in the map count as freshly polled for the
// scheduler.
func (w *Watcher) Update(r map[device.Device]device.Update) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if r == nil {
		panic("attempted to set nil update map")
	}

	now := time.Now()

	w.updates = r
	w.collectionTime = now

	for dev := range r {
		if wd := w.watched[strings.ToLower(dev.Addr().String())]; wd != nil {
			wd.lastPoll = now
		}
	}
}

// store merges one device's update into the accumulated state.
func (w *Watcher) store(dev device.Device, update device.Update) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.updates[dev] = w.updates[dev].Merge(update)
	w.collectionTime = time.Now()
}

func (w *Watcher) wakeUpIfNeeded() bool {
	if w.suspended.Load() {
		// this send must not be lossy: a dropped wake up would leave
		// blocking readers waiting for a refresh that never starts. The
		// watcher is guaranteed to be draining the channel while suspended.
		w.signal <- signalWakeUp

		return true
	}

	return false
}

func (w *Watcher) wakeUpAndBlockIfNeeded(ctx context.Context) {
	// wait if another goroutine has already sent the wake up signal.
	w.wakeUpMu.Lock()
	defer w.wakeUpMu.Unlock()

	if w.wakeUpIfNeeded() {
		// wait until wake up is complete to proceed and block other goroutines trying to do
		// blocking reads.
		select {
		case <-ctx.Done():
		case sig := <-w.signal:
			if sig != signalCollectionFinished {
				panic("unexpected signal")
			}
		}
	}
}

func (w *Watcher) get() (map[device.Device]device.Update, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastRead = time.Now()

	// updates are merged in place as advertisements come in, so hand out
	// a snapshot. The updates themselves are never mutated after a merge.
	return maps.Clone(w.updates), w.collectionTime
}

// Retrieve the latest collected values. Wakes up the watcher if asleep.
// Doesn't wait for fresh data if the watcher is asleep and is waken up.
func (w *Watcher) Latest() (map[device.Device]device.Update, time.Time) {
	w.wakeUpIfNeeded()

	return w.get()
}

// Retrieve the latest collected values. Wakes up the watcher if asleep and
// waits until it finishes a full refresh, otherwise, returns the last
// available data without blocking.
func (w *Watcher) WaitLatest(ctx context.Context) (map[device.Device]device.Update, time.Time) {
	w.wakeUpAndBlockIfNeeded(ctx)

	return w.get()
}

func (w *Watcher) shouldSuspend() (suspend bool, elapsed time.Duration) {
	if w.IdleTimeout == 0 {
		return false, 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed = time.Now().Sub(w.lastRead)

	return elapsed > w.IdleTimeout, elapsed
}

func (w *Watcher) shutdown() {
	w.log.Info().Msg("Watcher is shutting down")

	close(w.signal)
}

// watchIdle cancels the running scan once nobody has read data for longer
// than the idle timeout; the main loop then takes care of suspending.
func (w *Watcher) watchIdle(ctx context.Context, cancel func()) {
	if w.IdleTimeout == 0 {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.IdleTimeout / 4):
		}

		if suspend, _ := w.shouldSuspend(); suspend {
			cancel()
			return
		}
	}
}

func (w *Watcher) Start(ctx context.Context, opts CollectionOptions) {
	if w.started {
		panic("attempted to call collector.Watcher.Start() twice")
	}

	w.started = true

	w.log.Info().
		Int("Devices", len(w.devices)).
		Dur("IdleTimeoutSec", w.IdleTimeout).
		Int("ConnectAttempts", opts.connectAttempts()).
		Dur("TimeoutPerAttemptSec", opts.TimeoutPerAttempt).
		Msg("Starting advertisement watcher")

	for {
		if ctx.Err() != nil {
			w.shutdown()
			return
		}

		// check if no data has been read for too long and suspend if so.
		if suspend, elapsed := w.shouldSuspend(); suspend {
			if !w.suspended.CompareAndSwap(false, true) {
				panic("watcher should suspend but is already suspended!?")
			}

			w.log.Warn().
				Dur("IdleTimeoutSec", w.IdleTimeout).
				Dur("TimeSinceLastReadSec", elapsed).
				Msg("Suspending watcher due to inactivity. If you see this message often, " +
					"you probably need to adjust the idle timeout with '-idle-timeout'.")

			// drop every lingering connection while idling
			w.collector.ble.DisconnectAll()

			// wait until resumed
			select {
			case <-ctx.Done():
				w.shutdown()
				return
			case sig := <-w.signal:
				if sig != signalWakeUp {
					panic("unexpected signal")
				}

				if !w.suspended.CompareAndSwap(true, false) {
					panic("watcher woke up from sleep but was not suspended!?")
				}

				w.log.Trace().Msg("Watcher woke up from sleep - refreshing all devices")

				// whoever woke us up is waiting for data, so refresh
				// everything at once instead of waiting for advertisements
				// to trickle in.
				w.collectAll(ctx, opts)

				select {
				case w.signal <- signalCollectionFinished:
				default:
				}
			}
		}

		scanCtx, cancel := context.WithCancel(ctx)

		go w.watchIdle(scanCtx, cancel)

		err := w.collector.ble.ScanAll(scanCtx, func(a ble.Advertisement) {
			// sessions deliberately outlive the scan: ctx, not scanCtx.
			w.observe(ctx, a, opts)
		})

		cancel()

		if ctx.Err() != nil {
			w.shutdown()
			return
		}

		if err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error().Err(err).Msg("Advertisement scan failed, restarting")

			select {
			case <-ctx.Done():
				w.shutdown()
				return
			case <-time.After(scanRestartBackoff):
			}
		}
	}
}

// observe feeds one advertisement to the device owning the address, then
// asks its poll policy whether an exchange session is due.
func (w *Watcher) observe(ctx context.Context, a ble.Advertisement, opts CollectionOptions) {
	w.mu.Lock()
	wd := w.watched[strings.ToLower(a.Addr().String())]
	w.mu.Unlock()

	if wd == nil {
		// the adapter allow-list normally filters these out.
		w.log.Trace().
			Str("Address", a.Addr().String()).
			Msg("watcher: advertisement from unknown device")

		return
	}

	if wd.passive != nil {
		update, err := wd.passive.ParseAdvertisement(a)

		if err != nil {
			if !errors.Is(err, device.ErrInvalidData) {
				w.log.Warn().
					Stringer("Device", wd.Device).
					Err(err).
					Msg("watcher: advertisement parse failed")
			}

			// a rejected advertisement proves nothing about the device, so
			// it doesn't get to trigger a poll either.
			return
		}

		w.store(wd.Device, update)
	}

	w.maybePoll(ctx, wd, opts)
}

func (w *Watcher) maybePoll(ctx context.Context, wd *watchedDevice, opts CollectionOptions) {
	if wd.policy == nil {
		return
	}

	now := time.Now()

	w.mu.Lock()

	if wd.inFlight || !wd.policy.PollNeeded(now, wd.lastPoll) {
		w.mu.Unlock()
		return
	}

	wd.inFlight = true
	w.mu.Unlock()

	w.log.Debug().Stringer("Device", wd.Device).Msg("watcher: poll due, starting exchange session")

	go func() {
		update, err := w.collector.PollDevice(ctx, wd.Device, opts)

		w.mu.Lock()
		wd.inFlight = false
		// stamped even on failure so an unreachable device is not hammered
		// on every advertisement it sends.
		wd.lastPoll = time.Now()
		w.mu.Unlock()

		if err != nil {
			w.log.Warn().
				Stringer("Device", wd.Device).
				Err(err).
				Msg("watcher: poll failed for device")

			return
		}

		w.log.Debug().
			Stringer("Device", wd.Device).
			Stringer("Update", update).
			Msg("watcher: poll finished for device")

		w.store(wd.Device, update)
	}()
}

// collectAll runs one full collection cycle over every watched device and
// merges the outcome. Only used when waking up from a suspend, while no scan
// is running.
func (w *Watcher) collectAll(ctx context.Context, opts CollectionOptions) {
	results, err := w.collector.CollectUpdatesWithOptions(ctx, w.devices, opts)

	if results == nil {
		w.log.Error().
			Err(err).
			Msg("Collection failed with undefined collection results - this should never happen!")

		return
	}

	now := time.Now()

	for dev, res := range results {
		w.mu.Lock()
		if wd := w.watched[strings.ToLower(dev.Addr().String())]; wd != nil {
			wd.lastPoll = now
		}
		w.mu.Unlock()

		if res.Error != nil {
			w.log.Warn().
				Stringer("Device", dev).
				Err(res.Error).
				Msg("Collection failed for device")

			continue
		}

		w.log.Debug().
			Stringer("Device", dev).
			Stringer("Update", res.Update).
			Msg("Successfully collected data from device")

		w.store(dev, res.Update)
	}
}
