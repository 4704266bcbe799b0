package collector

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ocleanx/go-oclean-exporter/ble"
	"github.com/ocleanx/go-oclean-exporter/collector/model"
	"github.com/ocleanx/go-oclean-exporter/device"
	"github.com/ocleanx/go-oclean-exporter/utils"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxRetries        = 2
	DefaultConnectAttempts   = 2
	DefaultTimeoutPerAttempt = 5 * time.Second
	DefaultBackoffFactor     = 500 * time.Millisecond
)

type CollectionOptions struct {
	MaxRetries        int
	ConnectAttempts   int
	TimeoutPerAttempt time.Duration
	BackoffFactor     time.Duration

	attempt int
}

func (o CollectionOptions) connectAttempts() int {
	if o.ConnectAttempts <= 0 {
		return DefaultConnectAttempts
	}

	return o.ConnectAttempts
}

// Transport is the slice of the BLE layer the collector needs. *ble.Handle
// implements it.
type Transport interface {
	Connect(ctx context.Context, addr net.HardwareAddr) (ble.Client, error)
	ScanAll(ctx context.Context, onDevice func(ble.Advertisement)) error
	ScanAddresses(
		ctx context.Context,
		addresses []net.HardwareAddr,
		onAdvertisement func(ble.Advertisement) bool,
	) error
	DisconnectAll()
}

// Collector gathers updates from devices, passively via advertisement scans
// and actively via connected exchange sessions.
type Collector struct {
	log zerolog.Logger
	ble Transport

	sessions *sessionLocks
}

func New(log zerolog.Logger, handle Transport) *Collector {
	return &Collector{
		log:      log,
		ble:      handle,
		sessions: newSessionLocks(),
	}
}

type deviceWithBackend[Backend any] struct {
	device.Device
	backend Backend
}

// A device may expose both roles at once: observed through its advertisements
// and polled over a connection. Such devices end up in both lists and their
// results are merged.
func selectDevicesByBackend(devices []device.Device) (
	passive []deviceWithBackend[device.PassiveBackend],
	active []deviceWithBackend[device.ActiveBackend],
) {
	for _, dev := range devices {
		matched := false

		if backend, ok := dev.Backend().(device.PassiveBackend); ok {
			passive = append(passive, deviceWithBackend[device.PassiveBackend]{
				Device:  dev,
				backend: backend,
			})
			matched = true
		}

		if backend, ok := dev.Backend().(device.ActiveBackend); ok {
			active = append(active, deviceWithBackend[device.ActiveBackend]{
				Device:  dev,
				backend: backend,
			})
			matched = true
		}

		if !matched {
			panic(fmt.Sprintf(
				"device %q has invalid backend %q, must be one of ActiveBackend or PassiveBackend",
				dev,
				dev.Backend(),
			))
		}
	}

	return passive, active
}

func (c *Collector) CollectUpdates(
	ctx context.Context,
	devices []device.Device,
) (out map[device.Device]model.Result, err error) {
	return c.CollectUpdatesWithOptions(
		ctx,
		devices,
		CollectionOptions{
			MaxRetries:        DefaultMaxRetries,
			TimeoutPerAttempt: DefaultTimeoutPerAttempt,
		},
	)
}

// Collect updates from the specified devices and don't stop until either all
// devices have answered or the retry budget runs out.
func (c *Collector) CollectUpdatesWithOptions(
	parentCtx context.Context,
	devices []device.Device,
	options CollectionOptions,
) (out map[device.Device]model.Result, err error) {
	out = make(map[device.Device]model.Result, len(devices))

	c.log.Debug().
		Array("Devices", utils.ToZeroLogArray(devices)).
		Msg("Collecting updates from devices")

	passiveDevices, activeDevices := selectDevicesByBackend(devices)

	// make sure signals are properly handled and we enforce the passed timeout.
	var ctx context.Context
	var cancel func()

	if options.TimeoutPerAttempt > 0 {
		ctx, cancel = context.WithTimeout(parentCtx, options.TimeoutPerAttempt)
	} else {
		ctx, cancel = context.WithCancel(parentCtx)
	}

	defer cancel()

	// collect everything in parallel and gather results.
	var eg errgroup.Group
	resultCh := make(chan model.DeviceResult)

	if len(passiveDevices) > 0 {
		c.log.Trace().
			Array("Devices", utils.ToZeroLogArray(passiveDevices)).
			Msg("Collecting data from devices via scan")
		eg.Go(func() error {
			return c.collectViaScan(ctx, passiveDevices, resultCh)
		})
	}

	if len(activeDevices) > 0 {
		c.log.Trace().
			Array("Devices", utils.ToZeroLogArray(activeDevices)).
			Msg("Collecting data from devices via direct connection")
		eg.Go(func() error {
			return c.collectViaConnection(ctx, activeDevices, options, resultCh)
		})
	}

	go func() {
		err = eg.Wait()
		close(resultCh)
	}()

	for v := range resultCh {
		c.log.Trace().
			Stringer("Device", v.Device).
			Stringer("Result", v.Result).
			Msg("Received result for device")

		if existing, ok := out[v.Device]; ok {
			out[v.Device] = existing.Merge(v.Result)
		} else {
			out[v.Device] = v.Result
		}
	}

	// analyze results, and retry if needed
	if options.MaxRetries > 0 {
		var failedDevices []device.Device

		for _, device := range devices {
			if result, ok := out[device]; ok && result.Error != nil {
				// collection failed
				failedDevices = append(failedDevices, device)

				c.log.Debug().
					Stringer("Device", device).
					Int("RetriesLeft", options.MaxRetries).
					Err(result.Error).
					Msg("Collection failed for device - will retry")
			} else if !ok {
				// never got a result for the device
				failedDevices = append(failedDevices, device)

				c.log.Debug().
					Stringer("Device", device).
					Int("RetriesLeft", options.MaxRetries).
					Err(err).
					Msg("No data received for device (wrong MAC?) - will retry")
			}
		}

		if len(failedDevices) > 0 {
			if options.BackoffFactor > 0 {
				backoff := options.BackoffFactor << int64(options.attempt)

				if backoff < 0 {
					backoff = DefaultBackoffFactor
				}

				c.log.Trace().
					Dur("Backoff", backoff).
					Msg("Backing off before attempting retry")

				select {
				case <-parentCtx.Done():
					c.log.Trace().Err(ctx.Err()).Msg("Retry aborted by context cancel")
					return out, ctx.Err()
				case <-time.After(backoff):
				}
			}

			options.MaxRetries -= 1
			options.attempt += 1

			// a device that needed more than one dial the first time around
			// is likely asleep; don't burn the remaining budget on it.
			options.ConnectAttempts = 1

			retryOutput, err := c.CollectUpdatesWithOptions(parentCtx, failedDevices, options)

			// merge old and new outputs
			if retryOutput != nil {
				for failedDevice := range retryOutput {
					out[failedDevice] = retryOutput[failedDevice]
				}
			}

			if err != nil {
				return out, err
			}

			return out, nil
		}
	}

	return out, err
}

// PollDevice runs one connected exchange against a single device, outside of
// a full collection cycle. Unlike CollectUpdatesWithOptions it never scans:
// it is meant to be called while a scan is already running.
func (c *Collector) PollDevice(
	ctx context.Context,
	dev device.Device,
	options CollectionOptions,
) (device.Update, error) {
	backend, ok := dev.Backend().(device.ActiveBackend)

	if !ok {
		return device.Update{}, fmt.Errorf("device %v does not support connected exchanges", dev)
	}

	if options.TimeoutPerAttempt > 0 {
		var cancel func()

		ctx, cancel = context.WithTimeout(ctx, options.TimeoutPerAttempt)
		defer cancel()
	}

	return c.runSession(
		ctx,
		deviceWithBackend[device.ActiveBackend]{Device: dev, backend: backend},
		options.connectAttempts(),
	)
}
