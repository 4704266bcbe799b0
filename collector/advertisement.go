package collector

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/ocleanx/go-oclean-exporter/ble"
	"github.com/ocleanx/go-oclean-exporter/collector/model"
	"github.com/ocleanx/go-oclean-exporter/device"
)

func (c *Collector) collectViaScan(
	ctx context.Context,
	devices []deviceWithBackend[device.PassiveBackend],
	ch chan model.DeviceResult,
) error {
	type DeviceContext struct {
		deviceWithBackend[device.PassiveBackend]
		sync.Once
	}

	numLeft := len(devices)
	addresses := make([]net.HardwareAddr, len(devices))
	deviceMap := make(map[string]*DeviceContext)

	{
		i := 0
		for _, device := range devices {
			addresses[i] = device.Addr()
			deviceMap[strings.ToLower(device.Addr().String())] = &DeviceContext{
				deviceWithBackend: device,
			}
			i += 1
		}
	}

	err := c.ble.ScanAddresses(ctx, addresses, func(a ble.Advertisement) bool {
		deviceCtx := deviceMap[strings.ToLower(a.Addr().String())]

		if deviceCtx == nil {
			c.log.Warn().
				Str("Address", a.Addr().String()).
				Str("LocalName", a.LocalName()).
				Hex("ManufacturerData", a.ManufacturerData()).
				Interface("ServiceData", a.ServiceData()).
				Msg("Received advertisement from unknown device!")

			return false
		}

		c.log.Trace().
			Stringer("Device", deviceCtx.Device).
			Str("LocalName", a.LocalName()).
			Hex("ManufacturerData", a.ManufacturerData()).
			Interface("ServiceData", a.ServiceData()).
			Msg("collectViaScan: received advertisement from device")

		update, err := deviceCtx.backend.ParseAdvertisement(a)

		if errors.Is(err, device.ErrInvalidData) {
			// not (or not usably) one of ours. the next advertisement from
			// this address may well be, so keep scanning without recording
			// anything.
			return false
		}

		c.log.Trace().
			Err(err).
			Stringer("Update", update).
			Stringer("Device", deviceCtx.Device).
			Msg("collectViaScan: parsed device advertisement")

		result := model.DeviceResult{
			Device: deviceCtx.Device,
			Result: model.Result{
				Update: update,
				Error:  err,
			},
		}

		select {
		case <-ctx.Done():
			return true // context is canceled, let's get out of the way
		case ch <- result:
		}

		deviceCtx.Do(func() {
			numLeft -= 1
		})

		return err == nil // consider ourselves happy when the advertisement parsed cleanly
	})

	// swallow deadline exceeded errors if we got results for all devices
	if errors.Is(err, context.DeadlineExceeded) && numLeft == 0 {
		err = nil
	}

	return err
}
