package collector

import (
	"context"

	"github.com/ocleanx/go-oclean-exporter/collector/model"
	"github.com/ocleanx/go-oclean-exporter/device"
	"github.com/ocleanx/go-oclean-exporter/utils"
	"golang.org/x/sync/errgroup"
)

func (c *Collector) collectViaConnection(
	ctx context.Context,
	devices []deviceWithBackend[device.ActiveBackend],
	options CollectionOptions,
	ch chan model.DeviceResult,
) error {
	var eg errgroup.Group

	c.log.Trace().
		Array("Devices", utils.ToZeroLogArray(devices)).
		Msg("collectViaConnection: started")

	for _, device := range devices {
		device := device

		eg.Go(func() error {
			c.log.Trace().
				Stringer("Device", device).
				Msg("collectViaConnection: device worker started")

			update, err := c.runSession(ctx, device, options.connectAttempts())

			result := model.DeviceResult{
				Device: device.Device,
				Result: model.Result{
					Update: update,
					Error:  err,
				},
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case ch <- result:
			}

			c.log.Trace().
				Stringer("Device", device).
				Msg("collectViaConnection: device worker finished and submitted work")

			return nil
		})
	}

	return eg.Wait()
}
