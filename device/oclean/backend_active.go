package oclean

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ocleanx/go-oclean-exporter/ble"
	"github.com/ocleanx/go-oclean-exporter/device"
)

const (
	commandCharUuid      = 0xfff1
	notifyCharUuid       = 0xfff2
	batteryLevelCharUuid = 0x2a19
)

// How long the notify variant waits for the brush to push data after the
// handshake write.
var notifyWindow = 5 * time.Second

var (
	cmdEnterReportingMode = []byte{0x0a, 0x03} // brush answers 0x00
	cmdRequestNextPayload = []byte{0x03, 0x0a} // brush answers 0x03
	cmdNotifyHandshake    = []byte{0x0a, 0x03, 0x00}
)

// exchangeMode selects which of the two known GATT exchange scripts a
// session runs. Both exist in the lineage of this family's protocol
// understanding; the poll script is the one known to return battery data.
type exchangeMode uint8

const (
	exchangeModePoll exchangeMode = iota
	exchangeModeNotify
)

func (m exchangeMode) String() string {
	switch m {
	case exchangeModePoll:
		return "poll"
	case exchangeModeNotify:
		return "notify"
	default:
		panic("unknown exchange mode: " + strconv.Itoa(int(m)))
	}
}

func parseExchangeMode(s string) (exchangeMode, error) {
	switch s {
	case "poll":
		return exchangeModePoll, nil
	case "notify":
		return exchangeModeNotify, nil
	default:
		return 0, fmt.Errorf("unknown exchange mode %q (must be 'poll' or 'notify')", s)
	}
}

// backend joins the passive observation path and the active exchange script
// for one Oclean device.
type backend struct {
	dev  *Device
	mode exchangeMode
}

func (b *backend) ScanType() device.PassiveBackendScanType {
	return device.PassiveBackendScanTypePassive
}

func (b *backend) ParseAdvertisement(a ble.Advertisement) (device.Update, error) {
	return b.dev.observe(a)
}

func (b *backend) Exchange(ctx context.Context, c ble.Client, sink *device.Sink) error {
	switch b.mode {
	case exchangeModePoll:
		return b.pollExchange(ctx, c, sink)
	case exchangeModeNotify:
		return b.notifyExchange(ctx, c)
	default:
		panic("unknown exchange mode: " + strconv.Itoa(int(b.mode)))
	}
}

// pollExchange is the two-step command handshake followed by a battery read:
// enter reporting mode, request the next payload, then read the standard
// battery level characteristic.
func (b *backend) pollExchange(ctx context.Context, c ble.Client, sink *device.Sink) error {
	p, err := c.DiscoverProfile(false)

	if err != nil {
		return fmt.Errorf("%w: cannot discover profile: %v", device.ErrTransferFailed, err)
	}

	b.sweepCharacteristics(c, p)

	cmd := findCharacteristic(p, ble.UUID16(commandCharUuid))

	if cmd == nil {
		return fmt.Errorf("failed to find command characteristic with UUID '%x'", commandCharUuid)
	}

	for _, payload := range [][]byte{cmdEnterReportingMode, cmdRequestNextPayload} {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.WriteCharacteristic(cmd, payload, false); err != nil {
			return fmt.Errorf("%w: command write %x: %v", device.ErrTransferFailed, payload, err)
		}
	}

	battery := findCharacteristic(p, ble.UUID16(batteryLevelCharUuid))

	if battery == nil {
		return fmt.Errorf("failed to find battery characteristic with UUID '%x'", batteryLevelCharUuid)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := c.ReadCharacteristic(battery)

	if err != nil {
		return fmt.Errorf("%w: battery read: %v", device.ErrTransferFailed, err)
	}

	if len(data) == 0 {
		return fmt.Errorf("%w: empty battery payload", device.ErrTransferFailed)
	}

	sink.Record(device.SensorBatteryPercent, device.UnitPercent, int(data[0]),
		device.ClassBattery, "Battery")

	return nil
}

// notifyExchange subscribes to the receive characteristic, pokes the brush
// with the handshake command and passively collects whatever it pushes for a
// fixed window. The pushed payload layout is not decoded yet, so frames are
// only logged.
func (b *backend) notifyExchange(ctx context.Context, c ble.Client) error {
	p, err := c.DiscoverProfile(false)

	if err != nil {
		return fmt.Errorf("%w: cannot discover profile: %v", device.ErrTransferFailed, err)
	}

	b.sweepCharacteristics(c, p)

	recv := findCharacteristic(p, ble.UUID16(notifyCharUuid))

	if recv == nil {
		return fmt.Errorf("failed to find notify characteristic with UUID '%x'", notifyCharUuid)
	}

	cmd := findCharacteristic(p, ble.UUID16(commandCharUuid))

	if cmd == nil {
		return fmt.Errorf("failed to find command characteristic with UUID '%x'", commandCharUuid)
	}

	frames := make(chan []byte, 16)

	err = c.Subscribe(recv, false, func(req []byte) {
		// the stack reuses the notification buffer between callbacks.
		frame := make([]byte, len(req))
		copy(frame, req)

		select {
		case frames <- frame:
		default:
		}
	})

	if err != nil {
		return fmt.Errorf("%w: subscribe to %x: %v", device.ErrTransferFailed, notifyCharUuid, err)
	}

	defer func() {
		if err := c.Unsubscribe(recv, false); err != nil {
			b.dev.log.Debug().Err(err).Msg("oclean: failed to unsubscribe from notify characteristic")
		}
	}()

	if err := c.WriteCharacteristic(cmd, cmdNotifyHandshake, false); err != nil {
		return fmt.Errorf("%w: handshake write %x: %v", device.ErrTransferFailed, cmdNotifyHandshake, err)
	}

	received := 0
	window := time.After(notifyWindow)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-frames:
			received += 1

			b.dev.log.Debug().
				Hex("Frame", frame).
				Msg("oclean: received notification frame (decoding pending)")
		case <-window:
			b.dev.log.Debug().
				Int("Frames", received).
				Msg("oclean: notify window elapsed")

			return nil
		}
	}
}

// sweepCharacteristics reads every discovered characteristic once for
// diagnostics. Individual read failures are folded into the log line and
// never abort the exchange.
func (b *backend) sweepCharacteristics(c ble.Client, p *ble.Profile) {
	for _, svc := range p.Services {
		for _, char := range svc.Characteristics {
			ev := b.dev.log.Debug().
				Stringer("Service", svc.UUID).
				Stringer("Characteristic", char.UUID)

			data, err := c.ReadCharacteristic(char)

			switch {
			case err == nil:
				ev.Hex("Value", data)
			case errors.Is(err, ble.ErrReadNotPerm):
				ev.Str("Value", "not readable")
			default:
				ev.Str("Value", "unavailable")
			}

			ev.Msg("oclean: characteristic sweep")
		}
	}
}

func findCharacteristic(p *ble.Profile, u ble.UUID) *ble.Characteristic {
	for _, svc := range p.Services {
		for _, char := range svc.Characteristics {
			if char.UUID.Equal(u) {
				return char
			}
		}
	}

	return nil
}
