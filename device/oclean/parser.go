package oclean

import (
	"encoding/binary"
	"net"
	"strings"
	"time"

	"github.com/ocleanx/go-oclean-exporter/ble"
	"github.com/ocleanx/go-oclean-exporter/device"
	"github.com/pkg/errors"
)

// shortAddress derives the display suffix from the device address: the last
// two address bytes as four upper-case hex digits ("aa:bb:cc:11:22:33" ->
// "2233"). This matches the short form the brush itself advertises in app
// pairing screens.
func shortAddress(addr net.HardwareAddr) string {
	hex := strings.ToUpper(strings.ReplaceAll(addr.String(), ":", ""))

	if len(hex) <= 4 {
		return hex
	}

	return hex[len(hex)-4:]
}

func deriveIdentity(addr net.HardwareAddr) device.Identity {
	return device.Identity{
		Addr:         addr.String(),
		DisplayName:  modelLabel + " " + shortAddress(addr),
		Manufacturer: manufacturerName,
		Model:        modelLabel,
	}
}

// observe filters one advertisement. Advertisements without the Oclean
// company identifier are rejected silently; a matching identifier with an
// unexpected frame length is treated as garbled and rejected with a debug
// log. Both rejections leave the device state untouched.
func (d *Device) observe(a ble.Advertisement) (device.Update, error) {
	data := a.ManufacturerData()

	if len(data) < 2 || binary.LittleEndian.Uint16(data) != manufacturerID {
		return device.Update{}, device.ErrInvalidData
	}

	frame := data[2:]

	if len(frame) != advertisementFrameLength {
		d.log.Debug().
			Int("Length", len(frame)).
			Hex("Frame", frame).
			Msg("oclean: ignoring advertisement with unexpected frame length")

		return device.Update{}, errors.Wrapf(device.ErrInvalidData,
			"oclean: unexpected frame length %d", len(frame))
	}

	// The frame's state/mode/pressure/sector bytes are not decoded yet.
	// Once the layout is known, this is where MarkBrushing gets driven and
	// the corresponding sensors get recorded.

	return device.Update{
		Identity: d.Identity(),
		Sensors:  map[device.SensorKey]device.Sensor{},
	}, nil
}

// MarkBrushing records whether the brush looked in-use in the most recent
// observation. The advertisement decode that should drive this is pending
// protocol work, so the exporter itself never passes true yet; the
// transition is kept so the decode can land without reshaping the state.
func (d *Device) MarkBrushing(active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if active {
		d.liveness.LastActive = time.Now()
	}

	d.liveness.Active = active
}
