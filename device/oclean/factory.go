package oclean

import (
	"fmt"
	"net"

	"github.com/ocleanx/go-oclean-exporter/device"
	"github.com/rs/zerolog"
)

type Factory struct {
	Log zerolog.Logger
}

func (f *Factory) FromSpec(spec device.DeviceSpec) (device.Device, error) {
	addr := spec.Addr()

	hwAddr, err := net.ParseMAC(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid addr: %w", err)
	}

	d := Device{
		addr:     hwAddr,
		identity: deriveIdentity(hwAddr),
	}

	if name := spec.Name(); name != "" {
		d.name = name
	} else {
		d.name = d.identity.DisplayName
	}

	mode := exchangeModePoll

	if s := spec["mode"]; s != "" {
		mode, err = parseExchangeMode(s)
		if err != nil {
			return nil, err
		}
	}

	d.backend = &backend{dev: &d, mode: mode}

	if spec.Bool("active_scan") {
		d.flags |= device.FlagRequiresBleActiveScan
	}

	d.log = f.Log.With().Stringer("Device", &d).Logger()

	d.log.Debug().
		Stringer("Mode", mode).
		Msg("oclean: using connected backend")

	return &d, nil
}

func (f *Factory) Help() string {
	return `Supported parameters:
addr (string, required): MAC address of this Oclean device
name (string): Name of this Oclean device. Defaults to the advertised display name, e.g. "Oclean X 2233"
mode (string): GATT exchange variant, 'poll' (default, battery readout) or 'notify' (experimental push capture)
active_scan (bool): Request scan responses while discovering this device. Not needed for the known advertisement format.`
}
