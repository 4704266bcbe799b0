package oclean

import (
	"fmt"
	"net"
	"sync"

	"github.com/ocleanx/go-oclean-exporter/device"
	"github.com/rs/zerolog"
)

const (
	// Bluetooth SIG company identifier carried in every Oclean X
	// advertisement (0x27a3, little-endian on the wire).
	manufacturerID = 10147

	// Vendor frame length after the company identifier. The frame content
	// (state/mode/pressure/sector) is still being reverse-engineered.
	advertisementFrameLength = 4

	manufacturerName = "OcleanX"
	modelLabel       = "Oclean X"
)

type Device struct {
	name    string
	addr    net.HardwareAddr
	flags   device.Flags
	backend *backend
	log     zerolog.Logger

	// liveness is shared between the passive observation path and the
	// active poll path; identity is immutable after construction but kept
	// under the same lock for symmetry.
	mu       sync.Mutex
	identity device.Identity
	liveness device.Liveness
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) Addr() net.HardwareAddr {
	return d.addr
}

func (d *Device) Identity() device.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.identity
}

func (d *Device) Liveness() device.Liveness {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.liveness
}

func (d *Device) Flags() device.Flags {
	return d.flags
}

func (d *Device) Backend() device.Backend {
	return d.backend
}

func (d *Device) String() string {
	return fmt.Sprintf("oclean[name=%q, addr=%v, mode=%v]", d.name, d.addr.String(), d.backend.mode)
}
