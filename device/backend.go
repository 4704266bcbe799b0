package device

import (
	"context"

	"github.com/ocleanx/go-oclean-exporter/ble"
)

// PassiveBackendScanType is the BLE scan type used to discover the device.
type PassiveBackendScanType uint8

const (
	PassiveBackendScanTypePassive PassiveBackendScanType = iota
	PassiveBackendScanTypeActive
)

// PassiveBackend represents a device that consumes advertisements without
// establishing a connection. ParseAdvertisement acts as the family filter:
// advertisements that do not belong to the device family are rejected with
// ErrInvalidData and leave the device state untouched.
type PassiveBackend interface {
	ScanType() PassiveBackendScanType
	ParseAdvertisement(a ble.Advertisement) (Update, error)
}

// ActiveBackend represents a device that is polled over an established
// connection. Exchange runs the device's scripted read/write sequence and
// records decoded values into sink; it never disconnects the client, that is
// the session's job.
type ActiveBackend interface {
	Exchange(ctx context.Context, c ble.Client, sink *Sink) error
}

type Backend any
