package ble

import (
	"fmt"
	"net"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/ocleanx/go-oclean-exporter/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	ErrInvalidHandle = ble.ErrInvalidHandle
	ErrReadNotPerm   = ble.ErrReadNotPerm
)

type Advertisement = ble.Advertisement
type Characteristic = ble.Characteristic
type Client = ble.Client
type Profile = ble.Profile
type Service = ble.Service
type UUID = ble.UUID

type Handle struct {
	dev  *linux.Device
	log  zerolog.Logger
	open *openConnections
}

func UUID16(i uint16) ble.UUID {
	return ble.UUID16(i)
}

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		successfulConnectionsCounter,
		failedConnectionsCounter,
		disconnectsCounter,
		openConnectionsGauge,
	)
}

func Init(log zerolog.Logger, deviceId int, flags Flags) (*Handle, error) {
	return InitWithConnParams(
		log,
		deviceId,
		ConnParamsDefault,
		flags,
	)
}

func InitWithConnParams(
	log zerolog.Logger,
	deviceId int,
	connParams ConnParams,
	flags Flags,
) (*Handle, error) {
	var scanType scanType = scanTypePassive
	var filterPolicy filterPolicy = filterPolicyAcceptAll

	if flags&FlagScanTypeActive == FlagScanTypeActive {
		scanType = scanTypeActive
	}

	if flags&FlagEnableDeviceAllowList == FlagEnableDeviceAllowList {
		filterPolicy = filterPolicyAllowListedOnly
	}

	log.Debug().
		Stringer("ScanType", scanType).
		Stringer("FilterPolicy", filterPolicy).
		Stringer("ConnParams", &connParams).
		Stringer("Flags", flags).
		Int("DeviceID", deviceId).
		Msg("Initializing Bluetooth device")

	dev, err := linux.NewDevice(
		ble.OptDeviceID(deviceId),
		ble.OptScanParams(cmd.LESetScanParameters{
			LEScanType:           uint8(scanType),     // 0x00: passive, 0x01: active
			LEScanInterval:       0x0004,              // 0x0004 - 0x4000; N * 0.625msec
			LEScanWindow:         0x0004,              // 0x0004 - 0x4000; N * 0.625msec
			OwnAddressType:       0x00,                // 0x00: public, 0x01: random
			ScanningFilterPolicy: uint8(filterPolicy), // 0x00: accept all, 0x01: ignore non-allow-listed.
		}),
		ble.OptConnParams(connParams.AdapterOptions()),
	)

	if err != nil {
		return nil, fmt.Errorf("failed to init bluetooth device: %w", err)
	}

	ble.SetDefaultDevice(dev)

	return &Handle{
		dev:  dev,
		log:  log,
		open: newOpenConnections(),
	}, nil
}

func (h *Handle) SetAllowListedAddresses(a []net.HardwareAddr) error {
	h.log.Debug().
		Array("DeviceAddresses", utils.ToZeroLogArray(a)).
		Msg("Allow-listing the requested Bluetooth devices")

	// clear the white list to make sure we're starting from an empty slate.
	var res cmd.LEClearWhiteListRP

	err := h.dev.HCI.Send(&cmd.LEClearWhiteList{}, &res)

	if err != nil {
		return fmt.Errorf("failed to clear allow-list: %w", err)
	}

	if res.Status != 0 {
		return fmt.Errorf("failed to clear allow-list: got status: %v", res.Status)
	}

	for _, addr := range a {
		bytes := []byte(addr)

		if len(bytes) != 6 {
			panic("got non-6 byte device MAC address!?")
		}

		var res cmd.LEAddDeviceToWhiteListRP

		err := h.dev.HCI.Send(&cmd.LEAddDeviceToWhiteList{
			AddressType: 0x00, // public
			// the adapter wants the address little-endian.
			Address: [6]byte(utils.Reverse(bytes)),
		}, &res)

		if err != nil {
			return fmt.Errorf("failed to allow-list device %q: %w", addr.String(), err)
		}

		if res.Status != 0 {
			return fmt.Errorf("failed to allow-list device %q: got status: %v", addr.String(), res.Status)
		}
	}

	return nil
}

func (h *Handle) Stop() {
	h.dev.Stop()
}
