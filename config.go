package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ocleanx/go-oclean-exporter/ble"
	"github.com/ocleanx/go-oclean-exporter/collector"
	"github.com/ocleanx/go-oclean-exporter/device"
	"github.com/ocleanx/go-oclean-exporter/device/oclean"
	"github.com/rs/zerolog"
)

type config struct {
	Debug, Trace         bool
	BindAddress          string
	EnableMetamonitoring bool
	DiscoverDevices      bool
	BluetoothDeviceId    int
	BluetoothConnParams  ble.ConnParams
	MaxRetries           int
	ConnectAttempts      int

	InitialCollectionTimeout, CollectionTimeout time.Duration
	CollectionIdleTimeout                       time.Duration
	Backoff                                     time.Duration

	Devices []device.Device
}

type boundDeviceList struct {
	device.Factory
	name string
	list *[]device.Device
}

func (d *boundDeviceList) String() string {
	return ""
}

func (d *boundDeviceList) Set(v string) error {
	ds, err := device.NewDeviceSpec(v)
	if err != nil {
		return fmt.Errorf("invalid device spec: %w", err)
	}

	device, err := d.FromSpec(ds)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}

	*d.list = append(*d.list, device)

	return nil
}

func ParseArgs(log zerolog.Logger) config {
	var cfg config

	cfg.BluetoothConnParams = ble.ConnParamsDefault

	deviceFactories := map[string]device.Factory{
		"oclean": &oclean.Factory{Log: log},
	}

	flag.StringVar(&cfg.BindAddress, "bind", "localhost:9102", "Where the exporter will bind to")
	flag.IntVar(&cfg.BluetoothDeviceId, "bluetooth-device", 0, "Bluetooth (HCI) device ID")
	flag.Var(&cfg.BluetoothConnParams, "bluetooth-connection-params", "Bluetooth connection parameters (one of 'default' or 'power-saving')")
	flag.BoolVar(&cfg.DiscoverDevices, "discover", false, "Discover available BLE devices and quit")
	flag.BoolVar(&cfg.EnableMetamonitoring, "metamonitoring", true, "Enable metamonitoring metrics")
	flag.IntVar(&cfg.MaxRetries, "max-retries", collector.DefaultMaxRetries,
		"Max number of retries for full collection cycles")
	flag.IntVar(&cfg.ConnectAttempts, "connect-attempts", collector.DefaultConnectAttempts,
		"Max number of dial attempts per exchange session")
	flag.DurationVar(&cfg.InitialCollectionTimeout, "initial-timeout", 3*time.Second,
		"Timeout for the collection done on start (per retry attempt)")
	flag.DurationVar(&cfg.CollectionTimeout, "timeout", collector.DefaultTimeoutPerAttempt,
		"Timeout for each exchange session (per dial attempt)")
	flag.DurationVar(&cfg.CollectionIdleTimeout, "idle-timeout", 15*time.Minute,
		"Timeout after which the watcher is suspended if no data is read. 0 disables suspension")
	flag.DurationVar(&cfg.Backoff, "backoff", collector.DefaultBackoffFactor,
		"Exponential backoff factor for full collection retries")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logs")
	flag.BoolVar(&cfg.Trace, "trace", false, "Enable trace logs")

	for deviceName, deviceFactory := range deviceFactories {
		boundList := boundDeviceList{
			name:    deviceName,
			Factory: deviceFactory,
			list:    &cfg.Devices,
		}

		help := "Device spec for this device in the form of `key=value,key=value`."

		if docs, ok := deviceFactory.(device.FactoryDocs); ok {
			help += "\n" + docs.Help()
		}

		flag.Var(&boundList, deviceName, help)
	}

	flag.Parse()

	if cfg.CollectionIdleTimeout < 0 {
		cfg.CollectionIdleTimeout = 0
	}

	if !cfg.DiscoverDevices && len(cfg.Devices) == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one device is required!")
		flag.Usage()
		os.Exit(1)
	}

	return cfg
}
