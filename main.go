package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/ocleanx/go-oclean-exporter/ble"
	"github.com/ocleanx/go-oclean-exporter/collector"
	"github.com/ocleanx/go-oclean-exporter/device"
	"github.com/ocleanx/go-oclean-exporter/metrics"
	"github.com/ocleanx/go-oclean-exporter/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.DurationFieldUnit = time.Second
	zerolog.TimeFieldFormat = time.RFC3339Nano

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05.000",
	})

	cfg := ParseArgs(log.Logger)

	if cfg.Trace || os.Getenv("TRACE") != "" {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	} else if cfg.Debug || os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if cfg.DiscoverDevices {
		doDeviceDiscovery(cfg)
		return
	}

	log.Info().
		Str("BindAddr", cfg.BindAddress).
		Array("Devices", utils.ToZeroLogArray(cfg.Devices)).
		Int("BluetoothDeviceID", cfg.BluetoothDeviceId).
		Msg("Starting with the specified configuration")

	bleHandle := initBle(cfg)

	coll := collector.New(log.Logger, bleHandle)
	initialUpdates := collectInitialUpdates(cfg, coll)

	watcher := collector.NewWatcher(log.Logger, coll, cfg.Devices)
	watcher.IdleTimeout = cfg.CollectionIdleTimeout
	watcher.Update(initialUpdates)

	registry := prometheus.NewRegistry()

	metrics.RegisterCollector(
		func() (map[device.Device]device.Update, time.Time) {
			// no way to get the HTTP request context from the collector unfortunately :(
			return watcher.WaitLatest(context.Background())
		},
		registry,
	)

	if cfg.EnableMetamonitoring {
		ble.RegisterMetrics(registry)
	}

	go watcher.Start(
		context.Background(),
		collector.CollectionOptions{
			TimeoutPerAttempt: cfg.CollectionTimeout,
			MaxRetries:        cfg.MaxRetries,
			ConnectAttempts:   cfg.ConnectAttempts,
			BackoffFactor:     cfg.Backoff,
		},
	)

	log.Info().
		Str("ListenAddress", cfg.BindAddress).
		Msg("Starting Prometheus server")

	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	if err := http.ListenAndServe(cfg.BindAddress, nil); err != nil {
		log.Fatal().Err(err).Msg("Unable to bind on requested address")
	}
}

func initBle(cfg config) *ble.Handle {
	var bleFlags ble.Flags = ble.FlagEnableDeviceAllowList
	deviceAddresses := make([]net.HardwareAddr, len(cfg.Devices))

	for i, dev := range cfg.Devices {
		deviceAddresses[i] = dev.Addr()

		if dev.Flags()&device.FlagRequiresBleActiveScan == device.FlagRequiresBleActiveScan {
			bleFlags |= ble.FlagScanTypeActive
		}
	}

	bleHandle, err := ble.InitWithConnParams(
		log.Logger,
		cfg.BluetoothDeviceId,
		cfg.BluetoothConnParams,
		bleFlags,
	)

	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
	}

	err = bleHandle.SetAllowListedAddresses(deviceAddresses)

	if err != nil {
		log.Error().Err(err).Msg("Failed to set device allow list")
	}

	return bleHandle
}

// collectInitialUpdates runs one collection cycle before the watcher starts
// so the first scrape has data to serve. Failures are expected here - a
// device that is asleep simply doesn't answer - so they only log.
func collectInitialUpdates(cfg config, coll *collector.Collector) map[device.Device]device.Update {
	log.Info().
		Dur("TimeoutSec", cfg.InitialCollectionTimeout).
		Msg("Running initial collection for the provided devices")

	results, err := coll.CollectUpdatesWithOptions(
		context.Background(),
		cfg.Devices,
		collector.CollectionOptions{
			TimeoutPerAttempt: cfg.InitialCollectionTimeout,
			MaxRetries:        cfg.MaxRetries,
			ConnectAttempts:   cfg.ConnectAttempts,
			BackoffFactor:     cfg.Backoff,
		},
	)

	if err != nil {
		log.Warn().Err(err).Msg("Initial collection did not complete cleanly")
	}

	res := make(map[device.Device]device.Update)

	for device, result := range results {
		if result.Error != nil {
			log.Warn().
				Stringer("Device", device).
				Err(result.Error).
				Msg("Failed to collect initial update for device (it may be asleep)")
		} else {
			log.Info().
				Stringer("Device", device).
				Stringer("Update", result.Update).
				Msg("Successfully collected initial update for device")

			res[device] = result.Update
		}
	}

	return res
}
