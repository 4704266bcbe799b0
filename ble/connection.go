package ble

import (
	"context"
	"net"
	"sync"

	"github.com/go-ble/ble"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	successfulConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oclean_exporter_ble_successful_connections_total",
	})
	failedConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oclean_exporter_ble_failed_connections_total",
	})
	disconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oclean_exporter_ble_disconnections_total",
	})
	openConnectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "oclean_exporter_ble_open_connections",
	})
)

// openConnections tracks every live connection so that a shutdown or an idle
// suspend can tear all of them down. Connections are never reused between
// sessions: the peripherals drop the link on their own schedule shortly after
// an exchange, so every session dials fresh.
type openConnections struct {
	mu sync.Mutex

	connections map[string]Client
}

func newOpenConnections() *openConnections {
	return &openConnections{
		connections: make(map[string]ble.Client),
	}
}

func (h *Handle) Connect(ctx context.Context, addr net.HardwareAddr) (Client, error) {
	conn, err := ble.Dial(ctx, addr)

	if err != nil {
		failedConnectionsCounter.Inc()
		return nil, err
	}

	successfulConnectionsCounter.Inc()
	openConnectionsGauge.Inc()

	addrStr := addr.String()

	h.open.mu.Lock()
	h.open.connections[addrStr] = conn
	h.open.mu.Unlock()

	h.log.Debug().Stringer("Addr", addr).Msg("ble: successfully opened new connection to device")

	// spawn a watchdog removing the entry from the registry when the connection breaks,
	// whichever side initiated the teardown.
	go func() {
		<-conn.Disconnected()

		disconnectsCounter.Inc()
		openConnectionsGauge.Dec()

		h.log.Debug().Stringer("Addr", addr).Msg("ble: connection with device closed, cleaning up")

		h.open.mu.Lock()
		defer h.open.mu.Unlock()

		// a later session may have re-dialed this address already.
		if h.open.connections[addrStr] == conn {
			delete(h.open.connections, addrStr)
		}
	}()

	return conn, nil
}

// Tear down every connection still alive.
func (h *Handle) DisconnectAll() {
	h.open.mu.Lock()
	defer h.open.mu.Unlock()

	for _, conn := range h.open.connections {
		conn.CancelConnection()
	}
}
