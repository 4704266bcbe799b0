package collector

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ble_mod "github.com/go-ble/ble"
	"github.com/ocleanx/go-oclean-exporter/device"
	"github.com/rs/zerolog"
)

// fakeTransport scripts the BLE layer: dials hand out in-memory clients,
// scans are driven by test-provided callbacks. The zero behavior for scans is
// to block until the context expires, like a real scan with silent devices.
type fakeTransport struct {
	mu sync.Mutex

	clients  map[string]*fakeClient
	dialErrs map[string][]error
	dials    map[string]int

	scanAll       func(ctx context.Context, onDevice func(ble_mod.Advertisement)) error
	scanAddresses func(
		ctx context.Context,
		addresses []net.HardwareAddr,
		onAdvertisement func(ble_mod.Advertisement) bool,
	) error

	scanAllCalls       int32
	disconnectAllCalls int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		clients:  make(map[string]*fakeClient),
		dialErrs: make(map[string][]error),
		dials:    make(map[string]int),
	}
}

// client returns the shared fake client for an address, creating it on first
// use. Addresses are keyed in the lowercase form of net.HardwareAddr.String().
func (f *fakeTransport) client(addr string) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.clients[addr]

	if c == nil {
		c = &fakeClient{}
		f.clients[addr] = c
	}

	return c
}

// failDials queues errors to be returned by the next dials to addr, in order.
func (f *fakeTransport) failDials(addr string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dialErrs[addr] = append(f.dialErrs[addr], errs...)
}

func (f *fakeTransport) dialCount(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.dials[addr]
}

func (f *fakeTransport) Connect(ctx context.Context, addr net.HardwareAddr) (ble_mod.Client, error) {
	key := addr.String()

	f.mu.Lock()

	f.dials[key] += 1

	var err error

	if errs := f.dialErrs[key]; len(errs) > 0 {
		err = errs[0]
		f.dialErrs[key] = errs[1:]
	}

	f.mu.Unlock()

	if err != nil {
		return nil, err
	}

	return f.client(key), nil
}

func (f *fakeTransport) ScanAll(ctx context.Context, onDevice func(ble_mod.Advertisement)) error {
	atomic.AddInt32(&f.scanAllCalls, 1)

	if f.scanAll != nil {
		return f.scanAll(ctx, onDevice)
	}

	<-ctx.Done()

	return ctx.Err()
}

func (f *fakeTransport) ScanAddresses(
	ctx context.Context,
	addresses []net.HardwareAddr,
	onAdvertisement func(ble_mod.Advertisement) bool,
) error {
	if f.scanAddresses != nil {
		return f.scanAddresses(ctx, addresses, onAdvertisement)
	}

	<-ctx.Done()

	return ctx.Err()
}

func (f *fakeTransport) DisconnectAll() {
	atomic.AddInt32(&f.disconnectAllCalls, 1)
}

// fakeClient satisfies ble.Client with inert GATT operations. Only the
// disconnect count matters to these tests; exchanges are faked at the backend
// level instead.
type fakeClient struct {
	cancels int32
}

func (f *fakeClient) cancelCount() int {
	return int(atomic.LoadInt32(&f.cancels))
}

func (f *fakeClient) CancelConnection() error {
	atomic.AddInt32(&f.cancels, 1)

	return nil
}

func (f *fakeClient) Addr() ble_mod.Addr { return ble_mod.NewAddr("00:00:00:00:00:00") }
func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Profile() *ble_mod.Profile { return nil }

func (f *fakeClient) DiscoverProfile(force bool) (*ble_mod.Profile, error) {
	return &ble_mod.Profile{}, nil
}

func (f *fakeClient) DiscoverServices(filter []ble_mod.UUID) ([]*ble_mod.Service, error) {
	return nil, nil
}

func (f *fakeClient) DiscoverIncludedServices(
	filter []ble_mod.UUID,
	s *ble_mod.Service,
) ([]*ble_mod.Service, error) {
	return nil, nil
}

func (f *fakeClient) DiscoverCharacteristics(
	filter []ble_mod.UUID,
	s *ble_mod.Service,
) ([]*ble_mod.Characteristic, error) {
	return nil, nil
}

func (f *fakeClient) DiscoverDescriptors(
	filter []ble_mod.UUID,
	c *ble_mod.Characteristic,
) ([]*ble_mod.Descriptor, error) {
	return nil, nil
}

func (f *fakeClient) ReadCharacteristic(c *ble_mod.Characteristic) ([]byte, error) {
	return nil, nil
}

func (f *fakeClient) ReadLongCharacteristic(c *ble_mod.Characteristic) ([]byte, error) {
	return nil, nil
}

func (f *fakeClient) WriteCharacteristic(c *ble_mod.Characteristic, value []byte, noRsp bool) error {
	return nil
}

func (f *fakeClient) ReadDescriptor(d *ble_mod.Descriptor) ([]byte, error) { return nil, nil }
func (f *fakeClient) WriteDescriptor(d *ble_mod.Descriptor, v []byte) error {
	return nil
}

func (f *fakeClient) ReadRSSI() int { return 0 }
func (f *fakeClient) ExchangeMTU(rxMTU int) (int, error) { return rxMTU, nil }

func (f *fakeClient) Subscribe(c *ble_mod.Characteristic, ind bool, h ble_mod.NotificationHandler) error {
	return nil
}

func (f *fakeClient) Unsubscribe(c *ble_mod.Characteristic, ind bool) error { return nil }
func (f *fakeClient) ClearSubscriptions() error { return nil }

func (f *fakeClient) Disconnected() <-chan struct{} { return nil }

func (f *fakeClient) Conn() ble_mod.Conn { return nil }

// fakeDevice is a scriptable device.Device. The poll cadence is delegated to
// the pollNeeded hook; a device without one is never due.
type fakeDevice struct {
	name    string
	addr    net.HardwareAddr
	backend device.Backend

	pollNeeded func(now, lastPoll time.Time) bool
}

func newFakeDevice(name, addr string, backend device.Backend) *fakeDevice {
	hwAddr, err := net.ParseMAC(addr)

	if err != nil {
		panic(err)
	}

	return &fakeDevice{
		name:    name,
		addr:    hwAddr,
		backend: backend,
	}
}

func (d *fakeDevice) Name() string { return d.name }
func (d *fakeDevice) Addr() net.HardwareAddr { return d.addr }

func (d *fakeDevice) Identity() device.Identity {
	return device.Identity{
		Addr:        d.addr.String(),
		DisplayName: d.name,
	}
}

func (d *fakeDevice) Flags() device.Flags { return 0 }
func (d *fakeDevice) Backend() device.Backend { return d.backend }

func (d *fakeDevice) String() string {
	return fmt.Sprintf("fake[%s]", d.name)
}

func (d *fakeDevice) PollNeeded(now, lastPoll time.Time) bool {
	if d.pollNeeded == nil {
		return false
	}

	return d.pollNeeded(now, lastPoll)
}

type fakeActiveBackend struct {
	exchange func(ctx context.Context, c ble_mod.Client, sink *device.Sink) error
}

func (b *fakeActiveBackend) Exchange(ctx context.Context, c ble_mod.Client, sink *device.Sink) error {
	return b.exchange(ctx, c, sink)
}

type fakePassiveBackend struct {
	parse func(a ble_mod.Advertisement) (device.Update, error)
}

func (b *fakePassiveBackend) ScanType() device.PassiveBackendScanType {
	return device.PassiveBackendScanTypePassive
}

func (b *fakePassiveBackend) ParseAdvertisement(a ble_mod.Advertisement) (device.Update, error) {
	return b.parse(a)
}

// fakeDualBackend exposes both roles at once, like the production devices.
type fakeDualBackend struct {
	fakePassiveBackend
	fakeActiveBackend
}

type fakeAdvertisement struct {
	name             string
	manufacturerData []byte
	addr             ble_mod.Addr
}

// advertisementFor builds an advertisement carrying the device's address, the
// only part of it the collector routes on.
func advertisementFor(dev device.Device) fakeAdvertisement {
	return fakeAdvertisement{addr: ble_mod.NewAddr(dev.Addr().String())}
}

func (f fakeAdvertisement) LocalName() string { return f.name }

func (f fakeAdvertisement) ManufacturerData() []byte { return f.manufacturerData }

func (f fakeAdvertisement) ServiceData() []ble_mod.ServiceData { return nil }

func (f fakeAdvertisement) Services() []ble_mod.UUID { return nil }

func (f fakeAdvertisement) OverflowService() []ble_mod.UUID { return nil }

func (f fakeAdvertisement) TxPowerLevel() int { return 0 }

func (f fakeAdvertisement) Connectable() bool { return true }

func (f fakeAdvertisement) SolicitedService() []ble_mod.UUID { return nil }

func (f fakeAdvertisement) RSSI() int { return 0 }

func (f fakeAdvertisement) Addr() ble_mod.Addr { return f.addr }

func newTestCollector(tr *fakeTransport) *Collector {
	return New(zerolog.Nop(), tr)
}

// waitFor polls cond until it holds or a generous deadline passes. Used for
// assertions on work done by session goroutines.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}
