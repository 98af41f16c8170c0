package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// TinyGoTransport drives the platform BLE stack through tinygo-org/bluetooth
// (BlueZ on Linux, CoreBluetooth on macOS, WinRT on Windows). On macOS device
// IDs are CoreBluetooth UUIDs rather than MAC addresses.
type TinyGoTransport struct {
	adapter *bluetooth.Adapter
	// ScanTimeout bounds RequestDevice when ctx carries no deadline.
	ScanTimeout time.Duration

	enableOnce sync.Once
	enableErr  error

	// mu protects the disconnect callbacks, keyed by device ID.
	mu          sync.Mutex
	disconnects map[string]func()
}

// NewTinyGoTransport creates a transport on the default adapter.
func NewTinyGoTransport(scanTimeout time.Duration) *TinyGoTransport {
	if scanTimeout <= 0 {
		scanTimeout = 10 * time.Second
	}
	return &TinyGoTransport{
		adapter:     bluetooth.DefaultAdapter,
		ScanTimeout: scanTimeout,
		disconnects: make(map[string]func()),
	}
}

func (t *TinyGoTransport) Enable() error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = err
			return
		}
		// tinygo/bluetooth reports peripheral disconnects through the
		// adapter-level handler with connected=false.
		t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			id := device.Address.String()
			t.mu.Lock()
			cb := t.disconnects[id]
			t.mu.Unlock()
			if cb != nil {
				cb()
			}
		})
	})
	return t.enableErr
}

// candidate is a peripheral seen while scanning.
type candidate struct {
	id         string
	name       string
	rssi       int
	hasService bool
}

func (t *TinyGoTransport) RequestDevice(ctx context.Context, f Filter) (Peripheral, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.ScanTimeout)
		defer cancel()
	}

	var services []bluetooth.UUID
	for _, s := range f.Services {
		u, err := bluetooth.ParseUUID(NormalizeUUID(s))
		if err != nil {
			return nil, fmt.Errorf("ble: parse service UUID %q: %w", s, err)
		}
		services = append(services, u)
	}

	var mu sync.Mutex
	seen := make(map[string]*candidate)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			t.adapter.StopScan()
		case <-done:
		}
	}()

	slog.Info("[BLE] scanning", "timeout", t.ScanTimeout, "address", f.Address)
	err := t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		id := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		c, ok := seen[id]
		if !ok {
			c = &candidate{id: id}
			seen[id] = c
		}
		if name := result.LocalName(); name != "" {
			c.name = name
		}
		c.rssi = int(result.RSSI)
		for _, u := range services {
			if result.HasServiceUUID(u) {
				c.hasService = true
				break
			}
		}
		if f.Address != "" && strings.EqualFold(id, f.Address) {
			adapter.StopScan()
		}
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	mu.Lock()
	cands := make([]candidate, 0, len(seen))
	for _, c := range seen {
		cands = append(cands, *c)
	}
	mu.Unlock()

	best, ok := selectCandidate(cands, f)
	if !ok {
		return nil, ErrNoDeviceSelected
	}
	return &tinygoPeripheral{transport: t, id: best.id, name: best.name}, nil
}

// selectCandidate picks a peripheral: the configured address, then the
// preferred name, then advertised services, then name prefixes, then signal
// strength. Ties break on the ID so the choice is stable.
func selectCandidate(cands []candidate, f Filter) (candidate, bool) {
	rank := func(c candidate) int {
		r := 0
		if f.Address != "" && strings.EqualFold(c.id, f.Address) {
			r += 8
		}
		if f.PreferName != "" && c.name == f.PreferName {
			r += 4
		}
		if c.hasService && len(f.Services) > 0 {
			r += 2
		}
		if hasNamePrefix(c.name, f.NamePrefixes) {
			r++
		}
		return r
	}

	var eligible []candidate
	for _, c := range cands {
		if f.AcceptAll || rank(c) > 0 {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return candidate{}, false
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		ri, rj := rank(eligible[i]), rank(eligible[j])
		if ri != rj {
			return ri > rj
		}
		if eligible[i].rssi != eligible[j].rssi {
			return eligible[i].rssi > eligible[j].rssi
		}
		return eligible[i].id < eligible[j].id
	})
	return eligible[0], true
}

func hasNamePrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(strings.ToLower(name), strings.ToLower(p)) {
			return true
		}
	}
	return false
}

type tinygoPeripheral struct {
	transport *TinyGoTransport
	id        string
	name      string
}

func (p *tinygoPeripheral) ID() string   { return p.id }
func (p *tinygoPeripheral) Name() string { return p.name }

func (p *tinygoPeripheral) OnDisconnect(cb func()) {
	p.transport.mu.Lock()
	p.transport.disconnects[p.id] = cb
	p.transport.mu.Unlock()
}

func (p *tinygoPeripheral) Connect(ctx context.Context) (Session, error) {
	var addr bluetooth.Address
	addr.Set(p.id)

	// tinygo/bluetooth's Connect blocks with its own timeout; wrap it so ctx
	// cancellation returns immediately.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := p.transport.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", p.id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", p.id, result.err)
		}
		d := result.device
		return &tinygoSession{device: &d}, nil
	}
}

type tinygoSession struct {
	device *bluetooth.Device
}

func (s *tinygoSession) Service(uuid string) (Service, error) {
	u, err := bluetooth.ParseUUID(NormalizeUUID(uuid))
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID %q: %w", uuid, err)
	}
	svcs, err := s.device.DiscoverServices([]bluetooth.UUID{u})
	if err != nil {
		return nil, fmt.Errorf("ble: discover service %s: %w", uuid, err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", uuid)
	}
	return &tinygoService{svc: svcs[0]}, nil
}

func (s *tinygoSession) Services() ([]Service, error) {
	svcs, err := s.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	out := make([]Service, 0, len(svcs))
	for _, svc := range svcs {
		out = append(out, &tinygoService{svc: svc})
	}
	return out, nil
}

func (s *tinygoSession) Disconnect() error {
	return s.device.Disconnect()
}

type tinygoService struct {
	svc bluetooth.DeviceService

	once  sync.Once
	chars []Characteristic
	err   error
}

func (s *tinygoService) UUID() string { return s.svc.UUID().String() }

func (s *tinygoService) Characteristics() ([]Characteristic, error) {
	s.once.Do(func() {
		chars, err := s.svc.DiscoverCharacteristics(nil)
		if err != nil {
			s.err = fmt.Errorf("ble: discover characteristics: %w", err)
			return
		}
		for i := range chars {
			s.chars = append(s.chars, &tinygoCharacteristic{char: chars[i]})
		}
	})
	return s.chars, s.err
}

// readOnlyCharacteristics are SIG characteristics that never accept writes.
var readOnlyCharacteristics = map[string]bool{
	"00002a01-0000-1000-8000-00805f9b34fb": true, // appearance
	"00002a04-0000-1000-8000-00805f9b34fb": true, // preferred connection parameters
	"00002a05-0000-1000-8000-00805f9b34fb": true, // service changed
	"00002a19-0000-1000-8000-00805f9b34fb": true, // battery level
	"00002a23-0000-1000-8000-00805f9b34fb": true, // system ID
	"00002a24-0000-1000-8000-00805f9b34fb": true, // model number
	"00002a25-0000-1000-8000-00805f9b34fb": true, // serial number
	"00002a26-0000-1000-8000-00805f9b34fb": true, // firmware revision
	"00002a27-0000-1000-8000-00805f9b34fb": true, // hardware revision
	"00002a28-0000-1000-8000-00805f9b34fb": true, // software revision
	"00002a29-0000-1000-8000-00805f9b34fb": true, // manufacturer name
	"00002a50-0000-1000-8000-00805f9b34fb": true, // PnP ID
	"00002aa6-0000-1000-8000-00805f9b34fb": true, // central address resolution
	"00002ac9-0000-1000-8000-00805f9b34fb": true, // resolvable private address only
	"00002b2a-0000-1000-8000-00805f9b34fb": true, // database hash
	"00002b3a-0000-1000-8000-00805f9b34fb": true, // server supported features
}

// inferCapabilities guesses the properties of a characteristic on platforms
// where tinygo/bluetooth does not expose them. Anything not known to be read
// only is assumed writable; the write ladder sorts out what the peripheral
// really accepts. Notify is never assumed.
func inferCapabilities(uuid string, withResponse bool) Capabilities {
	if readOnlyCharacteristics[NormalizeUUID(uuid)] {
		return Capabilities{}
	}
	return Capabilities{Write: withResponse, WriteNoResponse: true}
}

// GATT characteristic property bits (Core spec Vol 3, Part G, 3.3.1.1).
const (
	propWriteNoResponse = 0x04
	propWrite           = 0x08
	propNotify          = 0x10
	propIndicate        = 0x20
)

func capabilitiesFromProperties(p uint32) Capabilities {
	return Capabilities{
		Write:           p&propWrite != 0,
		WriteNoResponse: p&propWriteNoResponse != 0,
		Notify:          p&(propNotify|propIndicate) != 0,
	}
}

type tinygoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) UUID() string { return c.char.UUID().String() }

func (c *tinygoCharacteristic) WriteNoResponse(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}

// Compile-time interface checks.
var (
	_ Transport      = (*TinyGoTransport)(nil)
	_ Peripheral     = (*tinygoPeripheral)(nil)
	_ Session        = (*tinygoSession)(nil)
	_ Service        = (*tinygoService)(nil)
	_ Characteristic = (*tinygoCharacteristic)(nil)
)
