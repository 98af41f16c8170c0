// Package ble drives the Lumi companion over Bluetooth Low Energy. It discovers
// a peripheral, negotiates a writable command characteristic on whatever GATT
// layout the firmware exposes, transmits single-byte indicator commands and
// reconnects with bounded backoff when the link drops.
package ble

import (
	"context"
	"strings"
)

// Lumi ESP32 firmware UUIDs.
const (
	ServiceUUID = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	CommandUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
)

// Well-known service UUIDs probed when the firmware service is absent.
const (
	HM10ServiceUUID          = "0000ffe0-0000-1000-8000-00805f9b34fb"
	VendorServiceUUID        = "0000fff0-0000-1000-8000-00805f9b34fb"
	NordicUARTServiceUUID    = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	GenericAccessUUID        = "00001800-0000-1000-8000-00805f9b34fb"
	GenericAttributeUUID     = "00001801-0000-1000-8000-00805f9b34fb"
	ClientCharConfigUUID     = "00002902-0000-1000-8000-00805f9b34fb"
	DeviceNameCharUUID       = "00002a00-0000-1000-8000-00805f9b34fb"
	AppearanceCharUUID       = "00002a01-0000-1000-8000-00805f9b34fb"
	WrongFirmwareCommandUUID = "00002b29-0000-1000-8000-00805f9b34fb"
)

// CommonServiceUUIDs is the ordered probe list, firmware service first.
var CommonServiceUUIDs = []string{
	ServiceUUID,
	HM10ServiceUUID,
	VendorServiceUUID,
	NordicUARTServiceUUID,
	GenericAccessUUID,
	GenericAttributeUUID,
}

// DeniedCharacteristicUUIDs are never chosen as the command characteristic.
var DeniedCharacteristicUUIDs = []string{
	ClientCharConfigUUID,
	DeviceNameCharUUID,
	AppearanceCharUUID,
	WrongFirmwareCommandUUID,
}

// Capabilities are the GATT properties a characteristic advertises.
type Capabilities struct {
	Write           bool
	WriteNoResponse bool
	Notify          bool
}

// Writable reports whether either write property is advertised.
func (c Capabilities) Writable() bool { return c.Write || c.WriteNoResponse }

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// UUID returns the lowercase 128-bit UUID string.
	UUID() string
	// Capabilities returns the advertised properties.
	Capabilities() Capabilities
	// Write sends data and waits for the peripheral's write response.
	Write(data []byte) error
	// WriteNoResponse sends data without waiting for a response.
	WriteNoResponse(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Service represents a GATT service on a connected peripheral.
type Service interface {
	UUID() string
	// Characteristics lists the service's characteristics in discovery order.
	Characteristics() ([]Characteristic, error)
}

// Session represents an active GATT connection to a peripheral.
type Session interface {
	// Service resolves a single service by UUID.
	Service(uuid string) (Service, error)
	// Services lists every service the peripheral exposes, in discovery order.
	Services() ([]Service, error)
	// Disconnect terminates the connection.
	Disconnect() error
}

// Peripheral represents a selected BLE device.
type Peripheral interface {
	// ID is the platform address (a MAC, or a CoreBluetooth UUID on macOS).
	ID() string
	// Name is the advertised local name, possibly empty.
	Name() string
	// Connect performs the GATT handshake.
	Connect(ctx context.Context) (Session, error)
	// OnDisconnect registers a callback invoked when the link drops. A later
	// registration replaces an earlier one.
	OnDisconnect(callback func())
}

// Filter biases peripheral selection. Any peripheral is acceptable when
// AcceptAll is set; the other fields rank the candidates.
type Filter struct {
	AcceptAll    bool
	NamePrefixes []string
	// Services are optional service UUIDs; advertising one ranks a device higher
	// and, on platforms that require it, grants access to the service.
	Services []string
	// Address selects one device outright when it is seen.
	Address string
	// PreferName ranks a device with exactly this name first after Address.
	PreferName string
}

// Transport abstracts the platform BLE stack for testing.
type Transport interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// RequestDevice discovers peripherals and returns the selected one, or
	// ErrNoDeviceSelected when nothing acceptable was found before ctx ended.
	RequestDevice(ctx context.Context, f Filter) (Peripheral, error)
}

// DefaultFilter accepts any device and ranks Lumi-like names and services first.
func DefaultFilter() Filter {
	return Filter{
		AcceptAll:    true,
		NamePrefixes: []string{"Lumi", "ESP32", "Arduino", "Nano"},
		Services:     append([]string(nil), CommonServiceUUIDs...),
	}
}

const sigBaseSuffix = "-0000-1000-8000-00805f9b34fb"

// NormalizeUUID lowercases u and expands 16- and 32-bit SIG short forms to
// the full 128-bit representation.
func NormalizeUUID(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	u = strings.TrimPrefix(u, "0x")
	switch len(u) {
	case 4:
		return "0000" + u + sigBaseSuffix
	case 8:
		return u + sigBaseSuffix
	}
	return u
}

func sameUUID(a, b string) bool { return NormalizeUUID(a) == NormalizeUUID(b) }

func containsUUID(list []string, u string) bool {
	for _, v := range list {
		if sameUUID(v, u) {
			return true
		}
	}
	return false
}
