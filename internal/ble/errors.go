package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransportUnavailable means the platform BLE stack could not be enabled.
	ErrTransportUnavailable = errors.New("ble: transport unavailable")
	// ErrInsecureContext means the caller is not permitted to drive the transport.
	ErrInsecureContext = errors.New("ble: insecure context")
	// ErrNoDeviceSelected means discovery ended without an acceptable peripheral.
	ErrNoDeviceSelected = errors.New("ble: no device selected")
	// ErrDisconnected means the link dropped.
	ErrDisconnected = errors.New("ble: disconnected")
	// ErrReconnectExhausted means automatic reconnection gave up.
	ErrReconnectExhausted = errors.New("ble: reconnect attempts exhausted")
	// ErrBusy means a connection attempt or session is already active.
	ErrBusy = errors.New("ble: connection already in progress")
	// ErrNotReady means no command channel is established.
	ErrNotReady = errors.New("ble: no active connection")
	// ErrNotSupported is returned by a characteristic that rejects a write method.
	ErrNotSupported = errors.New("ble: operation not supported")
	// ErrWrongCharacteristic guards writes to a characteristic known to be wrong.
	ErrWrongCharacteristic = errors.New("ble: wrong characteristic")

	// errSuperseded marks a connection attempt abandoned because a newer session started.
	errSuperseded = fmt.Errorf("%w: connection attempt superseded", ErrDisconnected)
	errLinkLost   = fmt.Errorf("%w: link dropped during setup", ErrDisconnected)
)

// ConnectError reasons.
const (
	ReasonNoDeviceSelected  = "NoDeviceSelected"
	ReasonDiscovery         = "Discovery"
	ReasonHandshake         = "Handshake"
	ReasonNoWritableChannel = "NoWritableChannel"
)

// ConnectError is a discovery, handshake or resolution failure.
type ConnectError struct {
	Reason string
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return "ble: connect failed: " + e.Reason
	}
	return fmt.Sprintf("ble: connect failed: %s: %v", e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Hint returns remediation text for the failure.
func (e *ConnectError) Hint() string {
	var nw *NoWritableChannelError
	if errors.As(e.Err, &nw) {
		return nw.Hint()
	}
	switch e.Reason {
	case ReasonNoDeviceSelected:
		return "No BLE device was found. Make sure it is powered on and nearby."
	case ReasonHandshake:
		return "The device was found but the connection failed. Power-cycle it and try again."
	}
	return "Check that Bluetooth is enabled and the device is in range."
}

// NoWritableChannelError means no characteristic accepting writes was found.
type NoWritableChannelError struct {
	// Attempted lists every service UUID probed, in order.
	Attempted []string
	// NoServices is set when the peripheral exposed no services at all.
	NoServices bool
	Err        error
}

func (e *NoWritableChannelError) Error() string {
	var b strings.Builder
	if e.NoServices {
		b.WriteString("ble: device exposes no GATT services")
	} else {
		b.WriteString("ble: no writable characteristic found")
	}
	b.WriteString("; tried services: ")
	b.WriteString(strings.Join(e.Attempted, ", "))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *NoWritableChannelError) Unwrap() error { return e.Err }

// Hint returns remediation steps for the user.
func (e *NoWritableChannelError) Hint() string {
	return "Check that the peripheral is powered on and acts as a GATT server publishing its services; " +
		"if it runs an ESP32 sketch, make sure it publishes a UART service (6e400001-...) or the Lumi service; " +
		"a BLE scanner app such as nRF Connect can confirm which services are exposed."
}

// WriteError means every write strategy failed on the channel and its siblings.
type WriteError struct {
	Characteristic string
	Attempts       int
	Err            error
}

func (e *WriteError) Error() string {
	if errors.Is(e.Err, ErrNotSupported) {
		return fmt.Sprintf("ble: write to %s not supported after %d attempts; check the characteristic accepts writes of raw bytes: %v",
			e.Characteristic, e.Attempts, e.Err)
	}
	return fmt.Sprintf("ble: write to %s failed after %d attempts: %v", e.Characteristic, e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Remediation maps an error from this package to user-facing guidance.
func Remediation(err error) string {
	var nw *NoWritableChannelError
	var ce *ConnectError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &nw):
		return nw.Hint()
	case errors.As(err, &ce):
		return ce.Hint()
	case errors.Is(err, ErrTransportUnavailable):
		return "Bluetooth is unavailable. Check that the adapter is present, powered on and not disabled by policy."
	case errors.Is(err, ErrInsecureContext):
		return "Bluetooth control requires a secure connection. Use HTTPS or connect from this machine."
	case errors.Is(err, ErrNoDeviceSelected):
		return "No BLE device was found. Make sure it is powered on and nearby."
	case errors.Is(err, ErrReconnectExhausted):
		return "The connection to your Lumi was lost. Reconnect when the device is back in range."
	case errors.Is(err, ErrWrongCharacteristic):
		return "The selected characteristic is not the Lumi command characteristic. Reconnect or pick the right peripheral."
	case errors.Is(err, context.DeadlineExceeded):
		return "The device did not respond in time. Move closer and try again."
	}
	return err.Error()
}
