//go:build !darwin && !windows

package ble

import "fmt"

// BlueZ through tinygo/bluetooth only offers write without response and does
// not expose characteristic properties.
func (c *tinygoCharacteristic) Capabilities() Capabilities {
	return inferCapabilities(c.UUID(), false)
}

func (c *tinygoCharacteristic) Write([]byte) error {
	return fmt.Errorf("%w: write with response is unavailable on this platform", ErrNotSupported)
}
