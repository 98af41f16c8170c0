package ble

import "fmt"

// CoreBluetooth properties are not surfaced by tinygo/bluetooth.
func (c *tinygoCharacteristic) Capabilities() Capabilities {
	return inferCapabilities(c.UUID(), true)
}

func (c *tinygoCharacteristic) Write(data []byte) error {
	if _, err := c.char.Write(data); err != nil {
		return fmt.Errorf("ble: write %s: %w", c.UUID(), err)
	}
	return nil
}
