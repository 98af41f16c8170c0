package ble

import "fmt"

func (c *tinygoCharacteristic) Capabilities() Capabilities {
	if readOnlyCharacteristics[NormalizeUUID(c.UUID())] {
		return Capabilities{}
	}
	return capabilitiesFromProperties(c.char.Properties())
}

func (c *tinygoCharacteristic) Write(data []byte) error {
	if _, err := c.char.Write(data); err != nil {
		return fmt.Errorf("ble: write %s: %w", c.UUID(), err)
	}
	return nil
}
