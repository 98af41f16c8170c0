//go:build !darwin && !windows

package ble

import (
	"errors"
	"testing"
)

func TestTinyGoWriteWithResponseUnsupported(t *testing.T) {
	c := &tinygoCharacteristic{}
	if err := c.Write([]byte{byte(CommandWater)}); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Write() error = %v, want ErrNotSupported", err)
	}
}
