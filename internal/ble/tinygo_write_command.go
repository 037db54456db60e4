//go:build !darwin && !windows

package ble

import (
	"errors"

	"tinygo.org/x/bluetooth"
)

// TinyGoWritesWithResponse is false on BlueZ and bare-metal stacks, where
// tinygo only implements write commands.
const TinyGoWritesWithResponse = false

func writeTinyGo(char bluetooth.DeviceCharacteristic, data []byte, noResponse bool) error {
	if !noResponse {
		return errors.New("ble: write requests are not supported by the tinygo backend on this platform")
	}
	_, err := char.WriteWithoutResponse(data)
	return err
}
