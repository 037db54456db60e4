//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// TinyGoWritesWithResponse is true where tinygo's DeviceCharacteristic has Write.
const TinyGoWritesWithResponse = true

func writeTinyGo(char bluetooth.DeviceCharacteristic, data []byte, noResponse bool) error {
	var err error
	if noResponse {
		_, err = char.WriteWithoutResponse(data)
	} else {
		_, err = char.Write(data)
	}
	return err
}
