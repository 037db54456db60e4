//go:build linux

package main

import "github.com/chaz8081/blewrite/internal/ble"

func newHCIAdapter(id int) (ble.Adapter, error) {
	return ble.NewHCIAdapter(id), nil
}
