//go:build !linux

package main

import (
	"fmt"
	"runtime"

	"github.com/chaz8081/blewrite/internal/ble"
)

func newHCIAdapter(int) (ble.Adapter, error) {
	return nil, fmt.Errorf("the hci backend is only available on linux, not %s", runtime.GOOS)
}
