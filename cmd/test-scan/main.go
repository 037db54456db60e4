// Command test-scan is a manual test for the BLE radio. It lists every
// peripheral advertising nearby, so a target name or address can be picked
// for the config file.
//
// Usage:
//
//	go run ./cmd/test-scan [--seconds 10] [--backend tinygo|hci] [--id 0]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chaz8081/blewrite/internal/ble"
)

func main() {
	seconds := flag.Int("seconds", 10, "how long to scan")
	backend := flag.String("backend", "tinygo", "BLE stack: tinygo or hci")
	id := flag.Int("id", 0, "hci device number (hci backend only)")
	flag.Parse()

	var adapter ble.Adapter
	switch *backend {
	case "tinygo":
		adapter = ble.NewTinyGoAdapter()
	case "hci":
		a, err := newHCIAdapter(*id)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		adapter = a
	default:
		fmt.Printf("Error: unknown backend %q\n", *backend)
		os.Exit(1)
	}

	fmt.Printf("Scanning for %ds...\n", *seconds)
	devices, err := ble.ScanForDevices(context.Background(), adapter, time.Duration(*seconds)*time.Second)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	if len(devices) == 0 {
		fmt.Println("No devices found.")
		return
	}
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "Unnamed"
		}
		fmt.Printf("%4d dBm  %-40s %s\n", d.RSSI, d.Address, name)
	}
	fmt.Printf("\n%d device(s)\n", len(devices))
}
