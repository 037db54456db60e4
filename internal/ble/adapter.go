// Package ble is a BLE central client that finds one configured peripheral,
// connects to it, discovers its attributes and writes encoded payloads to a
// selected characteristic.
package ble

import (
	"context"

	"github.com/chaz8081/blewrite/internal/ble/gatt"
)

// Advertisement is a single advertising report delivered while scanning.
type Advertisement struct {
	Address string // MAC on Linux/Windows, CoreBluetooth UUID on macOS
	Name    string // empty when the peripheral does not advertise a local name
	RSSI    int
}

// Connection represents an active BLE link to a peripheral.
type Connection interface {
	// DiscoverServices enumerates all services and characteristics.
	DiscoverServices(ctx context.Context) (gatt.Tree, error)
	// WriteCharacteristic writes data to the characteristic charUUID inside
	// serviceUUID. noResponse selects a write command instead of a write request.
	WriteCharacteristic(serviceUUID, charUUID string, data []byte, noResponse bool) error
	// Disconnect terminates the link.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the link drops
	// without Disconnect being called. err carries the stack's reason if any.
	OnDisconnect(callback func(err error))
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan delivers advertising reports to handler until ctx is done or the
	// radio reports an error. Cancellation is not an error.
	Scan(ctx context.Context, handler func(Advertisement)) error
	// Connect establishes a connection to the peripheral at address.
	Connect(ctx context.Context, address string) (Connection, error)
}

// PropertyReporter is implemented by adapters whose discovery results carry
// characteristic property flags. Adapters that do not implement it, or
// return false, report zero properties.
type PropertyReporter interface {
	ReportsProperties() bool
}

// ResponseReporter is implemented by adapters that may be unable to issue
// write requests (writes with response) on the current platform. Adapters
// that do not implement it support both write kinds.
type ResponseReporter interface {
	WritesWithResponse() bool
}
