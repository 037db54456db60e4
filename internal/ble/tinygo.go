package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/blewrite/internal/ble/gatt"
)

// TinyGoAdapter wraps tinygo-org/bluetooth (CoreBluetooth on macOS, BlueZ
// over D-Bus on Linux). On macOS peripheral addresses are CoreBluetooth
// UUIDs rather than MAC addresses; selectors must use whichever form the
// platform reports.
//
// tinygo does not expose characteristic properties, so discovered trees carry
// none and the first_writable policy is unavailable on this backend.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by lower-cased address
}

// NewTinyGoAdapter creates an adapter on the platform's default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo reports link loss only through the adapter-level handler.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		key := strings.ToLower(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[key]
		delete(a.connections, key)
		a.mu.Unlock()
		if ok {
			conn.lost(fmt.Errorf("ble: link to %s lost", key))
		}
	})
	return nil
}

// ReportsProperties is false: tinygo hides the characteristic property byte.
func (a *TinyGoAdapter) ReportsProperties() bool { return false }

// WritesWithResponse reports whether write requests are available. Only the
// CoreBluetooth and WinRT stacks expose them through tinygo.
func (a *TinyGoAdapter) WritesWithResponse() bool { return TinyGoWritesWithResponse }

func (a *TinyGoAdapter) Scan(ctx context.Context, handler func(Advertisement)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		handler(Advertisement{
			Address: result.Address.String(),
			Name:    result.LocalName(),
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	// tinygo's Connect cannot be cancelled; on ctx expiry the late result
	// is disconnected in the background.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, params)
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &tinyGoConnection{
			device: result.device,
			chars:  make(map[string]bluetooth.DeviceCharacteristic),
		}
		a.mu.Lock()
		a.connections[strings.ToLower(address)] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	chars        map[string]bluetooth.DeviceCharacteristic // keyed by charKey
	disconnectCb func(error)
}

func charKey(serviceUUID, charUUID string) string {
	return strings.ToLower(serviceUUID) + "/" + strings.ToLower(charUUID)
}

func (c *tinyGoConnection) DiscoverServices(ctx context.Context) (gatt.Tree, error) {
	type discovery struct {
		tree  gatt.Tree
		chars map[string]bluetooth.DeviceCharacteristic
		err   error
	}
	ch := make(chan discovery, 1)
	go func() {
		var d discovery
		svcs, err := c.device.DiscoverServices(nil)
		if err != nil {
			d.err = fmt.Errorf("ble: discover services: %w", err)
			ch <- d
			return
		}
		d.chars = make(map[string]bluetooth.DeviceCharacteristic)
		for _, svc := range svcs {
			chars, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				d.err = fmt.Errorf("ble: discover characteristics of %s: %w", svc.UUID(), err)
				ch <- d
				return
			}
			node := gatt.Service{UUID: svc.UUID().String()}
			for _, char := range chars {
				node.Characteristics = append(node.Characteristics, gatt.Characteristic{UUID: char.UUID().String()})
				d.chars[charKey(node.UUID, char.UUID().String())] = char
			}
			d.tree = append(d.tree, node)
		}
		ch <- d
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: discover services: %w", ctx.Err())
	case d := <-ch:
		if d.err != nil {
			return nil, d.err
		}
		c.mu.Lock()
		c.chars = d.chars
		c.mu.Unlock()
		return d.tree, nil
	}
}

func (c *tinyGoConnection) WriteCharacteristic(serviceUUID, charUUID string, data []byte, noResponse bool) error {
	c.mu.Lock()
	char, ok := c.chars[charKey(serviceUUID, charUUID)]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: characteristic %s not discovered in %s", charUUID, serviceUUID)
	}

	return writeTinyGo(char, data, noResponse)
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) lost(err error) {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}
