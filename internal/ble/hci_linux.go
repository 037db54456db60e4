//go:build linux

package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/google/uuid"

	"github.com/chaz8081/blewrite/internal/ble/gatt"
)

const hciTimeout = 20 * time.Second

var hciScanParams = cmd.LESetScanParameters{
	LEScanType:           1,    // Active scanning, so scan responses carry the local name
	LEScanInterval:       0x10, // 10ms
	LEScanWindow:         0x10, // 10ms
	OwnAddressType:       0,    // Static
	ScanningFilterPolicy: 0,    // Accept all
}

// HCIAdapter drives a Linux controller directly over a raw HCI socket with
// go-ble. It needs CAP_NET_ADMIN and the controller must not be claimed by
// bluetoothd. Unlike TinyGoAdapter it reports characteristic properties and
// ATT error codes.
type HCIAdapter struct {
	deviceID int

	mu     sync.Mutex
	device goble.Device
}

// NewHCIAdapter creates an adapter for hciN. The device is opened by Enable.
func NewHCIAdapter(deviceID int) *HCIAdapter {
	return &HCIAdapter{deviceID: deviceID}
}

func (a *HCIAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.device != nil {
		return nil
	}
	device, err := linux.NewDevice(
		goble.OptDeviceID(a.deviceID),
		goble.OptListenerTimeout(hciTimeout),
		goble.OptDialerTimeout(hciTimeout),
		goble.OptScanParams(hciScanParams),
	)
	if err != nil {
		return fmt.Errorf("ble: open hci%d: %w", a.deviceID, err)
	}
	a.device = device
	return nil
}

// Close releases the HCI socket.
func (a *HCIAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.device == nil {
		return nil
	}
	device := a.device
	a.device = nil
	return device.Stop()
}

func (a *HCIAdapter) ReportsProperties() bool { return true }

func (a *HCIAdapter) dev() (goble.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.device == nil {
		return nil, errors.New("ble: hci adapter not enabled")
	}
	return a.device, nil
}

func (a *HCIAdapter) Scan(ctx context.Context, handler func(Advertisement)) error {
	device, err := a.dev()
	if err != nil {
		return err
	}
	err = device.Scan(ctx, true, func(adv goble.Advertisement) {
		handler(Advertisement{
			Address: adv.Addr().String(),
			Name:    adv.LocalName(),
			RSSI:    adv.RSSI(),
		})
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *HCIAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	device, err := a.dev()
	if err != nil {
		return nil, err
	}
	client, err := device.Dial(ctx, goble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("ble: dial %s: %w", address, attStatus(err))
	}
	conn := &hciConnection{
		client: client,
		chars:  make(map[string]*goble.Characteristic),
		closed: make(chan struct{}),
	}
	go conn.watch()
	return conn, nil
}

// Compile-time check that HCIAdapter implements Adapter.
var _ Adapter = (*HCIAdapter)(nil)

type hciConnection struct {
	client goble.Client

	mu           sync.Mutex
	chars        map[string]*goble.Characteristic // keyed by charKey
	disconnectCb func(error)
	closing      bool
	closed       chan struct{}
}

// watch fires the disconnect callback when the link drops on its own.
func (c *hciConnection) watch() {
	<-c.client.Disconnected()
	c.mu.Lock()
	cb, closing := c.disconnectCb, c.closing
	c.mu.Unlock()
	close(c.closed)
	if cb != nil && !closing {
		cb(fmt.Errorf("ble: link to %s lost", c.client.Addr()))
	}
}

func (c *hciConnection) DiscoverServices(ctx context.Context) (gatt.Tree, error) {
	type discovery struct {
		profile *goble.Profile
		err     error
	}
	ch := make(chan discovery, 1)
	go func() {
		p, err := c.client.DiscoverProfile(true)
		ch <- discovery{p, err}
	}()

	var d discovery
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: discover services: %w", ctx.Err())
	case d = <-ch:
	}
	if d.err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", attStatus(d.err))
	}

	var tree gatt.Tree
	chars := make(map[string]*goble.Characteristic)
	for _, s := range d.profile.Services {
		svc := gatt.Service{UUID: canonicalUUID(s.UUID)}
		for _, ch := range s.Characteristics {
			char := gatt.Characteristic{
				UUID:       canonicalUUID(ch.UUID),
				Properties: gatt.Property(ch.Property),
			}
			svc.Characteristics = append(svc.Characteristics, char)
			chars[charKey(svc.UUID, char.UUID)] = ch
		}
		tree = append(tree, svc)
	}

	c.mu.Lock()
	c.chars = chars
	c.mu.Unlock()
	return tree, nil
}

func (c *hciConnection) WriteCharacteristic(serviceUUID, charUUID string, data []byte, noResponse bool) error {
	c.mu.Lock()
	char, ok := c.chars[charKey(serviceUUID, charUUID)]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: characteristic %s not discovered in %s", charUUID, serviceUUID)
	}
	if err := c.client.WriteCharacteristic(char, data, noResponse); err != nil {
		return attStatus(err)
	}
	return nil
}

func (c *hciConnection) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	if err := c.client.CancelConnection(); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	select {
	case <-c.closed:
	case <-time.After(hciTimeout):
		return errors.New("ble: disconnect: timed out waiting for link teardown")
	}
	return nil
}

func (c *hciConnection) OnDisconnect(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// attStatus exposes the ATT error code of a failed request as a StatusError.
func attStatus(err error) error {
	var att goble.ATTError
	if errors.As(err, &att) {
		return &StatusError{Status: int(att), Err: err}
	}
	return err
}

// canonicalUUID renders a go-ble UUID (little-endian bytes) in the 128-bit
// dashed form, expanding 16 and 32-bit UUIDs against the Bluetooth base UUID.
func canonicalUUID(u goble.UUID) string {
	b := goble.Reverse(u)
	switch len(b) {
	case 2:
		return fmt.Sprintf("0000%x-0000-1000-8000-00805f9b34fb", []byte(b))
	case 4:
		return fmt.Sprintf("%x-0000-1000-8000-00805f9b34fb", []byte(b))
	}
	if id, err := uuid.FromBytes(b); err == nil {
		return id.String()
	}
	return strings.ToLower(u.String())
}
