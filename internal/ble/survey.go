package ble

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ScanForDevices lists every peripheral heard within timeout, one entry per
// address with the strongest RSSI seen, strongest first. A name learned from
// any report is kept.
func ScanForDevices(ctx context.Context, adapter Adapter, timeout time.Duration) ([]Advertisement, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]Advertisement)
	err := adapter.Scan(ctx, func(adv Advertisement) {
		key := strings.ToLower(adv.Address)
		mu.Lock()
		defer mu.Unlock()
		prev, ok := seen[key]
		if !ok {
			seen[key] = adv
			return
		}
		if adv.RSSI > prev.RSSI {
			prev.RSSI = adv.RSSI
		}
		if prev.Name == "" {
			prev.Name = adv.Name
		}
		seen[key] = prev
	})
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	devices := make([]Advertisement, 0, len(seen))
	for _, adv := range seen {
		devices = append(devices, adv)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].RSSI != devices[j].RSSI {
			return devices[i].RSSI > devices[j].RSSI
		}
		return devices[i].Address < devices[j].Address
	})
	return devices, nil
}
