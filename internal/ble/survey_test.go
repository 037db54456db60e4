package ble

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestScanForDevicesMergesReports(t *testing.T) {
	a := newMockAdapter(
		Advertisement{Address: "00:00:00:00:00:01", RSSI: -80},
		Advertisement{Address: "00:00:00:00:00:02", Name: "Liam_BLE", RSSI: -50},
		Advertisement{Address: "00:00:00:00:00:01", Name: "Other", RSSI: -70},
		Advertisement{Address: "00:00:00:00:00:02", RSSI: -60},
	)

	devices, err := ScanForDevices(context.Background(), a, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("ScanForDevices: %v", err)
	}
	want := []Advertisement{
		{Address: "00:00:00:00:00:02", Name: "Liam_BLE", RSSI: -50},
		{Address: "00:00:00:00:00:01", Name: "Other", RSSI: -70},
	}
	if len(devices) != len(want) {
		t.Fatalf("got %d devices, want %d: %+v", len(devices), len(want), devices)
	}
	for i := range want {
		if devices[i] != want[i] {
			t.Errorf("devices[%d] = %+v, want %+v", i, devices[i], want[i])
		}
	}
}

func TestScanForDevicesPropagatesFailure(t *testing.T) {
	a := newMockAdapter()
	a.scanErr = errors.New("radio off")
	if _, err := ScanForDevices(context.Background(), a, time.Second); err == nil {
		t.Fatal("expected scan error")
	}
}
