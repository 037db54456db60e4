package ble

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMatches(t *testing.T) {
	adv := Advertisement{Address: "78:6D:EB:49:97:84", Name: "Liam_BLE", RSSI: -60}

	tests := []struct {
		name string
		sel  Selector
		want bool
	}{
		{"name", Selector{Name: "Liam_BLE"}, true},
		{"name case differs", Selector{Name: "liam_ble"}, false},
		{"address", Selector{Address: "78:6D:EB:49:97:84"}, true},
		{"address lower case", Selector{Address: "78:6d:eb:49:97:84"}, true},
		{"both match", Selector{Name: "Liam_BLE", Address: "78:6D:EB:49:97:84"}, true},
		{"both, name wrong", Selector{Name: "Other", Address: "78:6D:EB:49:97:84"}, false},
		{"both, address wrong", Selector{Name: "Liam_BLE", Address: "00:00:00:00:00:01"}, false},
		{"empty", Selector{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(adv, tt.sel); got != tt.want {
				t.Errorf("Matches(%v) = %v, want %v", tt.sel, got, tt.want)
			}
		})
	}
}

func TestMatchesUnnamedReport(t *testing.T) {
	if Matches(Advertisement{Address: "AA:BB:CC:DD:EE:FF"}, Selector{Name: "Liam_BLE"}) {
		t.Error("unnamed report should not match a name selector")
	}
}

func TestSelectorValidate(t *testing.T) {
	if err := (Selector{}).Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Validate(empty) = %v, want ErrInvalidArgument", err)
	}
	if err := (Selector{Address: testAddress}).Validate(); err != nil {
		t.Errorf("Validate(address) = %v, want nil", err)
	}
}

func TestNewScannerRejectsBadArguments(t *testing.T) {
	a := newMockAdapter()
	if _, err := NewScanner(a, Selector{}, time.Second, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty selector: got %v, want ErrInvalidArgument", err)
	}
	if _, err := NewScanner(a, Selector{Name: "x"}, 0, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("zero timeout: got %v, want ErrInvalidArgument", err)
	}
}

func TestScannerAcquiresFirstMatchOnly(t *testing.T) {
	a := newMockAdapter(
		Advertisement{Address: "00:00:00:00:00:01", Name: "Other"},
		Advertisement{Address: "00:00:00:00:00:02", Name: "Liam_BLE"},
		Advertisement{Address: "00:00:00:00:00:03", Name: "Liam_BLE"},
	)
	sink := &recordingSink{}
	s, err := NewScanner(a, Selector{Name: "Liam_BLE"}, time.Second, sink)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}

	out := s.Run(context.Background())
	if out.Result != ScanAcquired {
		t.Fatalf("Result = %s, want acquired", out.Result)
	}
	if out.Advertisement.Address != "00:00:00:00:00:02" {
		t.Errorf("acquired %s, want the first matching report", out.Advertisement.Address)
	}
	if n := sink.Count("Target found"); n != 1 {
		t.Errorf("recorded %d target lines, want 1", n)
	}
}

func TestScannerTracesReports(t *testing.T) {
	a := newMockAdapter(
		Advertisement{Address: "00:00:00:00:00:01"},
		Advertisement{Address: testAddress, Name: "Liam_BLE"},
	)
	sink := &recordingSink{}
	s, _ := NewScanner(a, Selector{Address: testAddress}, time.Second, sink)
	s.TraceReports(true)

	if out := s.Run(context.Background()); out.Result != ScanAcquired {
		t.Fatalf("Result = %s, want acquired", out.Result)
	}
	lines := sink.Lines()
	if len(lines) < 2 || !strings.Contains(lines[0], "Device found: Unnamed, address: 00:00:00:00:00:01") {
		t.Errorf("lines = %q, want an Unnamed report first", lines)
	}
	if !strings.HasPrefix(lines[0], TagBLE) {
		t.Errorf("line %q missing %s tag", lines[0], TagBLE)
	}
}

func TestScannerTimesOut(t *testing.T) {
	a := newMockAdapter(Advertisement{Address: "00:00:00:00:00:01", Name: "Other"})
	s, _ := NewScanner(a, Selector{Name: "Liam_BLE"}, 50*time.Millisecond, nil)

	start := time.Now()
	out := s.Run(context.Background())
	if out.Result != ScanTimedOut {
		t.Fatalf("Result = %s, want timed out", out.Result)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %s, before the timeout", elapsed)
	}
}

func TestScannerReportsRadioFailure(t *testing.T) {
	a := newMockAdapter()
	a.scanErr = errors.New("radio off")
	s, _ := NewScanner(a, Selector{Name: "Liam_BLE"}, time.Second, nil)

	out := s.Run(context.Background())
	if out.Result != ScanFailed {
		t.Fatalf("Result = %s, want failed", out.Result)
	}
	if out.Err == nil || out.Err.Error() != "radio off" {
		t.Errorf("Err = %v, want radio off", out.Err)
	}
}

func TestScannerCancelled(t *testing.T) {
	a := newMockAdapter()
	s, _ := NewScanner(a, Selector{Name: "Liam_BLE"}, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if out := s.Run(ctx); out.Result != ScanCancelled {
		t.Fatalf("Result = %s, want cancelled", out.Result)
	}
}
