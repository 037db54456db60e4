package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

var errScanEnded = errors.New("scan ended before timeout")

// DefaultScanTimeout bounds a scan when the caller does not choose one.
const DefaultScanTimeout = 10 * time.Second

// Selector identifies the target peripheral. At least one field must be set;
// when both are set both must match.
type Selector struct {
	Name    string
	Address string
}

// Validate rejects a selector that would match nothing, rather than scanning
// unfiltered.
func (s Selector) Validate() error {
	if s.Name == "" && s.Address == "" {
		return fmt.Errorf("%w: selector needs a name or an address", ErrInvalidArgument)
	}
	return nil
}

func (s Selector) String() string {
	switch {
	case s.Name != "" && s.Address != "":
		return fmt.Sprintf("name=%q address=%s", s.Name, s.Address)
	case s.Name != "":
		return fmt.Sprintf("name=%q", s.Name)
	}
	return "address=" + s.Address
}

// Matches reports whether adv is the peripheral sel describes. Addresses are
// compared case-insensitively since stacks disagree on hex case.
func Matches(adv Advertisement, sel Selector) bool {
	if sel.Name == "" && sel.Address == "" {
		return false
	}
	if sel.Name != "" && adv.Name != sel.Name {
		return false
	}
	if sel.Address != "" && !strings.EqualFold(adv.Address, sel.Address) {
		return false
	}
	return true
}

// ScanResult is how a scan ended.
type ScanResult int

const (
	ScanAcquired ScanResult = iota + 1
	ScanTimedOut
	ScanFailed
	ScanCancelled
)

func (r ScanResult) String() string {
	switch r {
	case ScanAcquired:
		return "acquired"
	case ScanTimedOut:
		return "timed out"
	case ScanFailed:
		return "failed"
	case ScanCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("scan(%d)", int(r))
}

// ScanOutcome is the single result of Scanner.Run.
type ScanOutcome struct {
	Result        ScanResult
	Advertisement Advertisement // ScanAcquired
	Err           error         // ScanFailed
}

// Scanner filters advertising reports for one target.
type Scanner struct {
	adapter      Adapter
	selector     Selector
	timeout      time.Duration
	sink         Sink
	traceReports bool
}

// NewScanner validates sel and returns a scanner bounded by timeout.
func NewScanner(adapter Adapter, sel Selector, timeout time.Duration, sink Sink) (*Scanner, error) {
	if adapter == nil {
		panic("ble: NewScanner called with nil adapter")
	}
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: scan timeout must be > 0, got %s", ErrInvalidArgument, timeout)
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Scanner{adapter: adapter, selector: sel, timeout: timeout, sink: sink}, nil
}

// TraceReports makes the scanner record every advertising report it sees.
func (s *Scanner) TraceReports(on bool) {
	s.traceReports = on
}

// Run scans until the first matching report, the timeout, a radio failure or
// cancellation of ctx. Reports delivered after the first match are ignored.
func (s *Scanner) Run(ctx context.Context) ScanOutcome {
	scanCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var acquired atomic.Bool
	found := make(chan Advertisement, 1)

	err := s.adapter.Scan(scanCtx, func(adv Advertisement) {
		if acquired.Load() {
			return
		}
		if s.traceReports {
			name := adv.Name
			if name == "" {
				name = "Unnamed"
			}
			s.sink.Record(TagBLE, fmt.Sprintf("Device found: %s, address: %s", name, adv.Address))
		}
		if !Matches(adv, s.selector) {
			return
		}
		if !acquired.CompareAndSwap(false, true) {
			return
		}
		s.sink.Record(TagBLE, fmt.Sprintf("Target found: %s (%s, rssi %d)", adv.Name, adv.Address, adv.RSSI))
		found <- adv
		cancel()
	})

	select {
	case adv := <-found:
		return ScanOutcome{Result: ScanAcquired, Advertisement: adv}
	default:
	}

	switch {
	case ctx.Err() != nil:
		return ScanOutcome{Result: ScanCancelled, Err: ctx.Err()}
	case scanCtx.Err() == nil && err != nil:
		return ScanOutcome{Result: ScanFailed, Err: err}
	case scanCtx.Err() == nil:
		return ScanOutcome{Result: ScanFailed, Err: errScanEnded}
	}
	return ScanOutcome{Result: ScanTimedOut}
}
