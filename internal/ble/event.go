package ble

import (
	"fmt"

	"github.com/chaz8081/blewrite/internal/ble/gatt"
)

// EventKind enumerates everything that can move a session between states.
type EventKind int

const (
	EventScanStarted EventKind = iota + 1
	EventTargetAcquired
	EventScanTimedOut
	EventScanFailed
	EventScanStopped
	EventConnected
	EventConnectFailed
	EventServicesDiscovered
	EventDiscoveryFailed
	EventReady
	EventWriteSucceeded
	EventWriteFailed
	EventDisconnected
	EventClosed
)

var eventNames = map[EventKind]string{
	EventScanStarted:        "ScanStarted",
	EventTargetAcquired:     "TargetAcquired",
	EventScanTimedOut:       "ScanTimedOut",
	EventScanFailed:         "ScanFailed",
	EventScanStopped:        "ScanStopped",
	EventConnected:          "Connected",
	EventConnectFailed:      "ConnectFailed",
	EventServicesDiscovered: "ServicesDiscovered",
	EventDiscoveryFailed:    "DiscoveryFailed",
	EventReady:              "Ready",
	EventWriteSucceeded:     "WriteSucceeded",
	EventWriteFailed:        "WriteFailed",
	EventDisconnected:       "Disconnected",
	EventClosed:             "Closed",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is both the input of the session state machine and what the
// controller publishes to callers. Published events never reference
// session-owned memory.
type Event struct {
	Kind EventKind

	Advertisement Advertisement  // TargetAcquired
	Tree          gatt.Tree      // ServicesDiscovered
	Target        *gatt.Resolved // Ready; nil when no attribute resolved
	Request       *WriteRequest  // WriteSucceeded, WriteFailed
	Err           error          // failures and Disconnected

	conn  Connection // Connected, internal only
	epoch uint64
}

// Code returns the stack status code of a failure event, or CodeUnknown.
func (e Event) Code() int {
	if e.Err == nil {
		return CodeUnknown
	}
	return ErrorCode(e.Err)
}

func (e Event) String() string {
	switch e.Kind {
	case EventTargetAcquired:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Advertisement.Address)
	case EventServicesDiscovered:
		return fmt.Sprintf("%s(%d services, %d characteristics)", e.Kind, len(e.Tree), e.Tree.Len())
	case EventScanFailed, EventConnectFailed, EventDiscoveryFailed, EventWriteFailed, EventDisconnected:
		return fmt.Sprintf("%s(%d)", e.Kind, e.Code())
	}
	return e.Kind.String()
}

// public strips internal fields and deep-copies anything the session owns.
func (e Event) public() Event {
	e.conn = nil
	e.epoch = 0
	if e.Tree != nil {
		e.Tree = e.Tree.Clone()
	}
	if e.Target != nil {
		t := *e.Target
		t.Characteristic = t.Characteristic.Clone()
		e.Target = &t
	}
	if e.Request != nil {
		r := e.Request.clone()
		e.Request = &r
	}
	return e
}
