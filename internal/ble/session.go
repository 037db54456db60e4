package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/chaz8081/blewrite/internal/ble/gatt"
	"github.com/chaz8081/blewrite/internal/ble/protocol"
)

// State is the lifecycle stage of a session.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateServiceDiscovery
	StateReady
	StateWriting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateScanning:
		return "Scanning"
	case StateConnecting:
		return "Connecting"
	case StateServiceDiscovery:
		return "ServiceDiscovery"
	case StateReady:
		return "Ready"
	case StateWriting:
		return "Writing"
	case StateDisconnected:
		return "Disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// WriteRequest is one payload submitted to the target characteristic.
type WriteRequest struct {
	ID                 uint64
	ServiceUUID        string
	CharacteristicUUID string
	Payload            []byte
	Variant            protocol.Variant // zero for raw writes
	NoResponse         bool
}

func (r WriteRequest) clone() WriteRequest {
	r.Payload = append([]byte(nil), r.Payload...)
	return r
}

// Options configures a Controller.
type Options struct {
	Selector        Selector
	ScanTimeout     time.Duration
	ConnectTimeout  time.Duration
	DiscoverTimeout time.Duration
	Attribute       gatt.Selector
	Variant         protocol.Variant
	NoResponse      bool // prefer write commands over write requests
	TraceReports    bool // record every advertising report while scanning
	EventBuffer     int  // capacity of the Events channel
}

// DefaultOptions returns sensible defaults. Selector is left empty and must
// be filled in by the caller.
func DefaultOptions() Options {
	return Options{
		ScanTimeout:     DefaultScanTimeout,
		ConnectTimeout:  20 * time.Second,
		DiscoverTimeout: 10 * time.Second,
		Attribute:       gatt.Selector{Policy: gatt.PolicyFirstWritable},
		Variant:         protocol.VariantBitfield,
		EventBuffer:     64,
	}
}

// Controller owns one session with one peripheral: scan, connect, discover,
// write and teardown. All transitions happen under mu; driver I/O runs on
// goroutines that report back through dispatch.
//
// Trace lines are queued under mu and handed to the Sink after mu is
// released, in the order they were produced. A slow Sink delays only the
// goroutine currently flushing.
type Controller struct {
	adapter Adapter
	sink    Sink
	opts    Options
	events  chan Event

	mu         sync.Mutex
	state      State
	epoch      uint64
	cancel     context.CancelFunc // session context
	cancelScan context.CancelFunc
	ctx        context.Context
	conn       Connection
	address    string
	tree       gatt.Tree
	target     *gatt.Resolved
	pending    *WriteRequest
	nextID     uint64
	traces     []traceLine
	flushing   bool
}

type traceLine struct {
	tag, message string
}

// errLinkLost stands in for a disconnect the stack reports without a reason.
var errLinkLost = errors.New("peripheral disconnected")

// NewController validates opts and returns an idle controller.
func NewController(adapter Adapter, opts Options, sink Sink) (*Controller, error) {
	if adapter == nil {
		panic("ble: NewController called with nil adapter")
	}
	if sink == nil {
		sink = NopSink{}
	}
	if err := validateOptions(adapter, &opts); err != nil {
		return nil, err
	}
	return &Controller{
		adapter: adapter,
		sink:    sink,
		opts:    opts,
		events:  make(chan Event, opts.EventBuffer),
	}, nil
}

func validateOptions(adapter Adapter, opts *Options) error {
	if err := opts.Selector.Validate(); err != nil {
		return err
	}
	if opts.ScanTimeout <= 0 || opts.ConnectTimeout <= 0 || opts.DiscoverTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be > 0", ErrInvalidArgument)
	}
	if !opts.Variant.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, opts.Variant)
	}
	switch opts.Attribute.Policy {
	case gatt.PolicyExplicit:
		if opts.Attribute.ServiceUUID == "" || opts.Attribute.CharacteristicUUID == "" {
			return fmt.Errorf("%w: explicit policy needs service and characteristic UUIDs", ErrInvalidArgument)
		}
	case gatt.PolicyFirstWritable:
		if pr, ok := adapter.(PropertyReporter); !ok || !pr.ReportsProperties() {
			return fmt.Errorf("%w: adapter does not report characteristic properties, first_writable cannot be used", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, opts.Attribute.Policy)
	}
	if rr, ok := adapter.(ResponseReporter); ok && !rr.WritesWithResponse() && !opts.NoResponse {
		return fmt.Errorf("%w: adapter cannot issue write requests, NoResponse must be set", ErrInvalidArgument)
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	return nil
}

// Events delivers every transition in order. Events are dropped, with a
// warning, when the buffer is full.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Await consumes Events until one of kinds arrives or ctx is done.
func (c *Controller) Await(ctx context.Context, kinds ...EventKind) (Event, error) {
	for {
		select {
		case ev := <-c.events:
			if slices.Contains(kinds, ev.Kind) {
				return ev, nil
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tree returns a copy of the discovered attribute tree.
func (c *Controller) Tree() gatt.Tree {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Clone()
}

// Target returns the resolved write target, if any.
func (c *Controller) Target() (gatt.Resolved, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target == nil {
		return gatt.Resolved{}, false
	}
	t := *c.target
	t.Characteristic = t.Characteristic.Clone()
	return t, true
}

// Start begins scanning for the configured peripheral. It returns immediately;
// progress is reported on Events. A session must be Idle to start: after a
// disconnect, Close it first.
func (c *Controller) Start() error {
	if s := c.State(); s != StateIdle {
		return fmt.Errorf("%w: state is %s", ErrSessionActive, s)
	}
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	scanner, err := NewScanner(c.adapter, c.opts.Selector, c.opts.ScanTimeout, c.sink)
	if err != nil {
		return err
	}
	scanner.TraceReports(c.opts.TraceReports)

	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return fmt.Errorf("%w: state is %s", ErrSessionActive, c.state)
	}
	c.epoch++
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	scanCtx, cancelScan := context.WithCancel(c.ctx)
	c.cancelScan = cancelScan
	c.state = StateScanning
	c.record(TagBLE, "Scan started for %s (timeout %s)", c.opts.Selector, c.opts.ScanTimeout)
	c.emit(Event{Kind: EventScanStarted})

	go c.scan(scanCtx, c.epoch, scanner)
	return nil
}

// StopScan cancels an in-progress scan; the session returns to Idle.
func (c *Controller) StopScan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateScanning && c.cancelScan != nil {
		c.cancelScan()
	}
}

// Write encodes level and flag with the configured variant and submits them
// to the target characteristic. Completion arrives as EventWriteSucceeded or
// EventWriteFailed carrying the returned request.
func (c *Controller) Write(level int, flag bool) (WriteRequest, error) {
	return c.submit(c.opts.Variant, func() ([]byte, error) {
		return protocol.Encode(level, flag, c.opts.Variant)
	})
}

// WriteBytes submits a raw payload without encoding.
func (c *Controller) WriteBytes(data []byte) (WriteRequest, error) {
	return c.submit(0, func() ([]byte, error) {
		if len(data) == 0 {
			return nil, errors.New("empty payload")
		}
		return append([]byte(nil), data...), nil
	})
}

func (c *Controller) submit(variant protocol.Variant, encode func() ([]byte, error)) (WriteRequest, error) {
	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	switch {
	case c.state == StateWriting:
		err = ErrWriteInProgress
	case c.state != StateReady:
		err = fmt.Errorf("%w: state is %s", ErrNotConnected, c.state)
	case c.target == nil:
		err = ErrAttributeNotResolved
	}
	var payload []byte
	if err == nil {
		if payload, err = encode(); err != nil {
			err = fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
	}
	if err != nil {
		c.record(TagBLE, "Write rejected: %v", err)
		return WriteRequest{}, err
	}

	c.nextID++
	req := WriteRequest{
		ID:                 c.nextID,
		ServiceUUID:        c.target.ServiceUUID,
		CharacteristicUUID: c.target.Characteristic.UUID,
		Payload:            payload,
		Variant:            variant,
		NoResponse:         writeWithoutResponse(c.target.Characteristic.Properties, c.opts.NoResponse),
	}
	c.pending = &req
	c.state = StateWriting
	c.record(TagGATT, "Write initiated: %x -> %s", payload, req.CharacteristicUUID)

	go c.write(c.conn, c.epoch, req.clone())
	return req.clone(), nil
}

// writeWithoutResponse honours the preference unless the characteristic
// advertises only the other write kind.
func writeWithoutResponse(p gatt.Property, prefer bool) bool {
	switch {
	case prefer && p.Writable() && p&gatt.PropWriteWithoutResponse == 0:
		return false
	case !prefer && p.Writable() && p&gatt.PropWrite == 0:
		return true
	}
	return prefer
}

// Close tears the session down from any state and returns it to Idle.
// Completions of operations started before Close are discarded. Close on an
// idle session is a no-op.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	conn := c.conn
	cancel := c.cancel
	c.epoch++
	c.clearLink()
	c.cancel, c.cancelScan, c.ctx = nil, nil, nil
	c.state = StateIdle
	c.record(TagBLE, "Session closed (was %s)", prev)
	c.emit(Event{Kind: EventClosed})
	c.mu.Unlock()
	c.flush()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect on close failed", "error", err)
			return fmt.Errorf("ble: disconnect: %w", err)
		}
	}
	return nil
}

// dispatch applies a driver event and runs the I/O it schedules.
func (c *Controller) dispatch(ev Event) {
	c.mu.Lock()
	effects := c.apply(ev)
	c.mu.Unlock()
	for _, f := range effects {
		f()
	}
	c.flush()
}

// apply is the single transition function. It runs with mu held and returns
// work to perform after mu is released.
func (c *Controller) apply(ev Event) (effects []func()) {
	if ev.epoch != c.epoch {
		if ev.conn != nil {
			// A connect that completed after Close: release the orphaned link.
			return []func(){func() { _ = ev.conn.Disconnect() }}
		}
		slog.Debug("[BLE] discarding stale event", "event", ev.Kind)
		return nil
	}

	switch ev.Kind {
	case EventTargetAcquired:
		if c.state != StateScanning {
			return nil
		}
		c.stopScan()
		c.address = ev.Advertisement.Address
		c.state = StateConnecting
		c.record(TagBLE, "Target acquired: %s, scan stopped", ev.Advertisement.Address)
		c.emit(ev)
		ctx, epoch, address := c.ctx, c.epoch, c.address
		return []func(){func() { go c.connect(ctx, epoch, address) }}

	case EventScanTimedOut, EventScanFailed, EventScanStopped:
		if c.state != StateScanning {
			return nil
		}
		c.stopScan()
		c.state = StateIdle
		switch ev.Kind {
		case EventScanTimedOut:
			c.record(TagBLE, "Target not found within %s, scan stopped", c.opts.ScanTimeout)
		case EventScanFailed:
			c.record(TagBLE, "Scan failed: %v", ev.Err)
		default:
			c.record(TagBLE, "Scan manually stopped")
		}
		c.emit(ev)

	case EventConnected:
		if c.state != StateConnecting {
			return []func(){func() { _ = ev.conn.Disconnect() }}
		}
		c.conn = ev.conn
		c.state = StateServiceDiscovery
		c.record(TagGATT, "Connected to GATT server %s", c.address)
		c.emit(ev)
		conn, ctx, epoch := c.conn, c.ctx, c.epoch
		return []func(){func() { go c.discover(ctx, conn, epoch) }}

	case EventConnectFailed:
		if c.state != StateConnecting {
			return nil
		}
		c.state = StateDisconnected
		c.record(TagGATT, "Connect to %s failed: %v", c.address, ev.Err)
		c.emit(ev)

	case EventServicesDiscovered:
		if c.state != StateServiceDiscovery {
			return nil
		}
		c.tree = ev.Tree
		c.record(TagGATT, "Services discovered: %d services, %d characteristics", len(c.tree), c.tree.Len())
		for _, s := range c.tree {
			c.record(TagGATT, "Service %s", s.UUID)
			for _, ch := range s.Characteristics {
				c.record(TagGATT, "  Characteristic %s", ch)
			}
		}
		c.emit(ev)

		c.target = nil
		if resolved, err := gatt.Resolve(c.tree, c.opts.Attribute); err != nil {
			c.record(TagGATT, "No write target (%s): %v", c.opts.Attribute, err)
		} else {
			c.target = &resolved
			c.record(TagGATT, "Write target %s in service %s", resolved.Characteristic, resolved.ServiceUUID)
		}
		c.state = StateReady
		c.record(TagBLE, "Ready")
		c.emit(Event{Kind: EventReady, Target: c.target})

	case EventDiscoveryFailed:
		if c.state != StateServiceDiscovery {
			return nil
		}
		conn := c.conn
		c.clearLink()
		c.state = StateDisconnected
		c.record(TagGATT, "Service discovery failed: %v", ev.Err)
		c.emit(ev)
		return []func(){func() { _ = conn.Disconnect() }}

	case EventWriteSucceeded, EventWriteFailed:
		if c.state != StateWriting || c.pending == nil || ev.Request == nil || ev.Request.ID != c.pending.ID {
			return nil
		}
		if ev.Kind == EventWriteSucceeded {
			value := append([]byte(nil), ev.Request.Payload...)
			if ch := c.tree.Find(ev.Request.ServiceUUID, ev.Request.CharacteristicUUID); ch != nil {
				ch.LastValue = value
			}
			c.target.Characteristic.LastValue = value
			c.record(TagGATT, "Successfully written to characteristic %s", ev.Request.CharacteristicUUID)
		} else {
			c.record(TagGATT, "Write to %s failed: %v", ev.Request.CharacteristicUUID, ev.Err)
		}
		c.pending = nil
		c.state = StateReady
		c.emit(ev)

	case EventDisconnected:
		switch c.state {
		case StateIdle, StateScanning, StateDisconnected:
			return nil
		}
		// The link can drop between connect returning and Connected being
		// applied; the late Connected then finds StateDisconnected.
		c.clearLink()
		c.state = StateDisconnected
		c.record(TagGATT, "Disconnected from GATT server: %v", ev.Err)
		c.emit(ev)
	}
	return nil
}

func (c *Controller) scan(ctx context.Context, epoch uint64, scanner *Scanner) {
	out := scanner.Run(ctx)
	ev := Event{epoch: epoch}
	switch out.Result {
	case ScanAcquired:
		ev.Kind = EventTargetAcquired
		ev.Advertisement = out.Advertisement
	case ScanTimedOut:
		ev.Kind = EventScanTimedOut
	case ScanFailed:
		ev.Kind = EventScanFailed
		ev.Err = newOpError(OpScan, out.Err)
	default:
		ev.Kind = EventScanStopped
	}
	c.dispatch(ev)
}

func (c *Controller) connect(ctx context.Context, epoch uint64, address string) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, err := c.adapter.Connect(ctx, address)
	if err != nil {
		c.dispatch(Event{Kind: EventConnectFailed, Err: newOpError(OpConnect, err), epoch: epoch})
		return
	}
	conn.OnDisconnect(func(err error) {
		if err == nil {
			err = errLinkLost
		}
		c.dispatch(Event{Kind: EventDisconnected, Err: newOpError(OpLink, err), epoch: epoch})
	})
	c.dispatch(Event{Kind: EventConnected, conn: conn, epoch: epoch})
}

func (c *Controller) discover(ctx context.Context, conn Connection, epoch uint64) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DiscoverTimeout)
	defer cancel()

	tree, err := conn.DiscoverServices(ctx)
	if err != nil {
		c.dispatch(Event{Kind: EventDiscoveryFailed, Err: newOpError(OpDiscover, err), epoch: epoch})
		return
	}
	c.dispatch(Event{Kind: EventServicesDiscovered, Tree: tree, epoch: epoch})
}

func (c *Controller) write(conn Connection, epoch uint64, req WriteRequest) {
	err := conn.WriteCharacteristic(req.ServiceUUID, req.CharacteristicUUID, req.Payload, req.NoResponse)
	ev := Event{Kind: EventWriteSucceeded, Request: &req, epoch: epoch}
	if err != nil {
		ev.Kind = EventWriteFailed
		ev.Err = newOpError(OpWrite, err)
	}
	c.dispatch(ev)
}

// stopScan releases the scan context (caller must hold mu).
func (c *Controller) stopScan() {
	if c.cancelScan != nil {
		c.cancelScan()
		c.cancelScan = nil
	}
}

// clearLink forgets the connection, tree, target and outstanding write
// (caller must hold mu).
func (c *Controller) clearLink() {
	c.stopScan()
	c.conn = nil
	c.tree = nil
	c.target = nil
	c.pending = nil
}

// record queues a trace line for the sink (caller must hold mu).
func (c *Controller) record(tag, format string, args ...any) {
	c.traces = append(c.traces, traceLine{tag, fmt.Sprintf(format, args...)})
}

// flush hands queued trace lines to the sink. It must be called without mu.
// Only one goroutine flushes at a time; others leave their lines for it, which
// keeps lines in order and lets a Sink call back into the Controller.
func (c *Controller) flush() {
	c.mu.Lock()
	if c.flushing {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	for len(c.traces) > 0 {
		lines := c.traces
		c.traces = nil
		c.mu.Unlock()
		for _, l := range lines {
			c.sink.Record(l.tag, l.message)
		}
		c.mu.Lock()
	}
	c.flushing = false
	c.mu.Unlock()
}

// emit publishes ev without blocking (caller must hold mu).
func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev.public():
	default:
		slog.Warn("[BLE] event buffer full, dropping event", "event", ev.Kind)
	}
}
