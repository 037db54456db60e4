package ble

import (
	"context"
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/chaz8081/blewrite/internal/ble/gatt"
	"github.com/chaz8081/blewrite/internal/ble/protocol"
)

var _ = Describe("Controller", func() {
	var (
		adapter *mockAdapter
		sink    *recordingSink
		opts    Options
	)

	target := Advertisement{Address: testAddress, Name: "Liam_BLE", RSSI: -55}

	newController := func() *Controller {
		c, err := NewController(adapter, opts, sink)
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	await := func(c *Controller, kinds ...EventKind) Event {
		GinkgoHelper()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ev, err := c.Await(ctx, kinds...)
		Expect(err).NotTo(HaveOccurred(), "waiting for %v", kinds)
		return ev
	}

	ready := func() *Controller {
		GinkgoHelper()
		c := newController()
		Expect(c.Start()).To(Succeed())
		await(c, EventReady)
		Expect(c.State()).To(Equal(StateReady))
		return c
	}

	BeforeEach(func() {
		adapter = newMockAdapter(
			Advertisement{Address: "00:00:00:00:00:01", Name: "Other"},
			target,
			Advertisement{Address: "00:00:00:00:00:03", Name: "Liam_BLE"},
		)
		sink = &recordingSink{}
		opts = DefaultOptions()
		opts.Selector = Selector{Name: "Liam_BLE"}
		opts.ScanTimeout = 200 * time.Millisecond
	})

	Describe("NewController", func() {
		It("rejects an empty selector", func() {
			opts.Selector = Selector{}
			_, err := NewController(adapter, opts, sink)
			Expect(err).To(MatchError(ErrInvalidArgument))
		})

		It("rejects first_writable when the adapter hides properties", func() {
			adapter.props = false
			_, err := NewController(adapter, opts, sink)
			Expect(err).To(MatchError(ErrInvalidArgument))
		})

		It("rejects an explicit policy without UUIDs", func() {
			opts.Attribute = gatt.Selector{Policy: gatt.PolicyExplicit}
			_, err := NewController(adapter, opts, sink)
			Expect(err).To(MatchError(ErrInvalidArgument))
		})

		It("requires write commands when the adapter cannot issue write requests", func() {
			adapter.noRequests = true
			_, err := NewController(adapter, opts, sink)
			Expect(err).To(MatchError(ErrInvalidArgument))

			opts.NoResponse = true
			_, err = NewController(adapter, opts, sink)
			Expect(err).NotTo(HaveOccurred())
		})

		It("starts Idle", func() {
			Expect(newController().State()).To(Equal(StateIdle))
		})
	})

	Describe("a full session", func() {
		It("scans, connects, discovers and resolves the first writable characteristic", func() {
			c := newController()
			Expect(c.Start()).To(Succeed())

			Expect(await(c, EventScanStarted).Kind).To(Equal(EventScanStarted))
			acquired := await(c, EventTargetAcquired)
			Expect(acquired.Advertisement).To(Equal(target))
			await(c, EventConnected)
			discovered := await(c, EventServicesDiscovered)
			Expect(discovered.Tree).To(HaveLen(2))

			ev := await(c, EventReady)
			Expect(ev.Target).NotTo(BeNil())
			Expect(ev.Target.ServiceUUID).To(Equal(testServiceUUID))
			Expect(ev.Target.Characteristic.UUID).To(Equal(testWriteUUID))
			Expect(c.State()).To(Equal(StateReady))

			Expect(adapter.ConnectedTo()).To(Equal([]string{testAddress}))
			Expect(sink.Count("Target found")).To(Equal(1))
		})

		It("writes an encoded payload and records it as the last value", func() {
			c := ready()

			req, err := c.Write(5, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.Payload).To(Equal([]byte{0x85}))

			ev := await(c, EventWriteSucceeded, EventWriteFailed)
			Expect(ev.Kind).To(Equal(EventWriteSucceeded))
			Expect(ev.Request.ID).To(Equal(req.ID))
			Expect(c.State()).To(Equal(StateReady))

			writes := adapter.connection().Writes()
			Expect(writes).To(HaveLen(1))
			Expect(writes[0].service).To(Equal(testServiceUUID))
			Expect(writes[0].char).To(Equal(testWriteUUID))
			Expect(writes[0].data).To(Equal([]byte{0x85}))
			Expect(writes[0].noResponse).To(BeFalse())

			Expect(c.Tree().Find(testServiceUUID, testWriteUUID).LastValue).To(Equal([]byte{0x85}))
			t, ok := c.Target()
			Expect(ok).To(BeTrue())
			Expect(t.Characteristic.LastValue).To(Equal([]byte{0x85}))
			Eventually(func() int { return sink.Count("Successfully written") }).Should(Equal(1))
		})

		It("encodes with the configured variant", func() {
			opts.Variant = protocol.VariantInt32Pair
			c := ready()

			req, err := c.Write(5, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.Payload).To(Equal([]byte{5, 0, 0, 0, 1, 0, 0, 0}))
			await(c, EventWriteSucceeded)
		})

		It("writes raw bytes", func() {
			c := ready()

			_, err := c.WriteBytes([]byte{0x01, 0x02, 0x03})
			Expect(err).NotTo(HaveOccurred())
			await(c, EventWriteSucceeded)
			Expect(adapter.connection().Writes()[0].data).To(Equal([]byte{0x01, 0x02, 0x03}))
		})

		It("is not disturbed when the caller mutates published events", func() {
			c := ready()
			_, err := c.Write(1, false)
			Expect(err).NotTo(HaveOccurred())
			ev := await(c, EventWriteSucceeded)
			ev.Request.Payload[0] = 0xff

			Expect(c.Tree().Find(testServiceUUID, testWriteUUID).LastValue).To(Equal([]byte{0x01}))
		})
	})

	Describe("writes", func() {
		It("rejects a write before the session is ready", func() {
			c := newController()
			_, err := c.Write(5, true)
			Expect(err).To(MatchError(ErrNotConnected))
		})

		It("rejects a second write while one is outstanding", func() {
			c := ready()
			gate := make(chan struct{})
			conn := adapter.connection()
			conn.mu.Lock()
			conn.writeGate = gate
			conn.mu.Unlock()

			_, err := c.Write(5, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.State()).To(Equal(StateWriting))

			_, err = c.Write(6, false)
			Expect(err).To(MatchError(ErrWriteInProgress))

			close(gate)
			await(c, EventWriteSucceeded)
			Expect(conn.Writes()).To(HaveLen(1))

			next, err := c.Write(6, false)
			Expect(err).NotTo(HaveOccurred())
			ev := await(c, EventWriteSucceeded, EventWriteFailed)
			Expect(ev.Kind).To(Equal(EventWriteSucceeded))
			Expect(ev.Request.ID).To(Equal(next.ID))
			Expect(conn.Writes()).To(HaveLen(2))
			Expect(conn.Writes()[1].data).To(Equal([]byte{0x06}))
		})

		It("rejects an out-of-range level without writing", func() {
			c := ready()
			_, err := c.Write(200, true)
			Expect(err).To(MatchError(ErrInvalidArgument))
			Expect(err).To(MatchError(protocol.ErrInvalidLevel))
			Expect(c.State()).To(Equal(StateReady))
			Expect(adapter.connection().Writes()).To(BeEmpty())
		})

		It("returns to Ready with the stack code when the peripheral rejects a write", func() {
			c := ready()
			adapter.connection().writeErr = &StatusError{Status: 0x03, Err: errors.New("write not permitted")}

			_, err := c.Write(5, true)
			Expect(err).NotTo(HaveOccurred())

			ev := await(c, EventWriteFailed)
			Expect(ev.Code()).To(Equal(3))
			Expect(ev.Err).To(MatchError(ErrWriteFailed))
			Expect(c.State()).To(Equal(StateReady))
			Expect(c.Tree().Find(testServiceUUID, testWriteUUID).LastValue).To(BeNil())
		})

		It("stays Ready without a target when nothing resolves", func() {
			opts.Attribute = gatt.Selector{
				Policy:             gatt.PolicyExplicit,
				ServiceUUID:        testServiceUUID,
				CharacteristicUUID: "0000ffff-0000-1000-8000-00805f9b34fb",
			}
			c := newController()
			Expect(c.Start()).To(Succeed())

			ev := await(c, EventReady)
			Expect(ev.Target).To(BeNil())
			_, ok := c.Target()
			Expect(ok).To(BeFalse())

			_, err := c.Write(5, true)
			Expect(err).To(MatchError(ErrAttributeNotResolved))
		})
	})

	Describe("scan outcomes", func() {
		It("returns to Idle when the target never shows up", func() {
			adapter.reports = []Advertisement{{Address: "00:00:00:00:00:01", Name: "Other"}}
			c := newController()
			Expect(c.Start()).To(Succeed())

			await(c, EventScanTimedOut)
			Expect(c.State()).To(Equal(StateIdle))
			Expect(adapter.ConnectedTo()).To(BeEmpty())
		})

		It("returns to Idle when the radio fails", func() {
			adapter.reports = nil
			adapter.scanErr = errors.New("adapter powered off")
			c := newController()
			Expect(c.Start()).To(Succeed())

			ev := await(c, EventScanFailed)
			Expect(ev.Err).To(MatchError(ErrScanFailed))
			Expect(c.State()).To(Equal(StateIdle))
		})

		It("stops scanning on request", func() {
			adapter.reports = nil
			opts.ScanTimeout = time.Minute
			c := newController()
			Expect(c.Start()).To(Succeed())
			await(c, EventScanStarted)

			c.StopScan()
			await(c, EventScanStopped)
			Expect(c.State()).To(Equal(StateIdle))
			Eventually(func() int { return sink.Count("Scan manually stopped") }).Should(Equal(1))
		})

		It("refuses to start twice", func() {
			adapter.reports = nil
			opts.ScanTimeout = time.Minute
			c := newController()
			Expect(c.Start()).To(Succeed())
			Expect(c.Start()).To(MatchError(ErrSessionActive))
			Expect(c.Close()).To(Succeed())
		})

		It("does not touch the radio when Start is rejected", func() {
			adapter.reports = nil
			opts.ScanTimeout = time.Minute
			c := newController()
			Expect(c.Start()).To(Succeed())
			Expect(adapter.Enables()).To(Equal(1))

			Expect(c.Start()).To(MatchError(ErrSessionActive))
			Expect(adapter.Enables()).To(Equal(1))
			Expect(c.Close()).To(Succeed())
		})
	})

	Describe("failures after the scan", func() {
		It("ends Disconnected when the connection fails, and restarts after Close", func() {
			adapter.connectErr = &StatusError{Status: 0x3e, Err: errors.New("connection failed to be established")}
			c := newController()
			Expect(c.Start()).To(Succeed())

			ev := await(c, EventConnectFailed)
			Expect(ev.Code()).To(Equal(0x3e))
			Expect(ev.Err).To(MatchError(ErrConnectFailed))
			Expect(c.State()).To(Equal(StateDisconnected))
			Expect(c.Start()).To(MatchError(ErrSessionActive))

			Expect(c.Close()).To(Succeed())
			Expect(c.State()).To(Equal(StateIdle))

			adapter.mu.Lock()
			adapter.connectErr = nil
			adapter.mu.Unlock()
			Expect(c.Start()).To(Succeed())
			await(c, EventReady)
		})

		It("releases the link when discovery fails", func() {
			adapter.connection().discoverErr = errors.New("att timeout")
			c := newController()
			Expect(c.Start()).To(Succeed())

			ev := await(c, EventDiscoveryFailed)
			Expect(ev.Err).To(MatchError(ErrDiscoveryFailed))
			Expect(c.State()).To(Equal(StateDisconnected))
			Eventually(adapter.connection().Disconnects).Should(Equal(1))
		})

		It("ends Disconnected when the peripheral drops the link", func() {
			c := ready()
			adapter.connection().SimulateDisconnect(errors.New("supervision timeout"))

			await(c, EventDisconnected)
			Expect(c.State()).To(Equal(StateDisconnected))
			_, err := c.Write(5, true)
			Expect(err).To(MatchError(ErrNotConnected))
			Expect(c.Tree()).To(BeEmpty())
		})

		It("ignores the completion of a write cut off by link loss", func() {
			c := ready()
			gate := make(chan struct{})
			conn := adapter.connection()
			conn.mu.Lock()
			conn.writeGate = gate
			conn.mu.Unlock()

			_, err := c.Write(5, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.State()).To(Equal(StateWriting))

			conn.SimulateDisconnect(errors.New("supervision timeout"))
			await(c, EventDisconnected)
			Expect(c.State()).To(Equal(StateDisconnected))

			close(gate)
			Eventually(conn.Writes).Should(HaveLen(1))
			Consistently(c.Events(), 100*time.Millisecond).ShouldNot(Receive(HaveField("Kind", BeElementOf(EventWriteSucceeded, EventWriteFailed))))
			Expect(c.State()).To(Equal(StateDisconnected))
			Expect(c.Tree()).To(BeEmpty())

			_, err = c.Write(6, true)
			Expect(err).To(MatchError(ErrNotConnected))
		})

		It("describes a link loss the stack gives no reason for", func() {
			c := ready()
			adapter.connection().SimulateDisconnect(nil)

			ev := await(c, EventDisconnected)
			Expect(ev.Err).To(MatchError(errLinkLost))
			Expect(ev.Err.Error()).NotTo(ContainSubstring("<nil>"))
		})

		It("watches the link before reporting Connected", func() {
			c := newController()
			Expect(c.Start()).To(Succeed())
			await(c, EventConnected)
			Expect(adapter.connection().HasDisconnectCallback()).To(BeTrue())

			adapter.connection().SimulateDisconnect(errors.New("connection terminated by peer"))
			await(c, EventDisconnected)
			Expect(c.State()).To(Equal(StateDisconnected))
		})
	})

	Describe("Close", func() {
		It("is a no-op when Idle", func() {
			Expect(newController().Close()).To(Succeed())
		})

		It("disconnects a ready session", func() {
			c := ready()
			Expect(c.Close()).To(Succeed())
			await(c, EventClosed)
			Expect(c.State()).To(Equal(StateIdle))
			Expect(adapter.connection().Disconnects()).To(Equal(1))
		})

		It("discards a connection that completes after Close", func() {
			gate := make(chan struct{})
			adapter.connectGate = gate
			c := newController()
			Expect(c.Start()).To(Succeed())
			await(c, EventTargetAcquired)
			Expect(c.State()).To(Equal(StateConnecting))

			Expect(c.Close()).To(Succeed())
			close(gate)

			Eventually(adapter.connection().Disconnects).Should(Equal(1))
			Consistently(c.State, 100*time.Millisecond).Should(Equal(StateIdle))
		})

		It("discards the completion of a write in flight", func() {
			c := ready()
			gate := make(chan struct{})
			conn := adapter.connection()
			conn.mu.Lock()
			conn.writeGate = gate
			conn.mu.Unlock()

			_, err := c.Write(5, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Close()).To(Succeed())
			close(gate)

			Eventually(conn.Writes).Should(HaveLen(1))
			Consistently(c.Events(), 100*time.Millisecond).ShouldNot(Receive(HaveField("Kind", EventWriteSucceeded)))
			Expect(c.State()).To(Equal(StateIdle))
		})
	})
})

var _ = Describe("Controller trace lines", func() {
	var adapter *mockAdapter

	BeforeEach(func() {
		adapter = newMockAdapter(Advertisement{Address: testAddress, Name: "Liam_BLE"})
	})

	options := func() Options {
		opts := DefaultOptions()
		opts.Selector = Selector{Name: "Liam_BLE"}
		opts.ScanTimeout = time.Minute
		return opts
	}

	lineIndex := func(lines []string, substr string) int {
		for i, l := range lines {
			if strings.Contains(l, substr) {
				return i
			}
		}
		return -1
	}

	It("keeps Close and State available while the sink is slow", func() {
		gate := make(chan struct{})
		adapter.connectGate = gate
		sink := newBlockingSink("Target acquired")
		c, err := NewController(adapter, options(), sink)
		Expect(err).NotTo(HaveOccurred())

		Expect(c.Start()).To(Succeed())
		Eventually(sink.blocked).Should(BeClosed())

		closed := make(chan error, 1)
		go func() { closed <- c.Close() }()
		Eventually(closed, 500*time.Millisecond).Should(Receive(BeNil()))
		Expect(c.State()).To(Equal(StateIdle))

		close(sink.release)
		close(gate)
		Eventually(sink.Lines).Should(ContainElement(ContainSubstring("Session closed")))
		lines := sink.Lines()
		Expect(lineIndex(lines, "Scan started")).To(BeNumerically("<", lineIndex(lines, "Target acquired")))
		Expect(lineIndex(lines, "Target acquired")).To(BeNumerically("<", lineIndex(lines, "Session closed")))
		Eventually(adapter.connection().Disconnects).Should(Equal(1))
	})

	It("lets the sink call back into the controller", func() {
		var c *Controller
		seen := make(chan State, 1)
		sink := SinkFunc(func(_, _ string) {
			select {
			case seen <- c.State():
			default:
			}
		})
		c, err := NewController(adapter, options(), sink)
		Expect(err).NotTo(HaveOccurred())

		Expect(c.Start()).To(Succeed())
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err = c.Await(ctx, EventReady)
		Expect(err).NotTo(HaveOccurred())
		Eventually(seen).Should(Receive())
		Expect(c.Close()).To(Succeed())
	})
})

var _ = DescribeTable("writeWithoutResponse",
	func(p gatt.Property, prefer, want bool) {
		Expect(writeWithoutResponse(p, prefer)).To(Equal(want))
	},
	Entry("both kinds, prefer request", gatt.PropWrite|gatt.PropWriteWithoutResponse, false, false),
	Entry("both kinds, prefer command", gatt.PropWrite|gatt.PropWriteWithoutResponse, true, true),
	Entry("request only", gatt.PropWrite, true, false),
	Entry("command only", gatt.PropWriteWithoutResponse, false, true),
	Entry("unknown properties", gatt.Property(0), true, true),
)
