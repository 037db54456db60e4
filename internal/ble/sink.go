package ble

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Trace tags recorded by the controller.
const (
	TagBLE  = "[BLE]"
	TagGATT = "[BLE:GAT]"
)

// Sink receives human-readable trace lines. Implementations must not fail
// and should not block; the controller never depends on them.
type Sink interface {
	Record(tag, message string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(tag, message string)

func (f SinkFunc) Record(tag, message string) { f(tag, message) }

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Record(string, string) {}

// SlogSink writes each record as a slog Info line prefixed with its tag.
type SlogSink struct {
	Logger *slog.Logger // nil means slog.Default()
}

func (s SlogSink) Record(tag, message string) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info(tag + " " + message)
}

// AsyncSink forwards records to another Sink from its own goroutine so that
// Record never blocks. When the buffer is full the record is dropped and
// counted.
type AsyncSink struct {
	next    Sink
	ch      chan record
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

type record struct{ tag, message string }

// NewAsyncSink starts forwarding to next with the given buffer size.
func NewAsyncSink(next Sink, buffer int) *AsyncSink {
	if next == nil {
		panic("ble: NewAsyncSink called with nil sink")
	}
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		next: next,
		ch:   make(chan record, buffer),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for r := range s.ch {
		s.next.Record(r.tag, r.message)
	}
}

func (s *AsyncSink) Record(tag, message string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.ch <- record{tag, message}:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of records lost to a full buffer or a closed sink.
func (s *AsyncSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close flushes buffered records and stops the forwarding goroutine.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	<-s.done
}
