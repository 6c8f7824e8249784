package buffer

import (
	"sync"
	"time"

	"example.com/backstage/services/forwarder/internal/models"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Add after Teardown.
var ErrClosed = errors.New("buffer is closed")

// FlushFunc receives each drained batch of events. It runs while the buffer
// is locked, so it must hand the events off without blocking and must not
// call back into the Buffer.
type FlushFunc func(events []models.IncomingEvent)

// Options bounds a Buffer.
type Options struct {
	// MaxBytes triggers a flush once the size estimate reaches it.
	MaxBytes int
	// Interval is the longest an event waits before a timer flush.
	Interval time.Duration
	// Observe, when set, receives the pending event count and size estimate
	// after every change. It runs under the same lock as FlushFunc.
	Observe func(events, bytes int)
}

// Buffer accumulates events in memory and hands them to a FlushFunc when
// either the size limit is reached or the interval since the first pending
// event elapses, whichever comes first.
type Buffer struct {
	mu       sync.Mutex
	opts     Options
	onFlush  FlushFunc
	events   []models.IncomingEvent
	size     int
	deadline time.Time
	timer    *time.Timer
	gen      uint64
	closed   bool
}

// New creates an empty Buffer.
func New(opts Options, onFlush FlushFunc) *Buffer {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	return &Buffer{
		opts:    opts,
		onFlush: onFlush,
	}
}

// Add appends an event. If the size estimate reaches the limit, all pending
// events are flushed before Add returns.
func (b *Buffer) Add(ev models.IncomingEvent) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	if len(b.events) == 0 {
		b.arm()
	}
	b.events = append(b.events, ev)
	b.size += ev.Size()

	if b.size >= b.opts.MaxBytes {
		b.deliver(b.drain())
	} else {
		b.report()
	}
	b.mu.Unlock()
	return nil
}

// Flush drains all pending events. It is a no-op when nothing is pending.
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliver(b.drain())
}

// Teardown performs the final flush and rejects further events. Calling it
// again has no effect.
func (b *Buffer) Teardown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.deliver(b.drain())
	b.mu.Unlock()
}

// Len returns the number of pending events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Size returns the current size estimate in bytes.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Deadline returns when the pending events will be flushed by the timer.
// It is zero while the buffer is empty.
func (b *Buffer) Deadline() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deadline
}

// arm starts the flush timer for a new pending sequence. Callers hold mu.
func (b *Buffer) arm() {
	gen := b.gen
	b.deadline = time.Now().Add(b.opts.Interval)
	b.timer = time.AfterFunc(b.opts.Interval, func() {
		b.expire(gen)
	})
}

// expire is the timer callback. A timer from an already drained sequence is
// ignored.
func (b *Buffer) expire(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen {
		return
	}
	b.deliver(b.drain())
}

// drain swaps out the pending sequence and resets size, deadline and timer.
// Callers hold mu.
func (b *Buffer) drain() []models.IncomingEvent {
	if len(b.events) == 0 {
		return nil
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++

	drained := b.events
	b.events = nil
	b.size = 0
	b.deadline = time.Time{}
	b.report()
	return drained
}

func (b *Buffer) report() {
	if b.opts.Observe != nil {
		b.opts.Observe(len(b.events), b.size)
	}
}

func (b *Buffer) deliver(events []models.IncomingEvent) {
	if len(events) == 0 || b.onFlush == nil {
		return
	}
	b.onFlush(events)
}
