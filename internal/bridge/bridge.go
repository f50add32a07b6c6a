// Package bridge moves values produced on arbitrary goroutines to a single
// consumer goroutine. Producers never block, and once a bridge is closed no
// further handler invocation starts.
package bridge

import (
	"bytes"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
)

type DropReason string

const (
	DropClosed DropReason = "closed"
	DropFull   DropReason = "full"
	DropClose  DropReason = "discarded_on_close"
)

type Options struct {
	Name string
	// Capacity bounds the number of undelivered values. 0 means unbounded.
	Capacity int
	Logger   *slog.Logger
	// OnDrop is called for every value that will never reach the handler.
	OnDrop func(reason DropReason, count int)
}

type Bridge[T any] struct {
	name     string
	capacity int
	logger   *slog.Logger
	onDrop   func(DropReason, int)
	handler  func(T)

	mu     sync.Mutex
	queue  []T
	closed bool
	// delivering is set from the pop of a value until its handler call
	// returns or the value is dropped. Close waits for it to clear.
	delivering bool
	idle       *sync.Cond
	consumer   uint64

	// beforeDeliver runs between pop and handler entry. Tests only.
	beforeDeliver func()

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// New starts the consumer goroutine. handler runs serially, in the order
// values were accepted by Send.
func New[T any](handler func(T), opts Options) *Bridge[T] {
	b := build(handler, opts)
	go b.run()
	return b
}

func build[T any](handler func(T), opts Options) *Bridge[T] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.Name
	if name == "" {
		name = "bridge"
	}

	b := &Bridge[T]{
		name:     name,
		capacity: opts.Capacity,
		logger:   logger.With("component", "bridge", "bridge", name),
		onDrop:   opts.OnDrop,
		handler:  handler,
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	b.idle = sync.NewCond(&b.mu)
	return b
}

// Send enqueues v for the consumer. It reports false when v was dropped,
// either because the bridge is closed or because it is full.
func (b *Bridge[T]) Send(v T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.dropped(DropClosed, 1)
		return false
	}
	if b.capacity > 0 && len(b.queue) >= b.capacity {
		b.mu.Unlock()
		b.dropped(DropFull, 1)
		return false
	}
	b.queue = append(b.queue, v)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

// Close stops delivery. Pending values are discarded. When Close returns no
// handler call is running or about to start, unless Close was called from
// the handler itself.
func (b *Bridge[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	discarded := len(b.queue)
	b.queue = nil
	if b.consumer != 0 && goroutineID() != b.consumer {
		for b.delivering {
			b.idle.Wait()
		}
	}
	b.mu.Unlock()

	close(b.stop)
	if discarded > 0 {
		b.dropped(DropClose, discarded)
	}
}

func (b *Bridge[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bridge[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Done is closed once the consumer goroutine has exited.
func (b *Bridge[T]) Done() <-chan struct{} {
	return b.done
}

func (b *Bridge[T]) run() {
	defer close(b.done)
	b.mu.Lock()
	b.consumer = goroutineID()
	b.mu.Unlock()

	for {
		select {
		case <-b.stop:
			return
		case <-b.notify:
		}

		for {
			v, ok := b.next()
			if !ok {
				break
			}
			if b.beforeDeliver != nil {
				b.beforeDeliver()
			}
			b.deliver(v)
		}
	}
}

func (b *Bridge[T]) next() (T, bool) {
	var zero T
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.queue) == 0 {
		return zero, false
	}
	v := b.queue[0]
	b.queue[0] = zero
	b.queue = b.queue[1:]
	if len(b.queue) == 0 {
		b.queue = nil
	}
	b.delivering = true
	return v, true
}

// deliver runs the handler unless Close won the race after v was popped.
func (b *Bridge[T]) deliver(v T) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", "panic", fmt.Sprint(r))
		}
		b.mu.Lock()
		b.delivering = false
		b.idle.Broadcast()
		b.mu.Unlock()
	}()

	if closed {
		b.dropped(DropClose, 1)
		return
	}
	b.handler(v)
}

// goroutineID parses the current goroutine's id from its stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	field := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(field, ' '); i > 0 {
		field = field[:i]
	}
	id, _ := strconv.ParseUint(string(field), 10, 64)
	return id
}

func (b *Bridge[T]) dropped(reason DropReason, count int) {
	b.logger.Debug("dropping values", "reason", reason, "count", count)
	if b.onDrop != nil {
		b.onDrop(reason, count)
	}
}
