package events

import (
	"log/slog"
	"sync"

	"github.com/loykin/tunnelmon/internal/metrics"
)

// Async delivers events to the wrapped sink on its own goroutine so the
// caller never blocks. When the queue is full the event is dropped.
type Async struct {
	name  string
	next  Sink
	queue chan func()
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewAsync starts a worker that forwards events to next in order.
func NewAsync(name string, next Sink, size int) *Async {
	if size <= 0 {
		size = 64
	}
	a := &Async{name: name, next: next, queue: make(chan func(), size), done: make(chan struct{})}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for fn := range a.queue {
		a.call(fn)
	}
}

func (a *Async) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event sink panicked", "sink", a.name, "panic", r)
		}
	}()
	fn()
}

func (a *Async) enqueue(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- fn:
	default:
		metrics.IncDropped(a.name)
		slog.Warn("Event queue full, dropping event", "sink", a.name)
	}
}

func (a *Async) OnStatusChanged(s Status) { a.enqueue(func() { a.next.OnStatusChanged(s) }) }
func (a *Async) OnTunnelURL(url string)   { a.enqueue(func() { a.next.OnTunnelURL(url) }) }
func (a *Async) OnDisconnect()            { a.enqueue(a.next.OnDisconnect) }

func (a *Async) OnInternetStatus(c bool) {
	if is, ok := a.next.(InternetSink); ok {
		a.enqueue(func() { is.OnInternetStatus(c) })
	}
}

// Close stops accepting events and waits until queued ones are delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}
