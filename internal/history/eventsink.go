package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/tunnelmon/internal/events"
	"github.com/loykin/tunnelmon/internal/metrics"
	"github.com/loykin/tunnelmon/internal/monitor"
)

const (
	defaultQueue = 64
	sendTimeout  = 5 * time.Second
)

// EventSink turns monitor events into history events and writes them to a
// Sink on a background goroutine. The monitor never waits for the database;
// when the queue is full the event is dropped.
type EventSink struct {
	sink   Sink
	target string
	state  func() monitor.State
	now    func() time.Time

	queue chan Event
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	lastPID int
}

// NewEventSink writes to sink. state supplies the session id, PID and last
// error at the moment each event fires; it may be nil.
func NewEventSink(sink Sink, targetURL string, state func() monitor.State) *EventSink {
	if state == nil {
		state = func() monitor.State { return monitor.State{} }
	}
	s := &EventSink{
		sink:   sink,
		target: targetURL,
		state:  state,
		now:    time.Now,
		queue:  make(chan Event, defaultQueue),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *EventSink) run() {
	defer close(s.done)
	for e := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := s.sink.Send(ctx, e); err != nil {
			slog.Warn("History write failed", "event", string(e.Type), "error", err)
		}
		cancel()
	}
}

func (s *EventSink) OnStatusChanged(st events.Status) {
	switch st {
	case events.StatusRunning:
		s.emit(EventStart, st, "")
	case events.StatusStopped:
		s.emit(EventStop, st, "")
	case events.StatusStartError:
		s.emit(EventStartError, st, "")
	}
}

func (s *EventSink) OnTunnelURL(url string) { s.emit(EventURL, events.StatusRunning, url) }

func (s *EventSink) OnDisconnect() { s.emit(EventDisconnect, events.StatusStopping, "") }

func (s *EventSink) emit(t EventType, st events.Status, url string) {
	snap := s.state()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	pid := snap.PID
	if t == EventStart && pid != 0 {
		s.lastPID = pid
	}
	if pid == 0 {
		pid = s.lastPID
	}
	if t == EventStop {
		s.lastPID = 0
	}
	rec := Record{
		SessionID: snap.SessionID,
		PID:       pid,
		TargetURL: s.target,
		TunnelURL: url,
		Status:    st.String(),
	}
	if t == EventStartError {
		rec.Error = snap.LastError
		rec.PID = 0
	}
	e := Event{Type: t, OccurredAt: s.now().UTC(), Record: rec}
	select {
	case s.queue <- e:
	default:
		metrics.IncDropped("history")
		slog.Warn("History queue full, dropping event", "event", string(t))
	}
	s.mu.Unlock()
}

// Close flushes queued events and closes the underlying sink when it is an
// io.Closer.
func (s *EventSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
	if c, ok := s.sink.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
