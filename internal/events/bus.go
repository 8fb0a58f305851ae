package events

import (
	"sync"
	"time"

	"github.com/loykin/tunnelmon/internal/metrics"
)

// Event types pushed to dashboard clients.
const (
	TypeStatusChanged  = "status_changed"
	TypeTunnelURL      = "tunnel_url"
	TypeInternetStatus = "internet_status"
	TypeDisconnect     = "disconnect"
	TypePingData       = "ping_data"
	TypeLog            = "log"
)

// Event is an immutable message published on a Bus.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	Time time.Time `json:"time"`
}

// Publisher is the write side of a Bus.
type Publisher interface {
	Publish(ev Event)
}

// Bus fans published events out to subscribers without blocking the
// publisher. It remembers the latest event of each type so late subscribers
// can catch up.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
	last map[string]Event
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event), last: make(map[string]Event)}
}

// Subscribe registers a subscriber with a buffer of size buf. The returned
// function unsubscribes and closes the channel.
func (b *Bus) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan Event, buf)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber with room in its buffer.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	b.last[ev.Type] = ev
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			metrics.IncDropped("bus")
		}
	}
}

// Last returns the most recent event of type t.
func (b *Bus) Last(t string) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev, ok := b.last[t]
	return ev, ok
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) OnStatusChanged(s Status) {
	b.Publish(Event{Type: TypeStatusChanged, Data: map[string]any{"status": s}})
}

func (b *Bus) OnTunnelURL(url string) {
	b.Publish(Event{Type: TypeTunnelURL, Data: map[string]any{"url": url}})
}

func (b *Bus) OnDisconnect() {
	b.Publish(Event{Type: TypeDisconnect, Data: map[string]any{}})
}

func (b *Bus) OnInternetStatus(connected bool) {
	b.Publish(Event{Type: TypeInternetStatus, Data: map[string]any{"connected": connected}})
}
