package logger

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultRingSize is the number of entries kept when NewRing gets size <= 0.
const DefaultRingSize = 1000

// Entry is one line held by a Ring.
type Entry struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Source  string    `json:"source"` // "app" or "cloudflared"
	Message string    `json:"message"`
}

// Ring is a bounded, sequence-numbered log buffer shared by the supervisor
// log and raw cloudflared output. Readers poll with Since.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	next    uint64
	notify  func(Entry)
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{size: size, next: 1}
}

// OnAppend registers fn to be called after each append, outside the lock.
func (r *Ring) OnAppend(fn func(Entry)) {
	r.mu.Lock()
	r.notify = fn
	r.mu.Unlock()
}

// Append stores a message and returns the stored entry.
func (r *Ring) Append(level, source, msg string) Entry {
	r.mu.Lock()
	e := Entry{Seq: r.next, Time: time.Now(), Level: level, Source: source, Message: msg}
	r.next++
	if len(r.entries) >= r.size {
		copy(r.entries, r.entries[1:])
		r.entries[len(r.entries)-1] = e
	} else {
		r.entries = append(r.entries, e)
	}
	fn := r.notify
	r.mu.Unlock()
	if fn != nil {
		fn(e)
	}
	return e
}

// WriteLine records a raw cloudflared output line.
func (r *Ring) WriteLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	r.Append("INFO", "cloudflared", line)
}

// Since returns entries with Seq greater than seq, oldest first.
func (r *Ring) Since(seq uint64) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of buffered entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Handler returns a slog handler that appends records at or above level.
func (r *Ring) Handler(level slog.Leveler) slog.Handler {
	return &ringHandler{ring: r, level: level}
}

type ringHandler struct {
	ring  *Ring
	level slog.Leveler
	attrs []slog.Attr
}

func (h *ringHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *ringHandler) Handle(_ context.Context, rec slog.Record) error {
	var b strings.Builder
	b.WriteString(rec.Message)
	write := func(a slog.Attr) bool {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(a.Value.String())
		return true
	}
	for _, a := range h.attrs {
		write(a)
	}
	rec.Attrs(write)
	h.ring.Append(rec.Level.String(), "app", b.String())
	return nil
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &ringHandler{ring: h.ring, level: h.level}
	n.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return n
}

// Groups are flattened; the ring only keeps a readable line.
func (h *ringHandler) WithGroup(string) slog.Handler { return h }
