// Package notify announces new tunnel URLs to external services.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/loykin/tunnelmon/internal/events"
	"github.com/loykin/tunnelmon/internal/metrics"
)

// DefaultTemplate is used when no template is configured.
const DefaultTemplate = "New Tunnel Link ({timestamp}):\n{link}"

// TimestampLayout formats {timestamp}.
const TimestampLayout = "2006-01-02 15:04:05"

// Message is one announcement.
type Message struct {
	Text string
	Link string
	At   time.Time
}

// Transport delivers a message to one service.
type Transport interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// Render substitutes {timestamp} and {link} in tmpl.
func Render(tmpl string, at time.Time, link string) string {
	if tmpl == "" {
		tmpl = DefaultTemplate
	}
	r := strings.NewReplacer("{timestamp}", at.Format(TimestampLayout), "{link}", link)
	return r.Replace(tmpl)
}

type Options struct {
	Template string
	// MinInterval spaces consecutive announcements; URLs arriving faster
	// collapse into the newest one. Zero disables the limit.
	MinInterval time.Duration
	Timeout     time.Duration
}

// Notifier sends each new tunnel URL to every transport on a background
// goroutine. Each transport sits behind its own circuit breaker.
type Notifier struct {
	opts       Options
	transports []Transport
	breakers   []*gobreaker.CircuitBreaker[struct{}]
	limiter    *rate.Limiter
	now        func() time.Time

	mu      sync.Mutex
	pending *Message
	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

// New starts a Notifier. With no transports it is a no-op sink.
func New(opts Options, transports ...Transport) *Notifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if opts.MinInterval > 0 {
		lim = rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		opts:       opts,
		transports: transports,
		limiter:    lim,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, t := range transports {
		n.breakers = append(n.breakers, newBreaker(t.Name()))
	}
	go n.run()
	return n
}

func newBreaker(name string) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "notify-" + name,
		MaxRequests: 1,
		Interval:    10 * time.Minute,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Notification circuit changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// Transports returns the configured transport names.
func (n *Notifier) Transports() []string {
	out := make([]string, 0, len(n.transports))
	for _, t := range n.transports {
		out = append(out, t.Name())
	}
	return out
}

func (n *Notifier) OnTunnelURL(url string) {
	if len(n.transports) == 0 {
		return
	}
	at := n.now()
	m := &Message{Text: Render(n.opts.Template, at, url), Link: url, At: at}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.pending = m
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Notifier) OnStatusChanged(events.Status) {}

func (n *Notifier) OnDisconnect() {}

func (n *Notifier) run() {
	defer close(n.done)
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.wake:
		}
		if err := n.limiter.Wait(n.ctx); err != nil {
			return
		}
		n.mu.Lock()
		m := n.pending
		n.pending = nil
		n.mu.Unlock()
		if m != nil {
			n.deliver(*m)
		}
	}
}

// deliver sends m to every transport. Failures are logged, never retried.
func (n *Notifier) deliver(m Message) {
	for i, t := range n.transports {
		ctx, cancel := context.WithTimeout(n.ctx, n.opts.Timeout)
		_, err := n.breakers[i].Execute(func() (struct{}, error) {
			return struct{}{}, t.Send(ctx, m)
		})
		cancel()
		switch {
		case err == nil:
			metrics.IncNotification(t.Name(), "sent")
			slog.Info("Tunnel link sent", "transport", t.Name(), "link", m.Link)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.IncNotification(t.Name(), "rejected")
			slog.Warn("Notification skipped, circuit open", "transport", t.Name())
		default:
			metrics.IncNotification(t.Name(), "failed")
			slog.Error("Failed to send tunnel link", "transport", t.Name(), "error", err)
		}
	}
}

// Close stops the worker. A message still waiting for the rate limiter is
// discarded.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	n.cancel()
	<-n.done
	return nil
}
