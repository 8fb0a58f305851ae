package sampler

import (
	"context"
	"sync"
	"time"

	"github.com/loykin/tunnelmon/internal/events"
)

// InternetSampler checks connectivity at a fixed interval and publishes
// internet_status events. It implements suture.Service.
type InternetSampler struct {
	host     func() string
	interval time.Duration
	timeout  time.Duration
	prober   Prober
	pub      events.Publisher

	mu        sync.Mutex
	connected bool
	known     bool
}

func NewInternetSampler(host func() string, interval, timeout time.Duration, prober Prober, pub events.Publisher) *InternetSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if host == nil {
		host = func() string { return "1.1.1.1" }
	}
	return &InternetSampler{host: host, interval: interval, timeout: timeout, prober: prober, pub: pub}
}

func (s *InternetSampler) String() string { return "internet-sampler" }

// Serve implements suture.Service.
func (s *InternetSampler) Serve(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.Check(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Check probes once and publishes the result.
func (s *InternetSampler) Check(ctx context.Context) bool {
	_, err := s.prober.Probe(ctx, s.host(), s.timeout)
	if ctx.Err() != nil {
		c, _ := s.Connected()
		return c
	}
	up := err == nil
	s.mu.Lock()
	s.connected, s.known = up, true
	s.mu.Unlock()
	if s.pub != nil {
		s.pub.Publish(events.Event{Type: events.TypeInternetStatus, Data: map[string]any{"connected": up}})
	}
	return up
}

// Connected returns the last result and whether any check has completed.
func (s *InternetSampler) Connected() (connected, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected, s.known
}
