// Package sampler runs the dashboard's background probes independently of
// the monitor loop.
package sampler

import (
	"context"
	"sync"
	"time"

	"github.com/loykin/tunnelmon/internal/events"
	"github.com/loykin/tunnelmon/internal/probe"
)

// Prober checks one host. *probe.Prober satisfies it.
type Prober interface {
	Probe(ctx context.Context, host string, timeout time.Duration) (probe.Result, error)
}

// Point is one ping sample. Reachable reports whether the host answered;
// PingMs is nil when it did not or when the latency is unknown, e.g. a ping
// reply whose time could not be parsed.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	PingMs    *float64  `json:"ping_time"`
	Reachable bool      `json:"reachable"`
}

// Stats summarise the successful samples in a history.
type Stats struct {
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// PingData is what the dashboard shows for latency.
type PingData struct {
	Host          string    `json:"host"`
	LastAt        time.Time `json:"last_at"`
	LastPing      *float64  `json:"last_ping_time"`
	LastReachable bool      `json:"last_reachable"`
	History       []Point   `json:"ping_history"`
	Stats         Stats     `json:"stats"`
}

// ComputeStats only counts samples with a latency. An empty or all-failed
// history yields zero stats.
func ComputeStats(points []Point) Stats {
	var s Stats
	var sum float64
	for _, p := range points {
		if p.PingMs == nil {
			continue
		}
		v := *p.PingMs
		if s.Count == 0 || v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		sum += v
		s.Count++
	}
	if s.Count > 0 {
		s.Avg = sum / float64(s.Count)
	}
	return s
}

// PingOptions configure a PingSampler.
type PingOptions struct {
	Host        func() string // read before every sample so settings changes apply
	Interval    time.Duration
	Timeout     time.Duration
	HistorySize int
}

// PingSampler pings a host at a fixed interval, keeps a bounded history and
// publishes ping_data events. It implements suture.Service.
type PingSampler struct {
	opts   PingOptions
	prober Prober
	pub    events.Publisher
	now    func() time.Time

	mu      sync.Mutex
	history []Point
	last    Point
	host    string
}

func NewPingSampler(opts PingOptions, prober Prober, pub events.Publisher) *PingSampler {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 60
	}
	if opts.Host == nil {
		opts.Host = func() string { return "1.1.1.1" }
	}
	return &PingSampler{opts: opts, prober: prober, pub: pub, now: time.Now}
}

func (p *PingSampler) String() string { return "ping-sampler" }

// Serve implements suture.Service.
func (p *PingSampler) Serve(ctx context.Context) error {
	t := time.NewTicker(p.opts.Interval)
	defer t.Stop()
	for {
		p.Sample(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Sample takes one measurement, records it and publishes the new data.
func (p *PingSampler) Sample(ctx context.Context) PingData {
	host := p.opts.Host()
	res, err := p.prober.Probe(ctx, host, p.opts.Timeout)
	if ctx.Err() != nil {
		return p.Snapshot()
	}
	var ms *float64
	if err == nil && res.Known {
		v := res.Millis()
		ms = &v
	}
	d := p.Observe(host, p.now(), err == nil, ms)
	if p.pub != nil {
		p.pub.Publish(events.Event{Type: events.TypePingData, Data: d})
	}
	return d
}

// Observe appends a sample taken elsewhere, e.g. a manual ping test. ms is
// dropped when reachable is false.
func (p *PingSampler) Observe(host string, at time.Time, reachable bool, ms *float64) PingData {
	if !reachable {
		ms = nil
	}
	pt := Point{Timestamp: at, PingMs: ms, Reachable: reachable}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, pt)
	if over := len(p.history) - p.opts.HistorySize; over > 0 {
		p.history = append([]Point(nil), p.history[over:]...)
	}
	p.last, p.host = pt, host
	return p.snapshotLocked()
}

// Snapshot returns a copy of the current data.
func (p *PingSampler) Snapshot() PingData {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *PingSampler) snapshotLocked() PingData {
	h := append([]Point(nil), p.history...)
	return PingData{
		Host:          p.host,
		LastAt:        p.last.Timestamp,
		LastPing:      p.last.PingMs,
		LastReachable: p.last.Reachable,
		History:       h,
		Stats:         ComputeStats(h),
	}
}
