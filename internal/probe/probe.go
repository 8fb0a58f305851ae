package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/loykin/tunnelmon/internal/metrics"
)

// DefaultTimeout bounds a single probe when the caller passes a non-positive timeout.
const DefaultTimeout = 3 * time.Second

// Method identifies how reachability was established.
type Method string

const (
	MethodPing Method = "ping"
	MethodHTTP Method = "http"
)

// Result is a successful probe outcome. When Known is false the host answered
// but the round trip could not be parsed from the ping output.
type Result struct {
	Latency time.Duration `json:"latency"`
	Known   bool          `json:"known"`
	Via     Method        `json:"via"`
}

// Millis returns the latency in milliseconds, or 0 when it is unknown.
func (r Result) Millis() float64 {
	if !r.Known {
		return 0
	}
	return float64(r.Latency) / float64(time.Millisecond)
}

// Reason classifies a failed probe.
type Reason string

const (
	ReasonUnreachable       Reason = "unreachable"
	ReasonMissingExecutable Reason = "missing-executable"
	ReasonTimeout           Reason = "timeout"
	ReasonHTTP              Reason = "http"
)

// Failure is returned for every unsuccessful probe.
type Failure struct {
	Host   string
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("probe %s: %s: %v", f.Host, f.Reason, f.Err)
	}
	return fmt.Sprintf("probe %s: %s", f.Host, f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

// runFunc executes a command and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Prober checks internet reachability with the platform ping tool and falls
// back to an HTTPS request when ping itself cannot be executed.
type Prober struct {
	pingPath    string
	fallbackURL string
	client      *http.Client
	run         runFunc
}

// Option configures a Prober.
type Option func(*Prober)

// WithPingPath overrides the ping executable.
func WithPingPath(p string) Option { return func(pr *Prober) { pr.pingPath = p } }

// WithFallbackURL pins the HTTP fallback to a fixed URL instead of https://<host>.
func WithFallbackURL(u string) Option { return func(pr *Prober) { pr.fallbackURL = u } }

// WithHTTPClient replaces the client used for the fallback request.
func WithHTTPClient(c *http.Client) Option { return func(pr *Prober) { pr.client = c } }

func withRunner(fn runFunc) Option { return func(pr *Prober) { pr.run = fn } }

func New(opts ...Option) *Prober {
	p := &Prober{
		pingPath: "ping",
		client:   &http.Client{},
		run:      runCommand,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

var defaultProber = New()

// Probe checks host with the default Prober.
func Probe(ctx context.Context, host string, timeout time.Duration) (Result, error) {
	return defaultProber.Probe(ctx, host, timeout)
}

// Probe sends a single echo request to host and waits at most timeout for the
// reply. A non-zero ping exit status is reported as unreachable; only a failure
// to execute ping at all triggers the HTTP fallback.
func (p *Prober) Probe(ctx context.Context, host string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	start := time.Now()
	res, err := p.ping(ctx, host, timeout)
	if reasonOf(err) == ReasonMissingExecutable && ctx.Err() == nil {
		res, err = p.httpProbe(ctx, host, timeout)
	}
	record(res, err, time.Since(start))
	return res, err
}

func (p *Prober) ping(ctx context.Context, host string, timeout time.Duration) (Result, error) {
	// ping enforces its own wait; the context deadline only guards against a hung binary
	cctx, cancel := context.WithTimeout(ctx, timeout+500*time.Millisecond)
	defer cancel()
	out, err := p.run(cctx, p.pingPath, pingArgs(host, timeout)...)
	if err != nil {
		var ee *exec.ExitError
		switch {
		case cctx.Err() != nil:
			return Result{}, &Failure{Host: host, Reason: ReasonTimeout, Err: cctx.Err()}
		case errors.As(err, &ee):
			return Result{}, &Failure{Host: host, Reason: ReasonUnreachable, Err: err}
		default:
			return Result{}, &Failure{Host: host, Reason: ReasonMissingExecutable, Err: err}
		}
	}
	if ms, ok := ParseLatency(string(out)); ok {
		return Result{Latency: time.Duration(ms * float64(time.Millisecond)), Known: true, Via: MethodPing}, nil
	}
	return Result{Via: MethodPing}, nil
}

func (p *Prober) httpProbe(ctx context.Context, host string, timeout time.Duration) (Result, error) {
	target := p.fallbackURL
	if target == "" {
		target = "https://" + host
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, target, nil)
	if err != nil {
		return Result{}, &Failure{Host: host, Reason: ReasonHTTP, Err: err}
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		if cctx.Err() != nil {
			return Result{}, &Failure{Host: host, Reason: ReasonTimeout, Err: err}
		}
		return Result{}, &Failure{Host: host, Reason: ReasonHTTP, Err: err}
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return Result{}, &Failure{Host: host, Reason: ReasonHTTP, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return Result{Latency: time.Since(start), Known: true, Via: MethodHTTP}, nil
}

func reasonOf(err error) Reason {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return ""
}

func record(res Result, err error, took time.Duration) {
	var f *Failure
	if errors.As(err, &f) {
		metrics.IncProbeFailure(string(f.Reason))
		return
	}
	if res.Known {
		metrics.ObserveProbeLatency(res.Latency.Seconds())
		return
	}
	metrics.ObserveProbeLatency(took.Seconds())
}

var latencyRe = regexp.MustCompile(`time[=<]([0-9.]+) ?ms`)

// ParseLatency extracts the round trip in milliseconds from ping output.
// It accepts "time=14.5 ms" (Unix) and "time=15ms" or "time<1ms" (Windows).
func ParseLatency(out string) (float64, bool) {
	m := latencyRe.FindStringSubmatch(out)
	if len(m) < 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	// #nosec G204 -- ping path comes from configuration
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}
