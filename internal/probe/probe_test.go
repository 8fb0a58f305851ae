package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLatency(t *testing.T) {
	cases := []struct {
		name string
		out  string
		want float64
		ok   bool
	}{
		{"linux", "64 bytes from 1.1.1.1: icmp_seq=1 ttl=57 time=14.5 ms", 14.5, true},
		{"windows", "Reply from 1.1.1.1: bytes=32 time=15ms TTL=57", 15, true},
		{"windows sub-ms", "Reply from 127.0.0.1: bytes=32 time<1ms TTL=128", 1, true},
		{"no match", "1 packets transmitted, 1 received", 0, false},
		{"empty", "", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseLatency(tc.out)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("ParseLatency(%q) = %v,%v want %v,%v", tc.out, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestProbeSuccessWithLatency(t *testing.T) {
	var gotArgs []string
	p := New(withRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = args
		return []byte("64 bytes from 1.1.1.1: icmp_seq=1 ttl=57 time=21.3 ms\n"), nil
	}))
	res, err := p.Probe(context.Background(), "1.1.1.1", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Known)
	assert.Equal(t, MethodPing, res.Via)
	assert.InDelta(t, 21.3, res.Millis(), 0.001)
	require.NotEmpty(t, gotArgs)
	assert.Equal(t, "1.1.1.1", gotArgs[len(gotArgs)-1])
}

func TestProbeSuccessLatencyUnknown(t *testing.T) {
	p := New(withRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("garbled output"), nil
	}))
	res, err := p.Probe(context.Background(), "1.1.1.1", time.Second)
	require.NoError(t, err)
	assert.False(t, res.Known)
	assert.Equal(t, 0.0, res.Millis())
}

func TestProbeNonZeroExitIsUnreachable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	exitErr := exec.Command("sh", "-c", "exit 1").Run()
	require.Error(t, exitErr)

	calledHTTP := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calledHTTP = true
	}))
	defer srv.Close()

	p := New(
		WithFallbackURL(srv.URL),
		withRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, exitErr
		}),
	)
	_, err := p.Probe(context.Background(), "10.255.255.1", time.Second)
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, ReasonUnreachable, f.Reason)
	assert.False(t, calledHTTP, "non-zero ping exit must not fall back to HTTP")
}

func TestProbeMissingPingFallsBackToHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(WithPingPath("definitely-not-a-ping-binary-xyz"), WithFallbackURL(srv.URL))
	res, err := p.Probe(context.Background(), "1.1.1.1", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, MethodHTTP, res.Via)
	assert.True(t, res.Known)
}

func TestProbeFallbackServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := New(WithPingPath("definitely-not-a-ping-binary-xyz"), WithFallbackURL(srv.URL))
	_, err := p.Probe(context.Background(), "1.1.1.1", time.Second)
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, ReasonHTTP, f.Reason)
}

func TestProbeHungPingTimesOut(t *testing.T) {
	p := New(withRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	start := time.Now()
	_, err := p.Probe(context.Background(), "1.1.1.1", 100*time.Millisecond)
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, ReasonTimeout, f.Reason)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitSeconds(t *testing.T) {
	assert.Equal(t, 1, waitSeconds(0))
	assert.Equal(t, 1, waitSeconds(300*time.Millisecond))
	assert.Equal(t, 3, waitSeconds(3*time.Second))
	assert.Equal(t, 4, waitSeconds(3100*time.Millisecond))
}
