package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncTunnelStart()
	IncTunnelStartError()
	IncTunnelStop("graceful")
	IncURLDiscovered()
	IncDisconnect()
	IncProbeFailure("timeout")
	ObserveProbeLatency(0.015)
	SetRetryCount(2)
	RecordStateTransition("stopped", "running")
	SetCurrentStatus("running", true)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"tunnelmon_tunnel_starts_total":             false,
		"tunnelmon_tunnel_start_errors_total":       false,
		"tunnelmon_tunnel_stops_total":              false,
		"tunnelmon_tunnel_urls_discovered_total":    false,
		"tunnelmon_internet_disconnects_total":      false,
		"tunnelmon_probe_failures_total":            false,
		"tunnelmon_probe_latency_seconds":           false,
		"tunnelmon_monitor_retry_count":             false,
		"tunnelmon_monitor_state_transitions_total": false,
		"tunnelmon_monitor_current_status":          false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHelpersNoopBeforeRegister(t *testing.T) {
	regOK.Store(false)
	// must not panic
	IncTunnelStart()
	IncProbeFailure("unreachable")
	SetCurrentStatus("stopped", true)
	ResetProcess()
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncTunnelStart()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "tunnelmon_tunnel_starts_total") {
		t.Fatalf("metrics output missing tunnel starts counter")
	}
}

func TestSampleProcessSelf(t *testing.T) {
	st, err := SampleProcess(os.Getpid())
	if err != nil {
		t.Fatalf("sample self: %v", err)
	}
	if st.PID != int32(os.Getpid()) {
		t.Fatalf("pid mismatch: %d", st.PID)
	}
	if st.MemoryRSS == 0 {
		t.Fatalf("expected non-zero rss for current process")
	}
}

func TestSampleProcessInvalidPID(t *testing.T) {
	if _, err := SampleProcess(0); err == nil {
		t.Fatalf("expected error for pid 0")
	}
}
