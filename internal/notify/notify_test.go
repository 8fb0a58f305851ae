package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	name string
	fail bool

	mu   sync.Mutex
	msgs []Message
	hits int
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Send(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits++
	if f.fail {
		return errors.New("boom")
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeTransport) sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.msgs...)
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits
}

func TestRender(t *testing.T) {
	at := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	got := Render("", at, "https://abc-def.trycloudflare.com")
	assert.Equal(t, "New Tunnel Link (2024-03-09 14:05:07):\nhttps://abc-def.trycloudflare.com", got)
	assert.Equal(t, "go https://x.trycloudflare.com now", Render("go {link} now", at, "https://x.trycloudflare.com"))
}

func TestNotifierDeliversToAllTransports(t *testing.T) {
	a := &fakeTransport{name: "a"}
	b := &fakeTransport{name: "b"}
	n := New(Options{Template: "{link}"}, a, b)
	defer func() { _ = n.Close() }()

	n.OnStatusChanged("running")
	n.OnDisconnect()
	n.OnTunnelURL("https://abc-def.trycloudflare.com")

	require.Eventually(t, func() bool { return len(a.sent()) == 1 && len(b.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "https://abc-def.trycloudflare.com", a.sent()[0].Text)
	assert.Equal(t, "https://abc-def.trycloudflare.com", b.sent()[0].Link)
	assert.Equal(t, []string{"a", "b"}, n.Transports())
}

func TestNotifierFailingTransportDoesNotBlockOthers(t *testing.T) {
	bad := &fakeTransport{name: "bad", fail: true}
	good := &fakeTransport{name: "good"}
	n := New(Options{}, bad, good)
	defer func() { _ = n.Close() }()

	n.OnTunnelURL("https://one.trycloudflare.com")
	require.Eventually(t, func() bool { return len(good.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, bad.calls())
}

func TestNotifierCircuitOpensAfterRepeatedFailures(t *testing.T) {
	bad := &fakeTransport{name: "bad", fail: true}
	n := New(Options{}, bad)
	defer func() { _ = n.Close() }()

	for i := 0; i < 5; i++ {
		n.OnTunnelURL("https://x.trycloudflare.com")
		// wait until this message has been picked up
		want := i + 1
		if want > 3 {
			want = 3
		}
		require.Eventually(t, func() bool { return bad.calls() >= want }, 2*time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
	}
	// the breaker trips after three consecutive failures
	assert.Equal(t, 3, bad.calls())
}

func TestNotifierRateLimitCollapsesToNewest(t *testing.T) {
	tr := &fakeTransport{name: "t"}
	n := New(Options{Template: "{link}", MinInterval: 300 * time.Millisecond}, tr)
	defer func() { _ = n.Close() }()

	n.OnTunnelURL("https://first.trycloudflare.com")
	require.Eventually(t, func() bool { return len(tr.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)

	n.OnTunnelURL("https://second.trycloudflare.com")
	n.OnTunnelURL("https://third.trycloudflare.com")
	require.Eventually(t, func() bool { return len(tr.sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(400 * time.Millisecond)

	msgs := tr.sent()
	require.Len(t, msgs, 2)
	assert.Equal(t, "https://first.trycloudflare.com", msgs[0].Link)
	assert.Equal(t, "https://third.trycloudflare.com", msgs[1].Link)
}

func TestNotifierWithoutTransportsIsNoop(t *testing.T) {
	n := New(Options{})
	n.OnTunnelURL("https://x.trycloudflare.com")
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	n.OnTunnelURL("https://y.trycloudflare.com")
}

func TestWebhookSend(t *testing.T) {
	var got webhookPayload
	var ctype string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctype = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := &Webhook{URL: srv.URL}
	require.NoError(t, w.Send(context.Background(), Message{Text: "hello", Link: "https://a.trycloudflare.com", At: at}))
	assert.Equal(t, "application/json", ctype)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "https://a.trycloudflare.com", got.Link)
	assert.True(t, got.Timestamp.Equal(at))
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	err := (&Webhook{URL: srv.URL}).Send(context.Background(), Message{Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "nope")
}

func TestTwilioSend(t *testing.T) {
	var (
		path       string
		form       url.Values
		user, pass string
		ok         bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		user, pass, ok = r.BasicAuth()
		b, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(b))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	tw := &Twilio{SID: "AC123", Token: "secret", From: "+14155238886", To: "whatsapp:+8801000000000", BaseURL: srv.URL}
	require.NoError(t, tw.Send(context.Background(), Message{Text: "New Tunnel Link"}))

	assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", path)
	assert.True(t, ok)
	assert.Equal(t, "AC123", user)
	assert.Equal(t, "secret", pass)
	assert.Equal(t, "whatsapp:+14155238886", form.Get("From"))
	assert.Equal(t, "whatsapp:+8801000000000", form.Get("To"))
	assert.Equal(t, "New Tunnel Link", form.Get("Body"))
}
