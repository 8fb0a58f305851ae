package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/tunnelmon/internal/events"
	"github.com/loykin/tunnelmon/internal/logger"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBuffer     = 256
)

// originPolicy decides which browser origins may open /ws. With no list
// configured only same-host origins pass; "*" allows any.
type originPolicy struct {
	any     bool
	origins map[string]bool
	hosts   map[string]bool
}

func newOriginPolicy(allowed []string) originPolicy {
	p := originPolicy{origins: make(map[string]bool), hosts: make(map[string]bool)}
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
			continue
		case o == "*":
			p.any = true
		default:
			p.origins[o] = true
			if u, err := url.Parse(o); err == nil && u.Host != "" {
				p.hosts[u.Host] = true
			}
		}
	}
	return p
}

func (p originPolicy) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.any {
		return true
	}
	if p.origins[origin] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if len(p.origins) > 0 {
		return p.hosts[u.Host]
	}
	return strings.EqualFold(u.Host, r.Host)
}

// BridgeLogs republishes every ring entry as a log event on pub.
func BridgeLogs(ring *logger.Ring, pub events.Publisher) {
	ring.OnAppend(func(e logger.Entry) {
		pub.Publish(events.Event{Type: events.TypeLog, Data: e, Time: e.Time})
	})
}

// greeting is what a client sees on connect: current status, the last URL,
// internet status and ping data.
func (r *Router) greeting() []events.Event {
	now := time.Now()
	st := r.opts.Monitor.Snapshot()
	status := st.Status
	if status == "" {
		status = events.StatusStopped
	}
	out := []events.Event{{Type: events.TypeStatusChanged, Data: map[string]any{"status": status}, Time: now}}
	if st.LastTunnelURL != "" {
		out = append(out, events.Event{Type: events.TypeTunnelURL, Data: map[string]any{"url": st.LastTunnelURL}, Time: now})
	}
	if r.opts.Bus != nil {
		if ev, ok := r.opts.Bus.Last(events.TypeInternetStatus); ok {
			out = append(out, ev)
		} else if !st.LastCheck.IsZero() {
			out = append(out, events.Event{Type: events.TypeInternetStatus, Data: map[string]any{"connected": st.Internet}, Time: now})
		}
	}
	if r.opts.Ping != nil {
		if d := r.opts.Ping.Snapshot(); !d.LastAt.IsZero() {
			out = append(out, events.Event{Type: events.TypePingData, Data: d, Time: now})
		}
	}
	return out
}

func (r *Router) handleWS(c *gin.Context) {
	upgrader := websocket.Upgrader{CheckOrigin: r.origins.check}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "remote", c.Request.RemoteAddr, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	slog.Debug("WebSocket client connected", "remote", c.Request.RemoteAddr)

	var feed <-chan events.Event
	if r.opts.Bus != nil {
		ch, unsubscribe := r.opts.Bus.Subscribe(wsBuffer)
		defer unsubscribe()
		feed = ch
	}

	for _, ev := range r.greeting() {
		if err := writeEvent(conn, ev); err != nil {
			return
		}
	}

	// The client never sends anything meaningful; reading drives pong and
	// close handling.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			slog.Debug("WebSocket client disconnected", "remote", c.Request.RemoteAddr)
			return
		case <-r.opts.Context.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev events.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(ev)
}
