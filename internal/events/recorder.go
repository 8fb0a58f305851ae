package events

import "sync"

// Recorder keeps every event it receives. It is meant for tests.
type Recorder struct {
	mu          sync.Mutex
	statuses    []Status
	urls        []string
	disconnects int
	internet    []bool
}

func (r *Recorder) OnStatusChanged(s Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *Recorder) OnTunnelURL(url string) {
	r.mu.Lock()
	r.urls = append(r.urls, url)
	r.mu.Unlock()
}

func (r *Recorder) OnDisconnect() {
	r.mu.Lock()
	r.disconnects++
	r.mu.Unlock()
}

func (r *Recorder) OnInternetStatus(c bool) {
	r.mu.Lock()
	r.internet = append(r.internet, c)
	r.mu.Unlock()
}

func (r *Recorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *Recorder) URLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}

func (r *Recorder) Disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnects
}

func (r *Recorder) Internet() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.internet...)
}
