package events

// Sink receives state changes from the monitor loop. Methods are called
// synchronously from the loop (OnTunnelURL from the output scanner goroutine),
// so implementations must return quickly and be safe for concurrent use.
// Slow consumers should be wrapped with NewAsync.
type Sink interface {
	OnStatusChanged(s Status)
	OnTunnelURL(url string)
	OnDisconnect()
}

// InternetSink is implemented by sinks that also track raw connectivity.
type InternetSink interface {
	OnInternetStatus(connected bool)
}

// Nop ignores every event.
type Nop struct{}

func (Nop) OnStatusChanged(Status) {}
func (Nop) OnTunnelURL(string)     {}
func (Nop) OnDisconnect()          {}
func (Nop) OnInternetStatus(bool)  {}

// Funcs builds a Sink from optional callbacks.
type Funcs struct {
	Status   func(Status)
	URL      func(string)
	Down     func()
	Internet func(bool)
}

func (f Funcs) OnStatusChanged(s Status) {
	if f.Status != nil {
		f.Status(s)
	}
}

func (f Funcs) OnTunnelURL(url string) {
	if f.URL != nil {
		f.URL(url)
	}
}

func (f Funcs) OnDisconnect() {
	if f.Down != nil {
		f.Down()
	}
}

func (f Funcs) OnInternetStatus(c bool) {
	if f.Internet != nil {
		f.Internet(c)
	}
}

// Multi fans every event out to each sink in order.
type Multi []Sink

func (m Multi) OnStatusChanged(s Status) {
	for _, k := range m {
		k.OnStatusChanged(s)
	}
}

func (m Multi) OnTunnelURL(url string) {
	for _, k := range m {
		k.OnTunnelURL(url)
	}
}

func (m Multi) OnDisconnect() {
	for _, k := range m {
		k.OnDisconnect()
	}
}

func (m Multi) OnInternetStatus(c bool) {
	for _, k := range m {
		if is, ok := k.(InternetSink); ok {
			is.OnInternetStatus(c)
		}
	}
}
