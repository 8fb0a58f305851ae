package scanner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/loykin/tunnelmon/internal/metrics"
)

// DefaultPattern matches the public URL cloudflared prints for quick tunnels.
const DefaultPattern = `https://[-\w]+\.trycloudflare\.com`

// DefaultMaxLine caps how much of a single line is kept; the rest is discarded.
const DefaultMaxLine = 16 * 1024

var defaultRe = regexp.MustCompile(DefaultPattern)

// Event is emitted once per output stream, on the first matching line.
type Event struct {
	URL  string    `json:"url"`
	Line string    `json:"line"`
	At   time.Time `json:"at"`
}

// LineSink receives every line read from cloudflared, in order.
type LineSink interface {
	WriteLine(line string)
}

// LineFunc adapts a function to LineSink.
type LineFunc func(line string)

func (f LineFunc) WriteLine(line string) { f(line) }

// Scanner extracts the tunnel URL from cloudflared output.
type Scanner struct {
	pattern *regexp.Regexp
	maxLine int
	sink    LineSink
}

type Option func(*Scanner)

// WithPattern replaces the URL pattern.
func WithPattern(re *regexp.Regexp) Option { return func(s *Scanner) { s.pattern = re } }

// WithLineSink forwards every line to sink.
func WithLineSink(sink LineSink) Option { return func(s *Scanner) { s.sink = sink } }

// WithMaxLine sets the per-line length cap.
func WithMaxLine(n int) Option { return func(s *Scanner) { s.maxLine = n } }

func New(opts ...Option) *Scanner {
	s := &Scanner{pattern: defaultRe, maxLine: DefaultMaxLine}
	for _, o := range opts {
		o(s)
	}
	if s.maxLine <= 0 {
		s.maxLine = DefaultMaxLine
	}
	return s
}

// CompilePattern compiles a user supplied pattern, falling back to the default
// when p is empty.
func CompilePattern(p string) (*regexp.Regexp, error) {
	if strings.TrimSpace(p) == "" {
		return defaultRe, nil
	}
	return regexp.Compile(p)
}

// Scan reads r on a new goroutine and returns a channel that carries at most
// one Event. The channel is closed when r reaches EOF or fails, or when ctx is
// done. Reading continues after the match so the writer never blocks.
func (s *Scanner) Scan(ctx context.Context, r io.Reader) <-chan Event {
	ch := make(chan Event, 1)
	go func() {
		defer close(ch)
		_ = s.Run(ctx, r, func(ev Event) { ch <- ev })
	}()
	return ch
}

// Run is the synchronous form of Scan. emit is called at most once. It returns
// nil on EOF and ctx.Err() when cancelled between lines.
func (s *Scanner) Run(ctx context.Context, r io.Reader, emit func(Event)) error {
	br := bufio.NewReaderSize(r, 4096)
	found := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := s.readLine(br)
		if line != "" || err == nil {
			if s.sink != nil {
				s.sink.WriteLine(line)
			}
			if !found {
				if u := s.pattern.FindString(line); u != "" {
					found = true
					metrics.IncURLDiscovered()
					emit(Event{URL: u, Line: line, At: time.Now()})
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// readLine returns the next line without its terminator, truncated to maxLine
// bytes and with invalid UTF-8 replaced.
func (s *Scanner) readLine(br *bufio.Reader) (string, error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if room := s.maxLine - len(buf); room > 0 {
			if len(chunk) > room {
				buf = append(buf, chunk[:room]...)
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		line := strings.TrimRight(string(buf), "\r\n")
		return strings.ToValidUTF8(line, "�"), err
	}
}
