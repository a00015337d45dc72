// Line-protocol metric sender for heartbeat delivery
// Writes `"name" value timestamp source="src" "k"="v"` lines to a writer or TCP proxy
package lineproto

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultDialTimeout = 5 * time.Second

// Sender writes metric points in line protocol. It implements derive.Sender
// and is safe for concurrent use.
type Sender struct {
	mu   sync.Mutex
	w    io.Writer
	dial func(ctx context.Context) (net.Conn, error)
	conn net.Conn
}

// NewWriterSender returns a Sender writing lines to w.
func NewWriterSender(w io.Writer) *Sender {
	return &Sender{w: w}
}

// NewTCPSender returns a Sender writing to a proxy at address. The
// connection is opened on first use and reopened after a write failure.
func NewTCPSender(address string) *Sender {
	d := &net.Dialer{Timeout: defaultDialTimeout}
	return &Sender{
		dial: func(ctx context.Context) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", address)
		},
	}
}

// SendMetric implements derive.Sender.
func (s *Sender) SendMetric(name string, value float64, timestamp int64, source string, tags map[string]string) error {
	line := FormatPoint(name, value, timestamp, source, tags)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.writer()
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, line); err != nil {
		s.dropConn()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

func (s *Sender) writer() (io.Writer, error) {
	if s.dial == nil {
		return s.w, nil
	}
	if s.conn == nil {
		conn, err := s.dial(context.Background())
		if err != nil {
			return nil, fmt.Errorf("connecting to proxy: %w", err)
		}
		s.conn = conn
	}
	return s.conn, nil
}

func (s *Sender) dropConn() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Close closes the proxy connection, if any.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// FormatPoint renders one point as a newline-terminated line. Tags are
// written in key order; quotes inside names and tags are escaped.
func FormatPoint(name string, value float64, timestamp int64, source string, tags map[string]string) string {
	var b strings.Builder
	b.WriteString(quote(name))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatFloat(value, 'f', -1, 64))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteString(" source=")
	b.WriteString(quote(source))
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		if tags[k] == "" {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(quote(k))
		b.WriteByte('=')
		b.WriteString(quote(tags[k]))
	}
	b.WriteByte('\n')
	return b.String()
}

var quoteEscaper = strings.NewReplacer(`"`, `\"`, "\n", `\n`)

func quote(s string) string {
	return `"` + quoteEscaper.Replace(s) + `"`
}
