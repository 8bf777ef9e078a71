package logging

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// syslogBufferCap bounds the number of records held between flushes.
// Records beyond the cap are dropped oldest-first.
const syslogBufferCap = 1000

// SyslogSink buffers formatted records and flushes them to a remote syslog
// receiver on a fixed interval. The connection is re-dialed on flush failure;
// a flush never blocks record emission.
type SyslogSink struct {
	addr     string
	useTLS   bool
	interval time.Duration

	mu     sync.Mutex
	buf    []string
	conn   net.Conn
	done   chan struct{}
	closed bool
}

// NewSyslogSink creates a sink targeting addr (host:port) and starts its
// flush loop.
func NewSyslogSink(addr string, useTLS bool, interval time.Duration) *SyslogSink {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &SyslogSink{
		addr:     addr,
		useTLS:   useTLS,
		interval: interval,
		done:     make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Append queues one record for the next flush.
func (s *SyslogSink) Append(level slog.Level, name string, attrs []slog.Attr) {
	var b strings.Builder
	fmt.Fprintf(&b, "<%d>%s webssh2 %s", priority(level), time.Now().Format(time.RFC3339), name)
	for _, a := range attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf = append(s.buf, b.String())
	if len(s.buf) > syslogBufferCap {
		s.buf = s.buf[len(s.buf)-syslogBufferCap:]
	}
}

func (s *SyslogSink) flushLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Flush()
		case <-s.done:
			s.Flush()
			return
		}
	}
}

// Flush sends all buffered records. On write failure the connection is
// dropped and the unsent records stay queued for the next attempt.
func (s *SyslogSink) Flush() {
	s.mu.Lock()
	pending := s.buf
	s.buf = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	conn, err := s.connect()
	if err != nil {
		s.requeue(pending)
		return
	}

	for i, line := range pending {
		if _, err := fmt.Fprintln(conn, line); err != nil {
			s.dropConn()
			s.requeue(pending[i:])
			return
		}
	}
}

func (s *SyslogSink) connect() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	var (
		conn net.Conn
		err  error
	)
	if s.useTLS {
		conn, err = tls.DialWithDialer(&net.Dialer{Timeout: 5 * time.Second}, "tcp", s.addr, nil)
	} else {
		conn, err = net.DialTimeout("tcp", s.addr, 5*time.Second)
	}
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *SyslogSink) dropConn() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *SyslogSink) requeue(lines []string) {
	s.mu.Lock()
	s.buf = append(lines, s.buf...)
	if len(s.buf) > syslogBufferCap {
		s.buf = s.buf[:syslogBufferCap]
	}
	s.mu.Unlock()
}

// Close stops the flush loop after a final flush attempt.
func (s *SyslogSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.dropConn()
}

func priority(level slog.Level) int {
	// facility 1 (user-level), severity per RFC 5424
	switch {
	case level >= slog.LevelError:
		return 8*1 + 3
	case level >= slog.LevelWarn:
		return 8*1 + 4
	case level >= slog.LevelInfo:
		return 8*1 + 6
	default:
		return 8*1 + 7
	}
}
