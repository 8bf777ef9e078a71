// Package logging emits the gateway's structured events.
//
// Every event is a slog record with a fixed vocabulary of attributes:
// event, subsystem, session_id, connection_id, status, duration_ms,
// bytes_in, bytes_out, reason. High-volume events can be down-sampled per
// event name, and a per-event token budget drops records beyond a rate.
// An optional syslog sink buffers records and flushes them periodically
// over TLS.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Status values for the status attribute.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

var (
	mu      sync.RWMutex
	logger  = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	sampler *eventSampler
	limiter *eventLimiter
	sink    *SyslogSink
)

// Init configures the process logger. level is one of debug, info, warn,
// error. sampleEvery > 1 keeps one out of every sampleEvery records for
// events registered via SampleEvent.
func Init(level string, sampleEvery int) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	mu.Lock()
	defer mu.Unlock()
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	sampler = newEventSampler(sampleEvery)
	limiter = newEventLimiter()
}

// SetSink attaches a syslog sink. Records are mirrored to the sink after
// local emission. Pass nil to detach.
func SetSink(s *SyslogSink) {
	mu.Lock()
	defer mu.Unlock()
	sink = s
}

// Event is a structured log event under construction.
type Event struct {
	level slog.Level
	name  string
	attrs []slog.Attr
}

// New starts an info-level event with the given name.
func New(name string) *Event {
	return &Event{level: slog.LevelInfo, name: name}
}

// Warn starts a warn-level event.
func Warn(name string) *Event {
	return &Event{level: slog.LevelWarn, name: name}
}

// Error starts an error-level event.
func Error(name string) *Event {
	return &Event{level: slog.LevelError, name: name}
}

// Debug starts a debug-level event.
func Debug(name string) *Event {
	return &Event{level: slog.LevelDebug, name: name}
}

func (e *Event) Subsystem(s string) *Event  { return e.attr(slog.String("subsystem", s)) }
func (e *Event) Session(id string) *Event   { return e.attr(slog.String("session_id", id)) }
func (e *Event) Conn(id string) *Event      { return e.attr(slog.String("connection_id", id)) }
func (e *Event) Status(s string) *Event     { return e.attr(slog.String("status", s)) }
func (e *Event) Reason(r string) *Event     { return e.attr(slog.String("reason", r)) }
func (e *Event) Err(err error) *Event       { return e.attr(slog.String("error", err.Error())) }
func (e *Event) BytesIn(n int64) *Event     { return e.attr(slog.Int64("bytes_in", n)) }
func (e *Event) BytesOut(n int64) *Event    { return e.attr(slog.Int64("bytes_out", n)) }
func (e *Event) Str(k, v string) *Event     { return e.attr(slog.String(k, v)) }
func (e *Event) Int(k string, v int) *Event { return e.attr(slog.Int(k, v)) }

// Duration records elapsed time as duration_ms.
func (e *Event) Duration(d time.Duration) *Event {
	return e.attr(slog.Int64("duration_ms", d.Milliseconds()))
}

func (e *Event) attr(a slog.Attr) *Event {
	e.attrs = append(e.attrs, a)
	return e
}

// Emit writes the event, subject to sampling and the per-event budget.
func (e *Event) Emit() {
	mu.RLock()
	l, sa, li, sk := logger, sampler, limiter, sink
	mu.RUnlock()

	if sa != nil && !sa.keep(e.name) {
		return
	}
	if li != nil && !li.allow(e.name) {
		return
	}

	attrs := append([]slog.Attr{slog.String("event", e.name)}, e.attrs...)
	l.LogAttrs(context.Background(), e.level, e.name, attrs...)

	if sk != nil {
		sk.Append(e.level, e.name, attrs)
	}
}

// SampleEvent registers an event name for down-sampling. Only registered
// events are sampled; everything else is always emitted.
func SampleEvent(name string) {
	mu.RLock()
	sa := sampler
	mu.RUnlock()
	if sa != nil {
		sa.register(name)
	}
}

// LimitEvent caps the named event to perSecond emissions per second.
func LimitEvent(name string, perSecond int) {
	mu.RLock()
	li := limiter
	mu.RUnlock()
	if li != nil {
		li.setBudget(name, perSecond)
	}
}

// eventSampler keeps one of every N records for registered event names.
type eventSampler struct {
	mu       sync.Mutex
	every    int
	counters map[string]int
	active   map[string]bool
}

func newEventSampler(every int) *eventSampler {
	return &eventSampler{
		every:    every,
		counters: make(map[string]int),
		active:   make(map[string]bool),
	}
}

func (s *eventSampler) register(name string) {
	s.mu.Lock()
	s.active[name] = true
	s.mu.Unlock()
}

func (s *eventSampler) keep(name string) bool {
	if s.every <= 1 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active[name] {
		return true
	}
	s.counters[name]++
	return s.counters[name]%s.every == 1
}

// eventLimiter drops records for an event name beyond a per-second budget.
type eventLimiter struct {
	mu      sync.Mutex
	budgets map[string]int
	counts  map[string]int
	window  time.Time
}

func newEventLimiter() *eventLimiter {
	return &eventLimiter{
		budgets: make(map[string]int),
		counts:  make(map[string]int),
		window:  time.Now(),
	}
}

func (l *eventLimiter) setBudget(name string, perSecond int) {
	l.mu.Lock()
	l.budgets[name] = perSecond
	l.mu.Unlock()
}

func (l *eventLimiter) allow(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	budget, ok := l.budgets[name]
	if !ok {
		return true
	}

	now := time.Now()
	if now.Sub(l.window) >= time.Second {
		l.window = now
		l.counts = make(map[string]int)
	}

	l.counts[name]++
	return l.counts[name] <= budget
}
