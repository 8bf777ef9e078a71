package eventbus

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/billchurch/webssh2-sub005/internal/errs"
	"github.com/billchurch/webssh2-sub005/internal/logging"
)

// PublishFunc is the publish step a middleware wraps.
type PublishFunc func(Event) error

// Middleware wraps every publish. The chain runs before the event enters
// the queue, so a rejecting middleware drops the event without consuming
// queue capacity.
type Middleware func(next PublishFunc) PublishFunc

// LoggingMiddleware emits a debug record per published event. The record
// name is registered with the sampler so high-volume traffic can be
// down-sampled.
func LoggingMiddleware() Middleware {
	logging.SampleEvent("eventbus.publish")
	return func(next PublishFunc) PublishFunc {
		return func(ev Event) error {
			err := next(ev)
			e := logging.Debug("eventbus.publish").Subsystem("eventbus").
				Str("type", string(ev.Type)).Str("priority", ev.Priority.String())
			if err != nil {
				e = e.Status(logging.StatusFailure).Err(err)
			} else {
				e = e.Status(logging.StatusSuccess)
			}
			e.Emit()
			return err
		}
	}
}

// MetricsMiddleware counts publishes per type. Counts returns a snapshot.
type MetricsMiddleware struct {
	mu     sync.Mutex
	counts map[Type]uint64
}

func NewMetricsMiddleware() *MetricsMiddleware {
	return &MetricsMiddleware{counts: make(map[Type]uint64)}
}

func (m *MetricsMiddleware) Middleware() Middleware {
	return func(next PublishFunc) PublishFunc {
		return func(ev Event) error {
			m.mu.Lock()
			m.counts[ev.Type]++
			m.mu.Unlock()
			return next(ev)
		}
	}
}

func (m *MetricsMiddleware) Counts() map[Type]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Type]uint64, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}

// RateLimitMiddleware applies a per-type token bucket. Events beyond the
// budget are rejected at publish time.
func RateLimitMiddleware(perSecond float64, burst int) Middleware {
	var mu sync.Mutex
	limiters := make(map[Type]*rate.Limiter)
	return func(next PublishFunc) PublishFunc {
		return func(ev Event) error {
			mu.Lock()
			l, ok := limiters[ev.Type]
			if !ok {
				l = rate.NewLimiter(rate.Limit(perSecond), burst)
				limiters[ev.Type] = l
			}
			mu.Unlock()
			if !l.Allow() {
				return errs.Newf(errs.CodePolicyRateLimited, "event type %s rate limited", ev.Type)
			}
			return next(ev)
		}
	}
}

// DedupMiddleware rejects an event whose (type, payload) hash was already
// published within the window.
func DedupMiddleware(window time.Duration) Middleware {
	var mu sync.Mutex
	seen := make(map[uint64]time.Time)
	return func(next PublishFunc) PublishFunc {
		return func(ev Event) error {
			h := fnv.New64a()
			fmt.Fprintf(h, "%s|%v", ev.Type, ev.Payload)
			key := h.Sum64()

			now := time.Now()
			mu.Lock()
			// Opportunistic purge of expired entries.
			for k, at := range seen {
				if now.Sub(at) > window {
					delete(seen, k)
				}
			}
			if at, ok := seen[key]; ok && now.Sub(at) <= window {
				mu.Unlock()
				return errs.Newf(errs.CodeValidation, "duplicate event %s within window", ev.Type)
			}
			seen[key] = now
			mu.Unlock()
			return next(ev)
		}
	}
}

// CircuitBreaker opens a type's circuit after openAt consecutive handler
// failures and rejects its publishes until the reset period elapses.
type CircuitBreaker struct {
	mu      sync.Mutex
	openAt  int
	reset   time.Duration
	state   map[Type]*breakerState
	nowFn   func() time.Time
}

type breakerState struct {
	consecutive int
	openedAt    time.Time
	open        bool
}

// NewCircuitBreaker creates a breaker with the given thresholds.
// Defaults per config: openAt 5 failures, reset 60s.
func NewCircuitBreaker(openAt int, reset time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		openAt: openAt,
		reset:  reset,
		state:  make(map[Type]*breakerState),
		nowFn:  time.Now,
	}
}

// Middleware rejects publishes for open circuits.
func (cb *CircuitBreaker) Middleware() Middleware {
	return func(next PublishFunc) PublishFunc {
		return func(ev Event) error {
			if cb.isOpen(ev.Type) {
				return errs.Newf(errs.CodePolicyRateLimited, "circuit open for %s", ev.Type)
			}
			return next(ev)
		}
	}
}

// RecordFailure notes one handler failure for the type. The bus calls this
// for every failed event.
func (cb *CircuitBreaker) RecordFailure(typ Type) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := cb.stateFor(typ)
	s.consecutive++
	if !s.open && s.consecutive >= cb.openAt {
		s.open = true
		s.openedAt = cb.nowFn()
		logging.Warn("eventbus.circuit_open").Subsystem("eventbus").Str("type", string(typ)).Emit()
	}
}

// RecordSuccess resets the consecutive failure count for the type.
func (cb *CircuitBreaker) RecordSuccess(typ Type) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := cb.stateFor(typ)
	s.consecutive = 0
}

func (cb *CircuitBreaker) isOpen(typ Type) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := cb.stateFor(typ)
	if !s.open {
		return false
	}
	if cb.nowFn().Sub(s.openedAt) >= cb.reset {
		s.open = false
		s.consecutive = 0
		return false
	}
	return true
}

func (cb *CircuitBreaker) stateFor(typ Type) *breakerState {
	s, ok := cb.state[typ]
	if !ok {
		s = &breakerState{}
		cb.state[typ] = s
	}
	return s
}

// WithCircuitBreaker installs the breaker's middleware and feeds it handler
// outcomes from the drain loop, so the consecutive-failure count resets on
// every clean dispatch.
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(b *Bus) {
		WithMiddleware(cb.Middleware())(b)
		prevFail := b.onHandlerFailure
		b.onHandlerFailure = func(typ Type) {
			if prevFail != nil {
				prevFail(typ)
			}
			cb.RecordFailure(typ)
		}
		prevOK := b.onHandlerSuccess
		b.onHandlerSuccess = func(typ Type) {
			if prevOK != nil {
				prevOK(typ)
			}
			cb.RecordSuccess(typ)
		}
	}
}
