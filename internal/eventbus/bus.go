package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/billchurch/webssh2-sub005/internal/errs"
	"github.com/billchurch/webssh2-sub005/internal/logging"
)

// DefaultQueueCap bounds the number of queued events when no cap is given.
const DefaultQueueCap = 10000

// DefaultRetryMax is how many times a failed event is re-enqueued.
const DefaultRetryMax = 3

// Handler processes one event. A non-nil error counts as a failure and may
// trigger a retry of the event.
type Handler func(Event) error

// SubscribeOptions tune a subscription.
type SubscribeOptions struct {
	// Filter, when set, must return true for the handler to run.
	Filter func(Event) bool
	// Priority orders handlers of the same event: higher runs first.
	Priority int
	// Once removes the subscription after its first invocation.
	Once bool
}

type subscription struct {
	id      int
	typ     Type // "" for subscribeAll
	handler Handler
	opts    SubscribeOptions
}

// Bus is a process-wide event bus with a bounded priority queue and a
// single cooperative drain loop.
type Bus struct {
	mu       sync.Mutex
	queue    []Event
	queueCap int
	retryMax int

	subs    map[Type][]*subscription
	allSubs []*subscription
	nextID  int

	publishFn func(Event) error // middleware-wrapped enqueue

	stats Stats

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	idle *sync.Cond // signaled when the queue drains and the loop is idle
	busy bool

	// onHandlerFailure and onHandlerSuccess are invoked outside the bus lock
	// after each processed event; the circuit-breaker middleware registers
	// itself here.
	onHandlerFailure func(Type)
	onHandlerSuccess func(Type)
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithQueueCap sets the queue bound.
func WithQueueCap(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueCap = n
		}
	}
}

// WithRetryMax sets how many times a failed event is retried.
func WithRetryMax(n int) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.retryMax = n
		}
	}
}

// WithMiddleware composes the chain around every publish, first listed
// outermost.
func WithMiddleware(mw ...Middleware) Option {
	return func(b *Bus) {
		next := b.publishFn
		for i := len(mw) - 1; i >= 0; i-- {
			next = mw[i](next)
		}
		b.publishFn = next
	}
}

// New creates a bus and starts its drain loop.
func New(opts ...Option) *Bus {
	b := &Bus{
		queueCap: DefaultQueueCap,
		retryMax: DefaultRetryMax,
		subs:     make(map[Type][]*subscription),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	b.idle = sync.NewCond(&b.mu)
	b.publishFn = b.enqueue
	for _, o := range opts {
		o(b)
	}
	b.wg.Add(1)
	go b.drainLoop()
	return b
}

// Subscribe registers a handler for one event type. The returned function
// removes the subscription.
func (b *Bus) Subscribe(typ Type, h Handler, opts SubscribeOptions) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &subscription{id: b.nextID, typ: typ, handler: h, opts: opts}
	b.nextID++
	b.subs[typ] = append(b.subs[typ], s)
	return func() { b.remove(s) }
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler, opts SubscribeOptions) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &subscription{id: b.nextID, handler: h, opts: opts}
	b.nextID++
	b.allSubs = append(b.allSubs, s)
	return func() { b.remove(s) }
}

func (b *Bus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(s)
}

func (b *Bus) removeLocked(s *subscription) {
	if s.typ != "" {
		list := b.subs[s.typ]
		for i, cur := range list {
			if cur.id == s.id {
				b.subs[s.typ] = append(list[:i], list[i+1:]...)
				return
			}
		}
		return
	}
	for i, cur := range b.allSubs {
		if cur.id == s.id {
			b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
			return
		}
	}
}

// Publish submits one event at the given priority. It never blocks: when
// the queue is full (or a middleware rejects the event) an error is
// returned and the event is dropped.
func (b *Bus) Publish(ev Event, prio Priority) error {
	ev.Priority = prio
	return b.publishFn(ev)
}

// PublishMany submits a batch at one priority. The first failure stops the
// batch and is returned.
func (b *Bus) PublishMany(events []Event, prio Priority) error {
	for _, ev := range events {
		if err := b.Publish(ev, prio); err != nil {
			return err
		}
	}
	return nil
}

// enqueue is the innermost publish step: priority insert into the bounded
// queue.
func (b *Bus) enqueue(ev Event) error {
	b.mu.Lock()
	if len(b.queue) >= b.queueCap {
		b.stats.Dropped++
		b.mu.Unlock()
		return errs.Newf(errs.CodePolicyRateLimited, "event queue full (cap %d)", b.queueCap)
	}

	if ev.Priority == PriorityCritical {
		b.queue = append([]Event{ev}, b.queue...)
	} else {
		// Stable insert: after the last event of >= priority.
		pos := len(b.queue)
		for i := len(b.queue) - 1; i >= 0; i-- {
			if b.queue[i].Priority >= ev.Priority {
				break
			}
			pos = i
		}
		b.queue = append(b.queue, Event{})
		copy(b.queue[pos+1:], b.queue[pos:])
		b.queue[pos] = ev
	}
	b.stats.Published++
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *Bus) drainLoop() {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		for len(b.queue) == 0 {
			b.busy = false
			b.idle.Broadcast()
			b.mu.Unlock()
			select {
			case <-b.notify:
			case <-b.done:
				return
			}
			b.mu.Lock()
		}
		b.busy = true
		ev := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.process(ev)
	}
}

// process dispatches one event to its subscribers in descending subscriber
// priority. Handler errors and panics count as failures; the event is
// retried up to the cap and a system.error is published for non-system
// events.
func (b *Bus) process(ev Event) {
	start := time.Now()

	b.mu.Lock()
	matched := make([]*subscription, 0, len(b.subs[ev.Type])+len(b.allSubs))
	matched = append(matched, b.subs[ev.Type]...)
	matched = append(matched, b.allSubs...)
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].opts.Priority > matched[j].opts.Priority
	})
	b.mu.Unlock()

	failed := false
	var firstErr error
	for _, s := range matched {
		if s.opts.Filter != nil && !s.opts.Filter(ev) {
			continue
		}
		if err := b.invoke(s, ev); err != nil {
			failed = true
			if firstErr == nil {
				firstErr = err
			}
		}
		if s.opts.Once {
			b.remove(s)
		}
	}

	b.mu.Lock()
	b.stats.Processed++
	b.stats.ProcessingTime += time.Since(start)
	if failed {
		b.stats.Failed++
	}
	b.mu.Unlock()

	if !failed {
		if b.onHandlerSuccess != nil {
			b.onHandlerSuccess(ev.Type)
		}
		return
	}

	if b.onHandlerFailure != nil {
		b.onHandlerFailure(ev.Type)
	}

	if ev.Type != TypeSystemError {
		sysErr := Event{
			Type:    TypeSystemError,
			Payload: SystemError{Origin: ev.Type, Err: firstErr, Context: ev.Payload, At: time.Now()},
		}
		if err := b.Publish(sysErr, PriorityHigh); err != nil {
			logging.Warn("eventbus.system_error_dropped").Subsystem("eventbus").Err(err).Emit()
		}
	}

	if ev.retries < b.retryMax {
		ev.retries++
		retry := ev
		retry.Priority = PriorityLow // tail of the queue
		b.mu.Lock()
		if len(b.queue) < b.queueCap {
			b.queue = append(b.queue, retry)
			b.mu.Unlock()
			select {
			case b.notify <- struct{}{}:
			default:
			}
		} else {
			b.stats.Dropped++
			b.mu.Unlock()
		}
	}
}

func (b *Bus) invoke(s *subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on %s: %v", ev.Type, r)
			logging.Error("eventbus.handler_panic").Subsystem("eventbus").Str("type", string(ev.Type)).Str("panic", fmt.Sprint(r)).Emit()
		}
	}()
	return s.handler(ev)
}

// Flush blocks until the queue is empty and the drain loop is idle, or the
// context expires.
func (b *Bus) Flush(ctx context.Context) error {
	doneCh := make(chan struct{})
	go func() {
		b.mu.Lock()
		for len(b.queue) > 0 || b.busy {
			b.idle.Wait()
		}
		b.mu.Unlock()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		// Wake the waiter so its goroutine can exit once the bus drains.
		b.idle.Broadcast()
		return ctx.Err()
	}
}

// Clear discards all queued events.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.queue = nil
	b.mu.Unlock()
}

// GetStats returns a snapshot of the counters.
func (b *Bus) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.QueueSize = len(b.queue)
	return s
}

// Close stops the drain loop. Pending events are abandoned.
func (b *Bus) Close() {
	close(b.done)
	b.wg.Wait()
}
