package eventbus

import (
	"testing"
	"time"

	"github.com/billchurch/webssh2-sub005/internal/errs"
)

func TestRateLimitMiddleware(t *testing.T) {
	mw := RateLimitMiddleware(1, 2) // 1/s, burst 2
	var published int
	next := func(Event) error { published++; return nil }
	fn := mw(next)

	ev := Event{Type: TypeTermResize}
	if err := fn(ev); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := fn(ev); err != nil {
		t.Fatalf("second publish within burst: %v", err)
	}
	if err := fn(ev); err == nil {
		t.Error("third publish should be rate limited")
	} else if errs.CodeOf(err) != errs.CodePolicyRateLimited {
		t.Errorf("code = %s, want rate limited", errs.CodeOf(err))
	}
	if published != 2 {
		t.Errorf("published = %d, want 2", published)
	}
}

func TestRateLimitMiddleware_PerType(t *testing.T) {
	mw := RateLimitMiddleware(1, 1)
	next := func(Event) error { return nil }
	fn := mw(next)

	if err := fn(Event{Type: TypeTermResize}); err != nil {
		t.Fatalf("first type: %v", err)
	}
	// Different type has its own bucket.
	if err := fn(Event{Type: TypeConnClosed}); err != nil {
		t.Errorf("second type should not share the bucket: %v", err)
	}
}

func TestDedupMiddleware(t *testing.T) {
	mw := DedupMiddleware(time.Minute)
	var published int
	fn := mw(func(Event) error { published++; return nil })

	ev := Event{Type: TypeAuthSuccess, Payload: "alice"}
	if err := fn(ev); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := fn(ev); err == nil {
		t.Error("duplicate within window should be rejected")
	}
	if err := fn(Event{Type: TypeAuthSuccess, Payload: "bob"}); err != nil {
		t.Errorf("different payload should pass: %v", err)
	}
	if published != 2 {
		t.Errorf("published = %d, want 2", published)
	}
}

func TestCircuitBreaker_OpensAndResets(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	now := time.Unix(0, 0)
	cb.nowFn = func() time.Time { return now }

	fn := cb.Middleware()(func(Event) error { return nil })
	ev := Event{Type: TypeConnError}

	for i := 0; i < 3; i++ {
		if err := fn(ev); err != nil {
			t.Fatalf("publish %d before open: %v", i, err)
		}
		cb.RecordFailure(TypeConnError)
	}

	if err := fn(ev); err == nil {
		t.Fatal("circuit should be open after 3 consecutive failures")
	}

	// Other types stay closed.
	if err := fn(Event{Type: TypeConnClosed}); err != nil {
		t.Errorf("unrelated type rejected: %v", err)
	}

	// After the reset period the circuit closes again.
	now = now.Add(2 * time.Minute)
	if err := fn(ev); err != nil {
		t.Errorf("circuit should reset after cool-down: %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	fn := cb.Middleware()(func(Event) error { return nil })

	cb.RecordFailure(TypeConnError)
	cb.RecordFailure(TypeConnError)
	cb.RecordSuccess(TypeConnError)
	cb.RecordFailure(TypeConnError)

	if err := fn(Event{Type: TypeConnError}); err != nil {
		t.Errorf("circuit opened despite interleaved success: %v", err)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	m := NewMetricsMiddleware()
	fn := m.Middleware()(func(Event) error { return nil })

	fn(Event{Type: TypeAuthSuccess})
	fn(Event{Type: TypeAuthSuccess})
	fn(Event{Type: TypeConnClosed})

	counts := m.Counts()
	if counts[TypeAuthSuccess] != 2 || counts[TypeConnClosed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestBusWithBreaker_SuccessResetsConsecutive(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Hour)
	b := New(WithRetryMax(0), WithCircuitBreaker(cb))
	defer b.Close()

	b.Subscribe(TypeConnError, func(ev Event) error {
		if ev.Payload == "bad" {
			return errs.New(errs.CodeInternal, "boom")
		}
		return nil
	}, SubscribeOptions{})

	// Failures interleaved with a success never reach two consecutive.
	for _, payload := range []string{"bad", "ok", "bad"} {
		if err := b.Publish(Event{Type: TypeConnError, Payload: payload}, PriorityNormal); err != nil {
			t.Fatalf("publish %q: %v", payload, err)
		}
		flush(t, b)
	}

	if err := b.Publish(Event{Type: TypeConnError, Payload: "ok"}, PriorityNormal); err != nil {
		t.Errorf("circuit opened on non-consecutive failures: %v", err)
	}
}

func TestBusWithBreaker_EndToEnd(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)
	b := New(WithRetryMax(0), WithCircuitBreaker(cb))
	defer b.Close()

	b.Subscribe(TypeConnError, func(Event) error {
		return errs.New(errs.CodeInternal, "boom")
	}, SubscribeOptions{})

	b.Publish(Event{Type: TypeConnError}, PriorityNormal)
	flush(t, b)

	// One failure with openAt=1 opens the circuit.
	if err := b.Publish(Event{Type: TypeConnError}, PriorityNormal); err == nil {
		t.Error("publish should be rejected while circuit is open")
	}
}
