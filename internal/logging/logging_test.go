package logging

import (
	"testing"
	"time"
)

func TestSampler_KeepsUnregistered(t *testing.T) {
	s := newEventSampler(10)
	for i := 0; i < 5; i++ {
		if !s.keep("rare.event") {
			t.Fatal("unregistered event should never be sampled out")
		}
	}
}

func TestSampler_DownSamplesRegistered(t *testing.T) {
	s := newEventSampler(10)
	s.register("data.relay")

	kept := 0
	for i := 0; i < 100; i++ {
		if s.keep("data.relay") {
			kept++
		}
	}
	if kept != 10 {
		t.Errorf("kept %d of 100, want 10", kept)
	}
}

func TestSampler_DisabledWhenEveryIsOne(t *testing.T) {
	s := newEventSampler(1)
	s.register("data.relay")
	for i := 0; i < 10; i++ {
		if !s.keep("data.relay") {
			t.Fatal("every=1 should keep all records")
		}
	}
}

func TestLimiter_DropsOverBudget(t *testing.T) {
	l := newEventLimiter()
	l.setBudget("noisy.event", 3)

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.allow("noisy.event") {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed %d, want 3", allowed)
	}
}

func TestLimiter_WindowResets(t *testing.T) {
	l := newEventLimiter()
	l.setBudget("noisy.event", 1)

	if !l.allow("noisy.event") {
		t.Fatal("first record should pass")
	}
	if l.allow("noisy.event") {
		t.Fatal("second record in window should be dropped")
	}

	l.mu.Lock()
	l.window = time.Now().Add(-2 * time.Second)
	l.mu.Unlock()

	if !l.allow("noisy.event") {
		t.Error("record after window reset should pass")
	}
}

func TestLimiter_UnbudgetedAlwaysAllowed(t *testing.T) {
	l := newEventLimiter()
	for i := 0; i < 100; i++ {
		if !l.allow("quiet.event") {
			t.Fatal("event without a budget should always pass")
		}
	}
}

func TestSyslogSink_BufferCap(t *testing.T) {
	s := &SyslogSink{addr: "127.0.0.1:1", interval: time.Hour, done: make(chan struct{})}
	for i := 0; i < syslogBufferCap+50; i++ {
		s.Append(0, "x", nil)
	}
	s.mu.Lock()
	n := len(s.buf)
	s.mu.Unlock()
	if n != syslogBufferCap {
		t.Errorf("buffer len = %d, want cap %d", n, syslogBufferCap)
	}
}
