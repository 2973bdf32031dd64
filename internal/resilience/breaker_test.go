package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("download failed")

func TestClosedAllowsCalls(t *testing.T) {
	b := New(3, time.Second)
	if !b.Allow() {
		t.Fatal("closed breaker must allow calls")
	}
	b.Observe(nil)
	if !b.Allow() {
		t.Fatal("successful calls keep the breaker closed")
	}
}

func TestOpensAfterMaxFailures(t *testing.T) {
	b := New(3, time.Second)

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("call %d should be admitted", i)
		}
		b.Observe(errTest)
	}

	if b.Allow() {
		t.Fatal("breaker should be open after max failures")
	}
}

func TestProbeAfterCooldown(t *testing.T) {
	now := time.Now()
	b := New(2, time.Second)
	b.now = func() time.Time { return now }

	b.Observe(errTest)
	b.Observe(errTest)
	if b.Allow() {
		t.Fatal("breaker should be open")
	}

	// Cooldown elapsed: one probe is admitted.
	now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatal("probe should be admitted after cooldown")
	}

	// Failed probe re-opens immediately.
	b.Observe(errTest)
	now = now.Add(500 * time.Millisecond)
	if b.Allow() {
		t.Fatal("failed probe should re-open the breaker")
	}

	// Successful probe closes it.
	now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatal("probe should be admitted again")
	}
	b.Observe(nil)
	if !b.Allow() {
		t.Fatal("successful probe should close the breaker")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(2, time.Second)
	b.Observe(errTest)
	b.Observe(nil)
	b.Observe(errTest)
	if !b.Allow() {
		t.Fatal("interleaved success should reset the consecutive counter")
	}
}
