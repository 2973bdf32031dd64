package task

import "testing"

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusRunning} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestTokenUsageTotal(t *testing.T) {
	u := TokenUsage{Input: 10, Output: 2, CacheRead: 5, CacheWrite: 1}
	if u.Total() != 18 {
		t.Fatalf("total = %d, want 18", u.Total())
	}
}
