package webhook

import (
	"testing"
	"time"
)

func TestRetryDelaySchedule(t *testing.T) {
	want := []time.Duration{0, time.Minute, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour}
	for i, d := range want {
		got, ok := RetryDelay(i + 1)
		if !ok {
			t.Fatalf("RetryDelay(%d) out of budget", i+1)
		}
		if got != d {
			t.Fatalf("RetryDelay(%d) = %v, want %v", i+1, got, d)
		}
	}
}

func TestRetryDelayBudgetExhausted(t *testing.T) {
	for _, attempt := range []int{0, -1, 6, 100} {
		if _, ok := RetryDelay(attempt); ok {
			t.Fatalf("RetryDelay(%d) allowed, want exhausted", attempt)
		}
	}
}
