package session

import (
	"testing"
	"time"
)

func TestReconnectBackoff(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}

	for i, want := range delays {
		got := backoffDelay(i, 30)
		if got != want {
			t.Errorf("backoffDelay(%d, 30) = %v, want %v", i, got, want)
		}
	}
}

func TestBackoffOverflowProtection(t *testing.T) {
	for _, attempt := range []int{31, 63, 64, 1000} {
		if got := backoffDelay(attempt, 30); got != 30*time.Second {
			t.Errorf("backoffDelay(%d, 30) = %v, want 30s", attempt, got)
		}
	}
	if got := backoffDelay(-1, 30); got != time.Second {
		t.Errorf("backoffDelay(-1, 30) = %v, want 1s", got)
	}
}

func TestBackoffSmallCap(t *testing.T) {
	if got := backoffDelay(3, 5); got != 5*time.Second {
		t.Errorf("backoffDelay(3, 5) = %v, want 5s", got)
	}
}
