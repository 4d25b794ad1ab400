package orchestrator

import (
	"testing"
	"time"
)

func TestBackoffDelayBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}

	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{attempt: 0, min: time.Second, max: 1100 * time.Millisecond},
		{attempt: 1, min: 2 * time.Second, max: 2200 * time.Millisecond},
		{attempt: 2, min: 4 * time.Second, max: 4400 * time.Millisecond},
		{attempt: 4, min: 16 * time.Second, max: 17600 * time.Millisecond},
		// Capped at max from attempt 5 onward.
		{attempt: 5, min: 30 * time.Second, max: 33 * time.Second},
		{attempt: 20, min: 30 * time.Second, max: 33 * time.Second},
	}

	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			d := b.Delay(tt.attempt)
			if d < tt.min || d > tt.max {
				t.Fatalf("Delay(%d) = %v, want [%v, %v]", tt.attempt, d, tt.min, tt.max)
			}
		}
	}
}

func TestBackoffNegativeAttempt(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}
	d := b.Delay(-3)
	if d < time.Second || d > 1100*time.Millisecond {
		t.Errorf("Delay(-3) = %v, want base with jitter", d)
	}
}

func TestBatchBackoffCapsAtMinute(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := BatchBackoff.Delay(10)
		if d < 60*time.Second || d > 66*time.Second {
			t.Fatalf("BatchBackoff.Delay(10) = %v, want capped at 60s plus jitter", d)
		}
	}
}
