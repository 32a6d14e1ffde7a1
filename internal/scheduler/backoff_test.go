package scheduler

import (
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{2 * time.Second, 1, 2 * time.Second},
		{2 * time.Second, 2, 4 * time.Second},
		{2 * time.Second, 3, 8 * time.Second},
		{10 * time.Millisecond, 4, 80 * time.Millisecond},
		{0, 1, DefaultRetryBaseDelay},
	}

	for _, tt := range tests {
		if got := RetryDelay(tt.base, tt.attempt); got != tt.want {
			t.Errorf("RetryDelay(%v, %d) = %v, want %v", tt.base, tt.attempt, got, tt.want)
		}
	}
}

func TestRetryPolicy_PerTask(t *testing.T) {
	p := newRetryPolicy(time.Second)

	if d := p.next("a"); d != time.Second {
		t.Errorf("a first delay = %v, want 1s", d)
	}
	if d := p.next("a"); d != 2*time.Second {
		t.Errorf("a second delay = %v, want 2s", d)
	}
	if d := p.next("b"); d != time.Second {
		t.Errorf("b first delay = %v, want 1s (sequences must be independent)", d)
	}
}
