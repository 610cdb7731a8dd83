package infra

import (
	"testing"
	"time"
)

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{-1, 1 * time.Second},
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},   // capped
		{100, 30 * time.Second}, // still capped
	}

	for _, tt := range tests {
		if got := CalculateBackoff(tt.retryCount); got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %s, want %s", tt.retryCount, got, tt.want)
		}
	}
}

func TestBackoff_Custom(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: 500 * time.Millisecond}

	if got := b.Next(0); got != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got %s", got)
	}
	if got := b.Next(2); got != 400*time.Millisecond {
		t.Errorf("Expected 400ms, got %s", got)
	}
	if got := b.Next(3); got != 500*time.Millisecond {
		t.Errorf("Expected cap 500ms, got %s", got)
	}
}

func TestBackoff_Jitter(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 0.2}

	for i := 0; i < 100; i++ {
		got := b.Next(1)
		if got < 1600*time.Millisecond || got > 2400*time.Millisecond {
			t.Fatalf("Jittered delay %s outside [1.6s, 2.4s]", got)
		}
	}
}
