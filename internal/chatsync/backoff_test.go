package chatsync

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := backoff{base: 100 * time.Millisecond, max: time.Second}
	if got := b.delay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("expected first delay 100ms, got %s", got)
	}
	if got := b.delay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected third delay 400ms, got %s", got)
	}
	if got := b.delay(10, ""); got != time.Second {
		t.Fatalf("expected delay capped at 1s, got %s", got)
	}
	if got := b.delay(1, "0"); got != 100*time.Millisecond {
		t.Fatalf("expected zero Retry-After to fall back, got %s", got)
	}
	if got := b.delay(1, "5"); got != time.Second {
		t.Fatalf("expected Retry-After capped at 1s, got %s", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := ClampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := ClampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := ClampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredInterval(t *testing.T) {
	base := 10 * time.Second
	if got := JitteredInterval(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := JitteredInterval(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := JitteredInterval(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := JitteredInterval(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}
