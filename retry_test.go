package flowpipe

import (
	"testing"
	"time"

	"github.com/petrijr/flowpipe/pkg/api"
)

// Ensure non-positive max is normalized to 1.
func TestRetry_NonPositiveMaxDefaultsToOne(t *testing.T) {
	for _, max := range []int{0, -5} {
		p := Retry(max).Policy()
		if p.Max != 1 {
			t.Fatalf("expected Max=1 for Retry(%d), got %d", max, p.Max)
		}
		if p.ShouldRetry(1) {
			t.Fatalf("Retry(%d) must not retry", max)
		}
	}
}

func TestRetry_DefaultsToExponential(t *testing.T) {
	p := Retry(4).Policy()
	if p.Max != 4 || p.Backoff != api.BackoffExponential || p.BaseDelay != 5*time.Second {
		t.Fatalf("unexpected default policy: %+v", p)
	}
}

func TestRetry_Exponential(t *testing.T) {
	base := 100 * time.Millisecond
	p := Retry(5).Exponential(base, 300*time.Millisecond).Policy()

	if p.Backoff != api.BackoffExponential || p.BaseDelay != base || p.MaxDelay != 300*time.Millisecond {
		t.Fatalf("unexpected policy: %+v", p)
	}
	want := []time.Duration{base, 2 * base, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestRetry_Linear(t *testing.T) {
	p := Retry(3).Linear(time.Second, 0).Policy()
	if p.Backoff != api.BackoffLinear {
		t.Fatalf("expected linear backoff, got %q", p.Backoff)
	}
	if got := p.Delay(3); got != 3*time.Second {
		t.Fatalf("Delay(3) = %v, want 3s", got)
	}
	if !p.ShouldRetry(2) || p.ShouldRetry(3) {
		t.Fatalf("expected retries for attempts 1 and 2 only")
	}
}

func TestRetry_Immediate(t *testing.T) {
	p := Retry(3).Exponential(time.Second, time.Minute).Immediate().Policy()
	if p.BaseDelay != 0 || p.MaxDelay != 0 {
		t.Fatalf("expected zero delays, got %+v", p)
	}
	if got := p.Delay(2); got != 0 {
		t.Fatalf("expected no delay, got %v", got)
	}
}

func TestNoRetry(t *testing.T) {
	if NoRetry().ShouldRetry(1) {
		t.Fatalf("NoRetry must fail on the first error")
	}
}
