package retry

import (
	"testing"
	"time"
)

func TestPolicy_DelayFollowsSchedule(t *testing.T) {
	p := NewPolicy([]time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}, 3)

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 60 * time.Second},
		{2, 300 * time.Second},
		{3, 900 * time.Second},
		{4, 900 * time.Second}, // clamped to last entry
		{10, 900 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempts); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestPolicy_OnFailureSchedulesRetry(t *testing.T) {
	p := NewPolicy([]time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}, 3)
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	out := p.OnFailure(0, now)
	if out.Terminal {
		t.Fatal("first failure should not be terminal")
	}
	if out.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", out.Attempts)
	}
	if out.NextRetryAt == nil || !out.NextRetryAt.Equal(now.Add(60*time.Second)) {
		t.Errorf("next retry = %v, want %v", out.NextRetryAt, now.Add(60*time.Second))
	}

	out = p.OnFailure(1, now)
	if out.Terminal {
		t.Fatal("second failure should not be terminal")
	}
	if out.NextRetryAt == nil || !out.NextRetryAt.Equal(now.Add(300*time.Second)) {
		t.Errorf("next retry = %v, want %v", out.NextRetryAt, now.Add(300*time.Second))
	}
}

func TestPolicy_TerminalAtExactlyMaxAttempts(t *testing.T) {
	p := NewPolicy([]time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}, 3)
	now := time.Now()

	out := p.OnFailure(2, now)
	if !out.Terminal {
		t.Fatal("third failure must be terminal at MaxAttempts=3")
	}
	if out.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", out.Attempts)
	}
	if out.NextRetryAt != nil {
		t.Error("terminal outcome must not schedule another attempt")
	}
}

func TestNewPolicy_Defaults(t *testing.T) {
	p := NewPolicy(nil, 0)

	if p.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", p.MaxAttempts, DefaultMaxAttempts)
	}
	if len(p.Schedule) != len(DefaultSchedule) {
		t.Errorf("schedule length = %d, want %d", len(p.Schedule), len(DefaultSchedule))
	}
	if p.Delay(1) != 1*time.Minute {
		t.Errorf("default first delay = %v, want 1m", p.Delay(1))
	}
}
