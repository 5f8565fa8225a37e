package quiet

import (
	"testing"
	"time"
)

func at(hour, min int) time.Time {
	return time.Date(2026, time.March, 10, hour, min, 0, 0, time.UTC)
}

func TestIsQuiet_OvernightWindow(t *testing.T) {
	w := Window{StartHour: 22, EndHour: 7}

	tests := []struct {
		name  string
		t     time.Time
		quiet bool
	}{
		{"late evening", at(23, 0), true},
		{"start of window", at(22, 0), true},
		{"middle of night", at(3, 0), true},
		{"just before open", at(6, 59), true},
		{"window opens", at(7, 0), false},
		{"mid morning", at(10, 0), false},
		{"just before start", at(21, 59), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsQuiet(tt.t, w); got != tt.quiet {
				t.Errorf("IsQuiet(%v) = %v, want %v", tt.t, got, tt.quiet)
			}
		})
	}
}

func TestIsQuiet_DaytimeWindow(t *testing.T) {
	w := Window{StartHour: 9, EndHour: 17}

	if !IsQuiet(at(12, 0), w) {
		t.Error("noon should be quiet for a 9-17 window")
	}
	if IsQuiet(at(8, 0), w) {
		t.Error("08:00 should not be quiet for a 9-17 window")
	}
	if IsQuiet(at(17, 0), w) {
		t.Error("end hour is exclusive")
	}
}

func TestIsQuiet_ZeroLengthWindowNeverQuiet(t *testing.T) {
	w := Window{StartHour: 8, EndHour: 8}

	for hour := 0; hour < 24; hour++ {
		if IsQuiet(at(hour, 30), w) {
			t.Fatalf("zero-length window must never be quiet, but hour %d was", hour)
		}
	}
}

func TestNextSendable_BeforeMidnight(t *testing.T) {
	w := Window{StartHour: 22, EndHour: 7}

	// 23:00 -> 07:00 the next day
	got := NextSendable(at(23, 0), w)
	want := time.Date(2026, time.March, 11, 7, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextSendable(23:00) = %v, want %v", got, want)
	}
}

func TestNextSendable_AfterMidnight(t *testing.T) {
	w := Window{StartHour: 22, EndHour: 7}

	// 02:00 -> 07:00 the same day
	got := NextSendable(at(2, 0), w)
	want := time.Date(2026, time.March, 10, 7, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextSendable(02:00) = %v, want %v", got, want)
	}
}

func TestNextSendable_ExactlyAtOpenRollsForward(t *testing.T) {
	w := Window{StartHour: 22, EndHour: 7}

	// strictly after: asking at exactly 07:00 yields 07:00 tomorrow
	got := NextSendable(at(7, 0), w)
	want := time.Date(2026, time.March, 11, 7, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextSendable(07:00) = %v, want %v", got, want)
	}
}

func TestNextSendable_ZeroLengthWindow(t *testing.T) {
	w := Window{StartHour: 8, EndHour: 8}

	now := at(8, 15)
	if got := NextSendable(now, w); !got.Equal(now) {
		t.Errorf("zero-length window should return now, got %v", got)
	}
}
