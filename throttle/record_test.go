package throttle

import (
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{30 * time.Second, "30 seconds"},
		{time.Second, "1 second"},
		{500 * time.Millisecond, "1 second"},
		{59500 * time.Millisecond, "60 seconds"},
		{time.Minute, "1 minute"},
		{5 * time.Minute, "5 minutes"},
		{90 * time.Second, "1 minute and 30 seconds"},
		{2*time.Minute + 15*time.Second, "2 minutes and 15 seconds"},
		{time.Minute + 200*time.Millisecond, "1 minute and 1 second"},
		{2*time.Minute + 59500*time.Millisecond, "3 minutes"},
		{0, "0 seconds"},
	}
	for _, tc := range cases {
		if got := FormatDuration(tc.in); got != tc.want {
			t.Fatalf("FormatDuration(%v): expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestNewLockInfoRounding(t *testing.T) {
	info := newLockInfo(1, time.Time{}, 61*time.Second+100*time.Millisecond)
	if info.RemainingSeconds != 62 || info.RemainingMinutes != 2 || info.RemainingMs != 61100 {
		t.Fatalf("unexpected rounding %+v", info)
	}
}
