package throttle

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Record is the persisted attempt state for one identifier.
type Record struct {
	Count int `json:"count"`
	// LockoutTime is the lockout end as Unix milliseconds, nil when not locked.
	LockoutTime  *int64 `json:"lockoutTime"`
	LockoutLevel int    `json:"lockoutLevel"`
}

// LockedAt reports whether the record holds a lockout that ends after now.
func (r Record) LockedAt(now time.Time) bool {
	return r.LockoutTime != nil && time.UnixMilli(*r.LockoutTime).After(now)
}

// Until returns the lockout end, or the zero time when not set.
func (r Record) Until() time.Time {
	if r.LockoutTime == nil {
		return time.Time{}
	}
	return time.UnixMilli(*r.LockoutTime)
}

// table is the whole persisted map keyed by normalized identifier.
type table map[string]Record

func decodeTable(raw string) (table, error) {
	t := table{}
	if raw == "" {
		return t, nil
	}
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return table{}, err
	}
	return t, nil
}

func (t table) encode() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (t table) clone() table {
	out := make(table, len(t))
	for k, v := range t {
		out[k] = v.clone()
	}
	return out
}

func (r Record) clone() Record {
	if r.LockoutTime != nil {
		v := *r.LockoutTime
		r.LockoutTime = &v
	}
	return r
}

// LockInfo describes an active lockout.
type LockInfo struct {
	IsLocked         bool
	Until            time.Time
	Remaining        time.Duration
	RemainingMs      int64
	RemainingSeconds int
	RemainingMinutes int
	LockoutLevel     int
	DurationText     string
}

func newLockInfo(level int, until time.Time, remaining time.Duration) *LockInfo {
	ms := remaining.Milliseconds()
	return &LockInfo{
		IsLocked:         true,
		Until:            until,
		Remaining:        remaining,
		RemainingMs:      ms,
		RemainingSeconds: int(ceilDiv(ms, 1000)),
		RemainingMinutes: int(ceilDiv(ms, 60000)),
		LockoutLevel:     level,
		DurationText:     FormatDuration(remaining),
	}
}

// FormatDuration renders a lockout duration for humans: "30 seconds",
// "5 minutes", "2 minutes and 15 seconds". Seconds are rounded up; a
// residual of 60 seconds becomes one more minute.
func FormatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	if ms < 60000 {
		return plural(ceilDiv(ms, 1000), "second")
	}

	minutes := ms / 60000
	seconds := ceilDiv(ms%60000, 1000)
	if seconds == 60 {
		minutes++
		seconds = 0
	}
	if seconds == 0 {
		return plural(minutes, "minute")
	}

	var b strings.Builder
	b.WriteString(plural(minutes, "minute"))
	b.WriteString(" and ")
	b.WriteString(plural(seconds, "second"))
	return b.String()
}

func plural(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
