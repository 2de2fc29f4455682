package domain

import "time"

// TimeLayout is RFC3339 with fixed nanosecond width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts TimeLayout and plain RFC3339 values.
func ParseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}
