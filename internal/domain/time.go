package domain

import "time"

// TimeLayout is the persisted form of every datetime field: ISO-8601 in
// UTC with fixed microsecond precision. The fixed width makes
// lexicographic comparison of stored strings equivalent to chronological
// comparison, which the cleanup queries rely on.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders a time as its persisted ISO-8601 string.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a persisted ISO-8601 string. It tolerates RFC 3339
// variants written by earlier revisions or by external tooling.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
