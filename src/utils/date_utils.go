package utils

import (
	"fmt"
	"time"
)

const DefaultDateFormat = "2006-01-02"

// ParseDate parses a calendar day in the default format as midnight UTC.
func ParseDate(dateStr string) (time.Time, error) {
	t, err := time.Parse(DefaultDateFormat, dateStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q with format %q: %w", dateStr, DefaultDateFormat, err)
	}
	return t, nil
}

func FormatDate(t time.Time) string {
	return t.Format(DefaultDateFormat)
}

// TruncateDay drops the time of day, keeping the calendar day in UTC.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole calendar days from start to end.
func DaysBetween(start, end time.Time) int {
	return int(TruncateDay(end).Sub(TruncateDay(start)).Hours() / 24)
}
