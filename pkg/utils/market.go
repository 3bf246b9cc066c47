package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TokyoLocation is the timezone of the Japanese equity market.
var TokyoLocation *time.Location

func init() {
	var err error
	TokyoLocation, err = time.LoadLocation("Asia/Tokyo")
	if err != nil {
		// Fallback to UTC+9
		TokyoLocation = time.FixedZone("JST", 9*60*60)
	}
}

// ParseClock parses an "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// AtClock returns the instant on day's calendar date at the given time of day.
func AtClock(day time.Time, clock string) (time.Time, error) {
	h, m, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, day.Location()), nil
}

// PastCutoff reports whether now is at or after the cutoff clock on the
// trading day that started at since. Later calendar days are always past.
func PastCutoff(now, since time.Time, clock string) (bool, error) {
	since = since.In(now.Location())
	cutoff, err := AtClock(since, clock)
	if err != nil {
		return false, err
	}
	return !now.Before(cutoff), nil
}

// BatchCode formats the job code for a submission time.
func BatchCode(t time.Time) string {
	return t.Format("20060102-150405")
}

// IsWeekend returns true on Saturday and Sunday.
func IsWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}
