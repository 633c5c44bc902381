package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// TimeRange is a daily window, in minutes since midnight. A window
// whose end is before its start wraps around midnight.
type TimeRange struct {
	Start int
	End   int
}

// ParseTimeRange parses "HH:MM-HH:MM".
func ParseTimeRange(value string) (TimeRange, error) {
	parts := strings.Split(strings.TrimSpace(value), "-")
	if len(parts) != 2 {
		return TimeRange{}, fmt.Errorf("Invalid time range '%s': expected HH:MM-HH:MM", value)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return TimeRange{}, fmt.Errorf("Invalid time range '%s': %v", value, err)
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return TimeRange{}, fmt.Errorf("Invalid time range '%s': %v", value, err)
	}
	return TimeRange{Start: start, End: end}, nil
}

func parseClock(value string) (int, error) {
	clock, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	return clock.Hour()*60 + clock.Minute(), nil
}

// Contains returns true if the clock time of now is in the window.
func (timeRange TimeRange) Contains(now time.Time) bool {
	minute := now.Hour()*60 + now.Minute()
	if timeRange.Start <= timeRange.End {
		return minute >= timeRange.Start && minute < timeRange.End
	}
	return minute >= timeRange.Start || minute < timeRange.End
}

// InTimeRanges returns true if there are no ranges, or if now is in
// one of them.
func InTimeRanges(ranges []TimeRange, now time.Time) bool {
	if len(ranges) == 0 {
		return true
	}
	for _, timeRange := range ranges {
		if timeRange.Contains(now) {
			return true
		}
	}
	return false
}
