package markethours

import "time"

// Fixed-date closures of the spot gold market (no London/New York fixing,
// provider publishes no daily bar).
var closures = []struct {
	month time.Month
	day   int
}{
	{time.January, 1},   // New Year's Day
	{time.December, 25}, // Christmas
}

// IsHoliday returns true if t's UTC date is a market closure.
func IsHoliday(t time.Time) bool {
	u := t.UTC()
	for _, c := range closures {
		if u.Month() == c.month && u.Day() == c.day {
			return true
		}
	}
	return false
}
