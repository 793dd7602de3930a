// Package markethours holds the UTC session calendar of the traded symbol:
// level-computation windows, calculation moments and trading-day rules.
package markethours

import (
	"fmt"
	"time"

	"pivot-signals/internal/model"
)

// Session window boundaries in UTC hours.
const (
	AsiaStartHour   = 0
	EuropeStartHour = 4
	USStartHour     = 13
	USEndHour       = 23

	// CalcOffsetMinutes delays each computation past its window close so the
	// provider has published the last minute bar.
	CalcOffsetMinutes = 3
)

// calcHour is the UTC hour at which each profile's levels are computed.
var calcHour = map[model.Session]int{
	model.SessionClassic: USEndHour,
	model.SessionAsia:    EuropeStartHour,
	model.SessionEurope:  USStartHour,
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DayKey formats t's UTC date as YYYY-MM-DD.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// SameDay reports whether a and b fall on the same UTC calendar day.
func SameDay(a, b time.Time) bool {
	return DayKey(a) == DayKey(b)
}

// CalcMoment returns the computation time of profile s on day's UTC date.
func CalcMoment(s model.Session, day time.Time) time.Time {
	return StartOfDay(day).Add(time.Duration(calcHour[s])*time.Hour + CalcOffsetMinutes*time.Minute)
}

// IsCalcWindow reports whether now is inside the calculation hour of s,
// at or after the offset minute.
func IsCalcWindow(s model.Session, now time.Time) bool {
	u := now.UTC()
	h, ok := calcHour[s]
	return ok && u.Hour() == h && u.Minute() >= CalcOffsetMinutes
}

// Window returns the [from, to) bar window that feeds profile s when it is
// computed on now's UTC day. The classic window is the last full trading day
// not after now.
func Window(s model.Session, now time.Time) (from, to time.Time) {
	day := StartOfDay(now)
	switch s {
	case model.SessionAsia:
		return day.Add(AsiaStartHour * time.Hour), day.Add(EuropeStartHour * time.Hour)
	case model.SessionEurope:
		return day.Add(EuropeStartHour * time.Hour), day.Add(USStartHour * time.Hour)
	default:
		last := LastTradingDay(now)
		return last, last.AddDate(0, 0, 1)
	}
}

// IsWeekday returns true if t is Mon-Fri in UTC.
func IsWeekday(t time.Time) bool {
	wd := t.UTC().Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not a market closure.
func IsTradingDay(t time.Time) bool {
	return IsWeekday(t) && !IsHoliday(t)
}

// LastTradingDay returns midnight UTC of the latest trading day on or before t.
func LastTradingDay(t time.Time) time.Time {
	d := StartOfDay(t)
	for i := 0; i < 10; i++ { // weekends plus closures never span more
		if IsTradingDay(d) {
			return d
		}
		d = d.AddDate(0, 0, -1)
	}
	return StartOfDay(t)
}

// PreviousTradingDay returns the latest trading day strictly before t's date.
func PreviousTradingDay(t time.Time) time.Time {
	return LastTradingDay(StartOfDay(t).AddDate(0, 0, -1))
}

// Profile returns the temporal profile name of t: "asia" 00-04h, "europe"
// 04-13h, "us" otherwise (13h through the 23h wrap).
func Profile(t time.Time) string {
	h := t.UTC().Hour()
	switch {
	case h >= AsiaStartHour && h < EuropeStartHour:
		return "asia"
	case h >= EuropeStartHour && h < USStartHour:
		return "europe"
	default:
		return "us"
	}
}

// NextCalc returns the next computation moment after now and its profile.
func NextCalc(now time.Time) (model.Session, time.Time) {
	var (
		best   model.Session
		bestAt time.Time
	)
	for offset := 0; offset <= 1; offset++ {
		day := StartOfDay(now).AddDate(0, 0, offset)
		for _, s := range model.Sessions {
			at := CalcMoment(s, day)
			if at.After(now) && (bestAt.IsZero() || at.Before(bestAt)) {
				best, bestAt = s, at
			}
		}
		if !bestAt.IsZero() {
			break
		}
	}
	return best, bestAt
}

// StatusString returns a human-readable summary of the session calendar.
func StatusString(now time.Time) string {
	s, at := NextCalc(now)
	state := "trading"
	if !IsTradingDay(now) {
		state = "closed"
	}
	return fmt.Sprintf("%s session (%s), next %s levels at %s UTC (%s)",
		Profile(now), state, s, at.Format("15:04"), fmtDur(at.Sub(now)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
