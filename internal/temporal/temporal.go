// Package temporal adapts validation thresholds to the activity of the
// trading session in progress. It holds no state: every answer is derived
// from the time it is asked about.
package temporal

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"pivot-signals/internal/markethours"
	"pivot-signals/internal/model"
)

// Activity is the qualitative liquidity level of a session.
type Activity string

const (
	ActivityLow    Activity = "low"
	ActivityMedium Activity = "medium"
	ActivityHigh   Activity = "high"
)

// Profile carries the session-adapted criteria.
type Profile struct {
	Name                string        `json:"name"`
	Activity            Activity      `json:"activity"`
	StabilizationTime   time.Duration `json:"stabilization_time"`
	MinSessionRange     float64       `json:"min_session_range"`
	VolatilityTolerance float64       `json:"volatility_tolerance"`
	SpeedMultiplier     float64       `json:"speed_multiplier"`
	StabilizationBand   float64       `json:"stabilization_band"`
	MinConsecutive      int           `json:"min_consecutive"`
	Description         string        `json:"description"`
}

// DefaultProfiles returns the asia/europe/us profiles.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		"asia": {
			Name:                "asia",
			Activity:            ActivityLow,
			StabilizationTime:   20 * time.Minute,
			MinSessionRange:     6,
			VolatilityTolerance: 0.8,
			SpeedMultiplier:     1.5,
			StabilizationBand:   1.5,
			MinConsecutive:      4,
			Description:         "quiet session, stricter criteria",
		},
		"europe": {
			Name:                "europe",
			Activity:            ActivityMedium,
			StabilizationTime:   15 * time.Minute,
			MinSessionRange:     8,
			VolatilityTolerance: 1.0,
			SpeedMultiplier:     1.0,
			StabilizationBand:   2.0,
			MinConsecutive:      3,
			Description:         "standard session",
		},
		"us": {
			Name:                "us",
			Activity:            ActivityHigh,
			StabilizationTime:   10 * time.Minute,
			MinSessionRange:     12,
			VolatilityTolerance: 1.2,
			SpeedMultiplier:     0.7,
			StabilizationBand:   2.5,
			MinConsecutive:      3,
			Description:         "active session, faster validation",
		},
	}
}

var (
	lowConfidenceHours  = map[int]bool{22: true, 23: true, 0: true, 1: true}
	highConfidenceHours = map[int]bool{8: true, 9: true, 10: true, 14: true, 15: true, 16: true}
)

// Context resolves profiles by time of day.
type Context struct {
	profiles map[string]Profile
}

// New returns a Context over profiles. Missing profiles fall back to the
// defaults.
func New(profiles map[string]Profile) *Context {
	merged := DefaultProfiles()
	for name, p := range profiles {
		merged[name] = p
	}
	return &Context{profiles: merged}
}

// ProfileAt returns the profile of t's UTC hour.
func (c *Context) ProfileAt(t time.Time) Profile {
	return c.profiles[markethours.Profile(t)]
}

// ConfidenceModifier returns the advisory breakout confidence at t:
// x0.8 in low-confidence hours, x1.2 in high-confidence hours, then x0.9 for
// low-activity and x1.1 for high-activity sessions, rounded to 2 decimals.
func (c *Context) ConfidenceModifier(t time.Time) float64 {
	m := decimal.NewFromInt(1)
	h := t.UTC().Hour()
	switch {
	case lowConfidenceHours[h]:
		m = m.Mul(decimal.RequireFromString("0.8"))
	case highConfidenceHours[h]:
		m = m.Mul(decimal.RequireFromString("1.2"))
	}
	switch c.ProfileAt(t).Activity {
	case ActivityLow:
		m = m.Mul(decimal.RequireFromString("0.9"))
	case ActivityHigh:
		m = m.Mul(decimal.RequireFromString("1.1"))
	}
	return m.Round(2).InexactFloat64()
}

// SpeedThreshold scales the base fast-breakout threshold by the profile.
func (c *Context) SpeedThreshold(t time.Time, base time.Duration) time.Duration {
	return time.Duration(float64(base) * c.ProfileAt(t).SpeedMultiplier)
}

// VolatilityThreshold scales the base volatility threshold (percent).
func (c *Context) VolatilityThreshold(t time.Time, base float64) float64 {
	return base * c.ProfileAt(t).VolatilityTolerance
}

// SwitchAllowed reports whether moving the active pivot set to target is
// allowed at t: asia between 04:00 and 13:00 UTC, europe from 13:00 UTC.
func SwitchAllowed(target model.Session, t time.Time) bool {
	h := t.UTC().Hour()
	switch target {
	case model.SessionAsia:
		return h >= markethours.EuropeStartHour && h < markethours.USStartHour
	case model.SessionEurope:
		return h >= markethours.USStartHour
	}
	return false
}

// Describe renders the profile of t for logs and status output.
func (c *Context) Describe(t time.Time, baseSpeed time.Duration, baseVolatility float64) string {
	p := c.ProfileAt(t)
	return fmt.Sprintf("%s | activity %s | stabilization %s | volatility %.2f%% | speed %s | %s",
		p.Name, p.Activity, p.StabilizationTime, c.VolatilityThreshold(t, baseVolatility),
		c.SpeedThreshold(t, baseSpeed), p.Description)
}
