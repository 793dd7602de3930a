package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"pivot-signals/internal/model"
)

func at(h int) time.Time {
	return time.Date(2025, 6, 4, h, 30, 0, 0, time.UTC)
}

func TestProfileAt(t *testing.T) {
	c := New(nil)
	assert.Equal(t, "asia", c.ProfileAt(at(2)).Name)
	assert.Equal(t, 20*time.Minute, c.ProfileAt(at(2)).StabilizationTime)
	assert.Equal(t, "europe", c.ProfileAt(at(9)).Name)
	assert.Equal(t, 15*time.Minute, c.ProfileAt(at(9)).StabilizationTime)
	assert.Equal(t, "us", c.ProfileAt(at(23)).Name)
	assert.Equal(t, ActivityHigh, c.ProfileAt(at(14)).Activity)
}

func TestConfidenceModifier(t *testing.T) {
	c := New(nil)
	tests := []struct {
		hour int
		want float64
	}{
		{0, 0.72},  // low hour, low activity
		{2, 0.9},   // asia, neutral hour
		{9, 1.2},   // europe, high hour
		{12, 1.0},  // europe, neutral hour
		{15, 1.32}, // us, high hour
		{20, 1.1},  // us, neutral hour
		{22, 0.88}, // us, low hour
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.ConfidenceModifier(at(tt.hour)), "hour %d", tt.hour)
	}
}

func TestAdaptedThresholds(t *testing.T) {
	c := New(nil)
	assert.Equal(t, 4*time.Minute+30*time.Second, c.SpeedThreshold(at(2), 3*time.Minute))
	assert.Equal(t, 3*time.Minute, c.SpeedThreshold(at(9), 3*time.Minute))
	assert.InDelta(t, 0.8, c.VolatilityThreshold(at(2), 1.0), 1e-9)
	assert.InDelta(t, 1.2, c.VolatilityThreshold(at(18), 1.0), 1e-9)
}

func TestOverrideProfile(t *testing.T) {
	p := DefaultProfiles()["europe"]
	p.StabilizationTime = time.Minute
	c := New(map[string]Profile{"europe": p})
	assert.Equal(t, time.Minute, c.ProfileAt(at(9)).StabilizationTime)
	assert.Equal(t, 20*time.Minute, c.ProfileAt(at(1)).StabilizationTime)
}

func TestSwitchAllowed(t *testing.T) {
	assert.False(t, SwitchAllowed(model.SessionAsia, at(3)))
	assert.True(t, SwitchAllowed(model.SessionAsia, at(4)))
	assert.True(t, SwitchAllowed(model.SessionAsia, at(12)))
	assert.False(t, SwitchAllowed(model.SessionAsia, at(13)))
	assert.False(t, SwitchAllowed(model.SessionEurope, at(12)))
	assert.True(t, SwitchAllowed(model.SessionEurope, at(13)))
	assert.True(t, SwitchAllowed(model.SessionEurope, at(23)))
	assert.False(t, SwitchAllowed(model.SessionClassic, at(9)))
}
