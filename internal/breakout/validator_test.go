package breakout

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pivot-signals/internal/clock"
	"pivot-signals/internal/model"
	"pivot-signals/internal/pivot"
	"pivot-signals/internal/state"
	"pivot-signals/internal/temporal"
)

var (
	ctx = context.Background()
	t0  = time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC)
	r2  = model.Resistance(2, model.SessionClassic)
	s2  = model.Support(2, model.SessionClassic)
)

type fixture struct {
	v      *Validator
	st     *state.Store
	clk    *clock.Fake
	levels *model.LevelSet
}

// P 3430, R1 3435, R2 3440, S1 3425, S2 3420.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(t0)
	st := state.New(state.DefaultConfig(), state.NewMemoryBackend(nil), clk, zerolog.Nop())
	st.Load(ctx)

	bar := model.OHLCBar{Open: 3428, High: 3435, Low: 3425, Close: 3430, Timestamp: t0.Add(-24 * time.Hour)}
	set, err := pivot.Calculate(model.SessionClassic, bar, t0, t0)
	require.NoError(t, err)

	v := New(DefaultConfig(), st, temporal.New(nil), clk, zerolog.Nop())
	return &fixture{v: v, st: st, clk: clk, levels: &set}
}

// at evaluates price at t0+minute.
func (f *fixture) at(minute int, price float64) model.Signal {
	f.clk.Set(t0.Add(time.Duration(minute) * time.Minute))
	return f.v.Evaluate(ctx, price, f.levels)
}

func TestPartialThenValidated(t *testing.T) {
	f := newFixture(t)

	assert.Nil(t, f.at(0, 3438))

	sig := f.at(1, 3443)
	require.IsType(t, model.PartialBreakoutSignal{}, sig)
	partial := sig.(model.PartialBreakoutSignal)
	assert.Equal(t, r2, partial.Level.Key)
	assert.Equal(t, 3440.0, partial.Level.Value)
	assert.Equal(t, model.Bullish, partial.Direction)
	assert.InDelta(t, 3.0, partial.Amplitude, 1e-9)
	assert.True(t, partial.Fast, "R1 crossed one minute before R2")
	assert.InDelta(t, 1.0, partial.SpeedMinutes, 1e-9)
	assert.Equal(t, model.PhasePartial, f.st.Phase())

	path := []float64{3442.5, 3443, 3443.5, 3444, 3444, 3444.5, 3443, 3443.5, 3444, 3444.5, 3445, 3444, 3444.5, 3445}
	for i, p := range path {
		assert.Nil(t, f.at(2+i, p), "minute %d", 2+i)
	}

	sig = f.at(16, 3445)
	require.IsType(t, model.ValidatedSignal{}, sig)
	validated := sig.(model.ValidatedSignal)
	assert.Equal(t, r2, validated.Level.Key)
	assert.InDelta(t, 15.0, validated.StabilizationMinutes, 1e-9)
	assert.Equal(t, 1.2, validated.Confidence)
	assert.True(t, validated.Fast)

	assert.Equal(t, model.PhaseValidated, f.st.Phase())
	assert.Empty(t, f.v.Trackers())
	rel, ok := f.st.Reliability(r2)
	require.True(t, ok)
	assert.Equal(t, 1, rel.Attempts)
	assert.Equal(t, 1, rel.Validated)

	assert.Nil(t, f.at(17, 3445), "validation is emitted once")
}

func TestInvalidationOnCentralRangeReturn(t *testing.T) {
	f := newFixture(t)
	require.IsType(t, model.PartialBreakoutSignal{}, f.at(0, 3443))

	sig := f.at(1, 3430)
	require.IsType(t, model.InvalidatedSignal{}, sig)
	inv := sig.(model.InvalidatedSignal)
	assert.Equal(t, r2, inv.Level.Key)
	assert.Equal(t, 3440.0, inv.Level.Value)
	assert.False(t, inv.Neutralized)

	assert.Equal(t, model.PhaseInvalidated, f.st.Phase())
	assert.Empty(t, f.v.Trackers())
	rel, _ := f.st.Reliability(r2)
	assert.Equal(t, 1, rel.Invalidated)
}

func TestSecondInvalidationForcesNeutral(t *testing.T) {
	f := newFixture(t)
	require.IsType(t, model.PartialBreakoutSignal{}, f.at(0, 3443))
	require.IsType(t, model.InvalidatedSignal{}, f.at(1, 3430))
	require.IsType(t, model.PartialBreakoutSignal{}, f.at(2, 3443))

	sig := f.at(3, 3430)
	require.IsType(t, model.InvalidatedSignal{}, sig)
	assert.True(t, sig.(model.InvalidatedSignal).Neutralized)
	assert.Equal(t, model.PhaseNeutral, f.st.Phase())
}

func TestSustainedRangeReturnAfterInvalidation(t *testing.T) {
	f := newFixture(t)
	require.IsType(t, model.PartialBreakoutSignal{}, f.at(0, 3443))
	require.IsType(t, model.InvalidatedSignal{}, f.at(2, 3430))

	for m := 3; m < 32; m++ {
		assert.Nil(t, f.at(m, 3430), "minute %d", m)
	}

	sig := f.at(32, 3430)
	require.IsType(t, model.RangeReturnSignal{}, sig)
	rr := sig.(model.RangeReturnSignal)
	assert.Equal(t, 30*time.Minute, rr.InRange)
	assert.Equal(t, 3435.0, rr.R1)
	assert.Equal(t, 3425.0, rr.S1)
	assert.Equal(t, model.PhaseNeutral, f.st.Phase())

	assert.Nil(t, f.at(33, 3430))
}

func TestRangeReturnWithoutInvalidationIsIgnored(t *testing.T) {
	f := newFixture(t)
	for m := 0; m <= 40; m++ {
		assert.Nil(t, f.at(m, 3430))
	}
	assert.Equal(t, model.PhaseNone, f.st.Phase())
}

func TestTensionEscalatesAfterThreeTouches(t *testing.T) {
	f := newFixture(t)

	assert.Nil(t, f.at(0, 3439.5))
	assert.Nil(t, f.at(1, 3439.5))

	sig := f.at(2, 3439.5)
	require.IsType(t, model.TensionSignal{}, sig)
	ten := sig.(model.TensionSignal)
	assert.Equal(t, r2, ten.Level.Key)
	assert.Equal(t, 3, ten.Touches)
	assert.InDelta(t, 0.5, ten.Distance, 1e-9)
	assert.Equal(t, model.PhaseTension, f.st.Phase())

	require.IsType(t, model.PartialBreakoutSignal{}, f.at(3, 3443), "breakout from tension")
}

func TestUnreliableLevelIsSkipped(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.st.RecordBreakoutAttempt(ctx, r2)
	}
	f.st.RecordBreakoutResult(ctx, r2, true)
	require.False(t, f.st.IsLevelReliable(r2))

	assert.Nil(t, f.at(0, 3443))
	assert.Equal(t, model.PhaseNone, f.st.Phase())
	assert.Empty(t, f.v.Trackers())
}

func TestBearishBreakout(t *testing.T) {
	f := newFixture(t)
	sig := f.at(0, 3417)
	require.IsType(t, model.PartialBreakoutSignal{}, sig)
	partial := sig.(model.PartialBreakoutSignal)
	assert.Equal(t, s2, partial.Level.Key)
	assert.Equal(t, model.Bearish, partial.Direction)
	assert.Equal(t, []model.LevelKey{s2}, f.v.Trackers())
}

func TestRetracementBlocksValidationAndTrackerTimesOut(t *testing.T) {
	f := newFixture(t)
	sig := f.at(0, 3443)
	require.IsType(t, model.PartialBreakoutSignal{}, sig)
	assert.False(t, sig.(model.PartialBreakoutSignal).Fast)

	// 3441 is below the half-way retracement limit of 3441.5
	for m := 1; m <= 30; m++ {
		assert.Nil(t, f.at(m, 3441), "minute %d", m)
	}
	assert.Len(t, f.v.Trackers(), 1)

	assert.Nil(t, f.at(31, 3441))
	assert.Empty(t, f.v.Trackers())
	rel, _ := f.st.Reliability(r2)
	assert.Equal(t, 0, rel.Validated+rel.Invalidated, "abandoned tracker records no result")

	require.IsType(t, model.PartialBreakoutSignal{}, f.at(32, 3443), "abandoned level can break again")
}

func TestWideRangeBlocksValidation(t *testing.T) {
	f := newFixture(t)
	require.IsType(t, model.PartialBreakoutSignal{}, f.at(0, 3443))
	for m := 1; m <= 20; m++ {
		price := 3443.0
		if m%2 == 0 {
			price = 3448
		}
		assert.Nil(t, f.at(m, price), "minute %d", m)
	}
	assert.Equal(t, model.PhasePartial, f.st.Phase())
}

func TestConsecutiveSteps(t *testing.T) {
	prices := []float64{1, 2, 2, 1, 2, 3, 4}
	assert.Equal(t, 3, consecutiveSteps(prices, model.Bullish))
	assert.Equal(t, 2, consecutiveSteps(prices, model.Bearish))
	assert.Equal(t, 0, consecutiveSteps([]float64{5}, model.Bullish))
}

func TestVolatility(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 9; i++ {
		f.clk.Set(t0.Add(time.Duration(i) * time.Minute))
		f.v.Observe(3400 + float64(i)*5)
	}
	exceeded, _, _ := f.v.VolatilityExceeded()
	assert.False(t, exceeded, "not enough samples")

	f.clk.Set(t0.Add(9 * time.Minute))
	f.v.Observe(3445)
	exceeded, vol, threshold := f.v.VolatilityExceeded()
	assert.True(t, exceeded)
	assert.InDelta(t, 45/3422.5*100, vol, 1e-9)
	assert.InDelta(t, 1.0, threshold, 1e-9)

	f.clk.Set(t0.Add(2 * time.Hour))
	f.v.Observe(3445)
	_, ok := f.v.Volatility()
	assert.False(t, ok, "old samples pruned")
}

func TestResetDropsTrackers(t *testing.T) {
	f := newFixture(t)
	require.IsType(t, model.PartialBreakoutSignal{}, f.at(0, 3443))
	f.v.Reset()
	assert.Empty(t, f.v.Trackers())
}

func TestLongVolatilityWindowKeepsEverySample(t *testing.T) {
	clk := clock.NewFake(t0)
	st := state.New(state.DefaultConfig(), state.NewMemoryBackend(nil), clk, zerolog.Nop())
	cfg := DefaultConfig()
	cfg.VolatilityWindow = 16 * time.Hour
	v := New(cfg, st, temporal.New(nil), clk, zerolog.Nop())

	for i := 0; i <= 900; i++ {
		clk.Set(t0.Add(time.Duration(i) * time.Minute))
		v.Observe(3400)
	}
	assert.Equal(t, 901, v.prices.Len())
	assert.Zero(t, v.prices.Evicted())

	clk.Set(t0.Add(16*time.Hour + 30*time.Minute))
	v.Observe(3400)
	assert.Equal(t, 902-30, v.prices.Len(), "points older than the window are pruned")
}

func TestBufferCapacityFollowsSampleInterval(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 512, cfg.capacityFor(cfg.VolatilityWindow))

	cfg.SampleInterval = 10 * time.Second
	assert.Equal(t, 2*(360+1), cfg.capacityFor(cfg.VolatilityWindow))

	cfg.SampleInterval = 0
	assert.Equal(t, 512, cfg.capacityFor(24*time.Hour))
}
