package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pivot-signals/internal/clock"
	"pivot-signals/internal/model"
)

var (
	ctx = context.Background()
	t0  = time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC)
	r2  = model.Resistance(2, model.SessionClassic)
	s2  = model.Support(2, model.SessionClassic)
)

func newTestStore(t *testing.T) (*Store, *clock.Fake, *MemoryBackend) {
	t.Helper()
	clk := clock.NewFake(t0)
	be := NewMemoryBackend(nil)
	st := New(DefaultConfig(), be, clk, zerolog.Nop())
	st.Load(ctx)
	return st, clk, be
}

func TestReliabilityScore(t *testing.T) {
	st, _, _ := newTestStore(t)

	assert.True(t, st.IsLevelReliable(r2), "unknown level gets the benefit of the doubt")

	for i := 0; i < 3; i++ {
		st.RecordBreakoutAttempt(ctx, r2)
	}
	st.RecordBreakoutResult(ctx, r2, true)
	st.RecordBreakoutResult(ctx, r2, true)
	st.RecordBreakoutResult(ctx, r2, false)

	rel, ok := st.Reliability(r2)
	require.True(t, ok)
	assert.Equal(t, 3, rel.Attempts)
	assert.Equal(t, 2, rel.Validated)
	assert.Equal(t, 1, rel.Invalidated)
	assert.Equal(t, 66.7, rel.Score)
	assert.True(t, st.IsLevelReliable(r2))

	for i := 0; i < 3; i++ {
		st.RecordBreakoutAttempt(ctx, s2)
	}
	st.RecordBreakoutResult(ctx, s2, true)
	rel, _ = st.Reliability(s2)
	assert.Equal(t, 33.3, rel.Score)
	assert.False(t, st.IsLevelReliable(s2))
}

func TestReliabilityFewAttemptsAlwaysReliable(t *testing.T) {
	st, _, _ := newTestStore(t)
	st.RecordBreakoutAttempt(ctx, r2)
	st.RecordBreakoutAttempt(ctx, r2)
	st.RecordBreakoutResult(ctx, r2, false)
	st.RecordBreakoutResult(ctx, r2, false)

	rel, _ := st.Reliability(r2)
	assert.Equal(t, 0.0, rel.Score)
	assert.True(t, st.IsLevelReliable(r2))
}

func TestDailySwitchBudget(t *testing.T) {
	st, clk, _ := newTestStore(t)

	require.True(t, st.SwitchActivePivot(ctx, model.SessionAsia, "asia breakout"))
	require.True(t, st.SwitchActivePivot(ctx, model.SessionEurope, "europe breakout"))
	assert.Equal(t, 0, st.SwitchesRemaining())

	assert.False(t, st.SwitchActivePivot(ctx, model.SessionClassic, "third"))
	assert.Equal(t, model.SessionEurope, st.ActivePivot())

	// Re-selecting the active set is not a change of set: it succeeds with
	// the budget exhausted and consumes nothing.
	assert.True(t, st.SwitchActivePivot(ctx, model.SessionEurope, "europe recomputed"))
	assert.Equal(t, model.SessionEurope, st.ActivePivot())
	assert.Equal(t, 2, st.Snapshot().SwitchesCount)
	assert.Equal(t, 0, st.SwitchesRemaining())

	// Next UTC day restores the budget and the default set.
	clk.Set(t0.Add(24 * time.Hour))
	assert.True(t, st.Rollover(ctx))
	assert.Equal(t, model.SessionClassic, st.ActivePivot())
	assert.Equal(t, 2, st.SwitchesRemaining())
	assert.False(t, st.Rollover(ctx), "rollover happens once per day")
}

func TestSwitchResetsPhase(t *testing.T) {
	st, _, _ := newTestStore(t)
	k := r2
	st.SetPhase(ctx, model.PhasePartial, Details{Reason: "breakout", Level: &k, Direction: model.Bullish, Price: 3443})

	require.True(t, st.SwitchActivePivot(ctx, model.SessionAsia, "asia breakout"))
	assert.Equal(t, model.PhaseNone, st.Phase())
	_, ok := st.BreakoutLevel()
	assert.False(t, ok)
}

func TestSwitchToActiveSetIsFree(t *testing.T) {
	st, _, _ := newTestStore(t)
	require.True(t, st.SwitchActivePivot(ctx, model.SessionClassic, "daily classic recompute"))
	assert.Equal(t, 2, st.SwitchesRemaining())
}

func TestTensionEscalation(t *testing.T) {
	st, clk, _ := newTestStore(t)

	n, esc := st.RecordTensionTouch(ctx, r2, 3439.2)
	assert.Equal(t, 1, n)
	assert.False(t, esc)
	clk.Advance(10 * time.Minute)
	n, esc = st.RecordTensionTouch(ctx, r2, 3439.5)
	assert.Equal(t, 2, n)
	assert.False(t, esc)
	clk.Advance(10 * time.Minute)
	n, esc = st.RecordTensionTouch(ctx, r2, 3439.8)
	assert.Equal(t, 3, n)
	assert.True(t, esc)
	assert.Equal(t, model.PhaseTension, st.Phase())
	lvl, ok := st.BreakoutLevel()
	require.True(t, ok)
	assert.Equal(t, r2, lvl)

	// Further touches on the same level do not re-escalate.
	clk.Advance(time.Minute)
	_, esc = st.RecordTensionTouch(ctx, r2, 3439.9)
	assert.False(t, esc)
}

func TestTensionWindowExpiry(t *testing.T) {
	st, clk, _ := newTestStore(t)

	st.RecordTensionTouch(ctx, r2, 3439.2)
	clk.Advance(10 * time.Minute)
	st.RecordTensionTouch(ctx, r2, 3439.4)
	clk.Advance(21 * time.Minute) // 31 minutes after the first touch
	n, esc := st.RecordTensionTouch(ctx, r2, 3439.6)

	assert.Equal(t, 2, n)
	assert.False(t, esc)
	assert.Equal(t, model.PhaseNone, st.Phase())
}

func TestTensionTouchesArePerLevel(t *testing.T) {
	st, clk, _ := newTestStore(t)
	st.RecordTensionTouch(ctx, r2, 3439)
	clk.Advance(time.Minute)
	st.RecordTensionTouch(ctx, s2, 3361)
	clk.Advance(time.Minute)
	n, esc := st.RecordTensionTouch(ctx, r2, 3439)
	assert.Equal(t, 2, n)
	assert.False(t, esc)
}

func TestTensionDoesNotOverrideBreakout(t *testing.T) {
	st, clk, _ := newTestStore(t)
	k := r2
	st.SetPhase(ctx, model.PhasePartial, Details{Level: &k})
	for i := 0; i < 3; i++ {
		st.RecordTensionTouch(ctx, s2, 3361)
		clk.Advance(time.Minute)
	}
	assert.Equal(t, model.PhasePartial, st.Phase())
}

func TestRangeReturnShortStayDoesNotFire(t *testing.T) {
	st, clk, _ := newTestStore(t)

	for i := 0; i <= 29; i++ {
		assert.False(t, st.CheckSustainedRangeReturn(ctx, 3400, 3420, 3380), "minute %d", i)
		clk.Advance(time.Minute)
	}
	// Exit after 29 minutes resets the interval.
	assert.False(t, st.CheckSustainedRangeReturn(ctx, 3425, 3420, 3380))
	_, ok := st.InRangeSince()
	assert.False(t, ok)

	clk.Advance(time.Minute)
	assert.False(t, st.CheckSustainedRangeReturn(ctx, 3400, 3420, 3380))
}

func TestRangeReturnFiresExactlyOnce(t *testing.T) {
	st, clk, _ := newTestStore(t)

	fired := 0
	for i := 0; i <= 31; i++ {
		if st.CheckSustainedRangeReturn(ctx, 3400+float64(i%5), 3420, 3380) {
			fired++
			assert.Equal(t, 30, i, "fires when the stay reaches 30 minutes")
		}
		clk.Advance(time.Minute)
	}
	assert.Equal(t, 1, fired)

	// Leaving and coming back starts a new interval.
	st.CheckSustainedRangeReturn(ctx, 3430, 3420, 3380)
	for i := 0; i <= 30; i++ {
		if st.CheckSustainedRangeReturn(ctx, 3400, 3420, 3380) {
			fired++
		}
		clk.Advance(time.Minute)
	}
	assert.Equal(t, 2, fired)
}

func TestShouldForceNeutral(t *testing.T) {
	st, clk, _ := newTestStore(t)
	assert.False(t, st.ShouldForceNeutral())

	st.SetPhase(ctx, model.PhaseInvalidated, Details{Reason: "returned to central range"})
	assert.False(t, st.ShouldForceNeutral())

	clk.Advance(90 * time.Minute)
	st.SetPhase(ctx, model.PhasePartial, Details{})
	st.SetPhase(ctx, model.PhaseInvalidated, Details{Reason: "returned to central range"})
	assert.True(t, st.ShouldForceNeutral())

	clk.Advance(31 * time.Minute) // first invalidation now older than 2h
	assert.False(t, st.ShouldForceNeutral())
}

func TestRolloverKeepsReliability(t *testing.T) {
	st, clk, _ := newTestStore(t)
	st.RecordBreakoutAttempt(ctx, r2)
	st.RecordBreakoutResult(ctx, r2, true)
	st.RecordTensionTouch(ctx, s2, 3361)
	st.SetPhase(ctx, model.PhaseNeutral, Details{Reason: "excessive volatility"})
	st.MarkCalculated(ctx, model.SessionAsia, clk.Now())

	clk.Set(time.Date(2025, 6, 5, 0, 1, 0, 0, time.UTC))
	require.True(t, st.Rollover(ctx))

	snap := st.Snapshot()
	assert.Equal(t, model.PhaseNone, snap.Phase)
	assert.Empty(t, snap.Touches)
	assert.Equal(t, "2025-06-05", snap.Day)
	require.Equal(t, 1, snap.History.Len())
	assert.Equal(t, EventRollover, snap.History.At(0).Kind)
	assert.Equal(t, 1, snap.Reliability[r2].Validated)
	assert.True(t, st.CalculatedOn(model.SessionAsia, t0))
}

func TestHistoryIsBounded(t *testing.T) {
	st, clk, _ := newTestStore(t)
	for i := 0; i < 130; i++ {
		st.SetPhase(ctx, model.PhaseNone, Details{})
		clk.Advance(time.Second)
	}
	snap := st.Snapshot()
	assert.LessOrEqual(t, snap.History.Len(), 100)
	assert.GreaterOrEqual(t, snap.History.Len(), 50)
}

func TestEveryMutationIsFlushed(t *testing.T) {
	st, _, be := newTestStore(t)
	before := be.Saves()
	st.RecordBreakoutAttempt(ctx, r2)
	st.SetPhase(ctx, model.PhaseTension, Details{})
	assert.Equal(t, before+2, be.Saves())
}

func TestPersistAndRestore(t *testing.T) {
	st, clk, be := newTestStore(t)
	st.RecordBreakoutAttempt(ctx, r2)
	st.SwitchActivePivot(ctx, model.SessionAsia, "asia breakout")
	st.MarkFirstCross(ctx, model.Bullish)

	restored := New(DefaultConfig(), NewMemoryBackend(be.Data()), clk, zerolog.Nop())
	restored.Load(ctx)

	assert.Equal(t, model.SessionAsia, restored.ActivePivot())
	assert.Equal(t, 1, restored.SwitchesRemaining())
	rel, ok := restored.Reliability(r2)
	require.True(t, ok)
	assert.Equal(t, 1, rel.Attempts)
	at, ok := restored.ConsumeFirstCross(ctx, model.Bullish)
	require.True(t, ok)
	assert.True(t, at.Equal(t0))
	_, ok = restored.ConsumeFirstCross(ctx, model.Bullish)
	assert.False(t, ok)
}

func TestCorruptStateFallsBackToDefaults(t *testing.T) {
	clk := clock.NewFake(t0)
	for name, be := range map[string]*MemoryBackend{
		"garbage":       NewMemoryBackend([]byte("{not json")),
		"unknown phase": NewMemoryBackend([]byte(`{"day":"2025-06-04","active_pivot":"classic","phase":"BOGUS"}`)),
		"unreadable":    {LoadErr: errors.New("disk gone")},
	} {
		st := New(DefaultConfig(), be, clk, zerolog.Nop())
		st.Load(ctx)
		assert.Equal(t, model.PhaseNone, st.Phase(), name)
		assert.Equal(t, model.SessionClassic, st.ActivePivot(), name)
	}
}

func TestFlushFailureIsNotFatal(t *testing.T) {
	st, _, be := newTestStore(t)
	var flushErr error
	st.OnFlush = func(_ time.Duration, err error) { flushErr = err }
	be.SaveErr = errors.New("read-only")

	st.SetPhase(ctx, model.PhaseTension, Details{})
	assert.Equal(t, model.PhaseTension, st.Phase())
	assert.Error(t, flushErr)
}
