package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pivot-signals/internal/clock"
	"pivot-signals/internal/model"
	"pivot-signals/internal/ringbuf"
)

// Backend persists the encoded record. Load returns nil, nil when nothing
// has been stored yet.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Store owns the durable record. Mutations run on the evaluation cycle; the
// mutex only guards concurrent readers such as the status endpoint.
type Store struct {
	cfg     Config
	backend Backend
	clock   clock.Clock
	log     zerolog.Logger

	mu sync.RWMutex
	st *State

	// OnFlush, if set, observes every backend write.
	OnFlush func(d time.Duration, err error)
}

// New creates a store with a fresh default record. Call Load to restore the
// persisted one.
func New(cfg Config, backend Backend, clk clock.Clock, log zerolog.Logger) *Store {
	return &Store{
		cfg:     cfg,
		backend: backend,
		clock:   clk,
		log:     log.With().Str("component", "state").Logger(),
		st:      newState(cfg, clk.Now()),
	}
}

// Load restores the persisted record. Unreadable or corrupt data is replaced
// by a fresh default record and a warning; it never fails the caller.
func (s *Store) Load(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	data, err := s.backend.Load(ctx)
	switch {
	case err != nil:
		s.log.Warn().Err(err).Msg("state unreadable, starting from defaults")
		s.st = newState(s.cfg, now)
	case data == nil:
		s.log.Info().Msg("no persisted state, starting from defaults")
		s.st = newState(s.cfg, now)
	default:
		st := newState(s.cfg, now)
		err := json.Unmarshal(data, st)
		if st.History == nil {
			st.History = ringbuf.New[Event](s.cfg.HistoryCapacity, s.cfg.HistoryRetain)
		}
		if err != nil || !st.valid() {
			s.log.Warn().Err(err).Msg("persisted state corrupt, starting from defaults")
			st = newState(s.cfg, now)
		} else {
			s.log.Info().
				Str("day", st.Day).
				Str("active_pivot", string(st.ActivePivot)).
				Str("phase", string(st.Phase)).
				Int("switches", st.SwitchesCount).
				Int("levels_tracked", len(st.Reliability)).
				Msg("state restored")
		}
		s.st = st
	}
	s.rolloverLocked(ctx, now)
}

// Snapshot returns a deep copy of the record.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.clone()
}

// Phase returns the current breakout phase.
func (s *Store) Phase() model.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Phase
}

// ActivePivot returns the authoritative level-set profile.
func (s *Store) ActivePivot() model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ActivePivot
}

// BreakoutLevel returns the level of the current phase, if any.
func (s *Store) BreakoutLevel() (model.LevelKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.st.BreakoutLevel == nil {
		return model.LevelKey{}, false
	}
	return *s.st.BreakoutLevel, true
}

// SwitchesRemaining returns how many pivot switches are left today.
func (s *Store) SwitchesRemaining() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return max(s.cfg.MaxDailySwitches-s.st.SwitchesCount, 0)
}

// Reliability returns a copy of the stats of a level.
func (s *Store) Reliability(key model.LevelKey) (Reliability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.st.Reliability[key]
	if !ok {
		return Reliability{}, false
	}
	return *r, true
}

// Rollover applies the daily reset if the UTC day changed since the last
// operation. It reports whether a reset happened.
func (s *Store) Rollover(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rolloverLocked(ctx, s.clock.Now())
}

func (s *Store) rolloverLocked(ctx context.Context, now time.Time) bool {
	today := now.UTC().Format("2006-01-02")
	if s.st.Day == today {
		return false
	}
	prev := s.st.Day
	s.st.Day = today
	s.st.SwitchesCount = 0
	s.st.ActivePivot = model.SessionClassic
	s.st.Phase = model.PhaseNone
	s.st.PhaseSince = now
	s.st.PhaseReason = "daily reset"
	s.clearBreakout()
	s.st.Touches = nil
	s.st.RangeReturn = RangeReturn{}
	clear(s.st.FirstCross)
	s.st.History.Reset()
	s.appendLocked(now, Event{Kind: EventRollover, From: prev, To: today})
	s.log.Info().Str("from", prev).Str("to", today).Msg("daily state reset")
	s.flushLocked(ctx, now)
	return true
}

// SwitchActivePivot makes to the authoritative level set. It fails when the
// daily budget is exhausted. Switching to the already active set only resets
// the phase and does not consume budget.
func (s *Store) SwitchActivePivot(ctx context.Context, to model.Session, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.rolloverLocked(ctx, now)

	from := s.st.ActivePivot
	if from != to {
		if s.st.SwitchesCount >= s.cfg.MaxDailySwitches {
			s.log.Warn().
				Str("from", string(from)).
				Str("to", string(to)).
				Int("switches", s.st.SwitchesCount).
				Msg("pivot switch refused, daily budget exhausted")
			return false
		}
		s.st.SwitchesCount++
	}

	s.st.ActivePivot = to
	if s.st.Phase != model.PhaseNone {
		s.appendLocked(now, Event{Kind: EventPhase, From: string(s.st.Phase), To: string(model.PhaseNone), Reason: "pivot switch"})
	}
	s.st.Phase = model.PhaseNone
	s.st.PhaseSince = now
	s.st.PhaseReason = reason
	s.clearBreakout()
	s.st.Touches = nil
	clear(s.st.FirstCross)
	s.appendLocked(now, Event{Kind: EventSwitch, From: string(from), To: string(to), Reason: reason, Count: s.st.SwitchesCount})
	s.flushLocked(ctx, now)

	s.log.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Int("switches", s.st.SwitchesCount).
		Msg("active pivot switched")
	return true
}

// SetPhase transitions the phase, merges d into the record and logs the
// transition in history.
func (s *Store) SetPhase(ctx context.Context, phase model.Phase, d Details) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.rolloverLocked(ctx, now)
	s.setPhaseLocked(now, phase, d)
	s.flushLocked(ctx, now)
}

func (s *Store) setPhaseLocked(now time.Time, phase model.Phase, d Details) {
	from := s.st.Phase
	s.st.Phase = phase
	s.st.PhaseSince = now
	s.st.PhaseReason = d.Reason
	if phase == model.PhaseNone {
		s.clearBreakout()
	}
	if d.Level != nil {
		k := *d.Level
		s.st.BreakoutLevel = &k
	}
	if d.Direction != "" {
		s.st.BreakoutDirection = d.Direction
	}
	if d.Price != 0 {
		s.st.BreakoutPrice = d.Price
	}
	s.appendLocked(now, Event{Kind: EventPhase, From: string(from), To: string(phase), Level: d.Level, Reason: d.Reason})
	s.log.Info().
		Str("from", string(from)).
		Str("to", string(phase)).
		Str("reason", d.Reason).
		Msg("phase transition")
}

// RecordTensionTouch records a touch near an extreme level and prunes touches
// older than the tension window. When the level reaches the touch threshold
// the phase escalates to TENSION, unless a breakout is in flight or
// signalling is neutralised. It returns the level's touch count in the window
// and whether this touch escalated the phase.
func (s *Store) RecordTensionTouch(ctx context.Context, key model.LevelKey, price float64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.rolloverLocked(ctx, now)

	cutoff := now.Add(-s.cfg.TensionWindow)
	kept := s.st.Touches[:0]
	for _, t := range s.st.Touches {
		if !t.At.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	s.st.Touches = append(kept, Touch{Level: key, Price: price, At: now})

	count := 0
	for _, t := range s.st.Touches {
		if t.Level == key {
			count++
		}
	}

	escalated := false
	if count >= s.cfg.TensionTouches && s.canEscalate(key) {
		k := key
		s.setPhaseLocked(now, model.PhaseTension, Details{Reason: "repeated touches", Level: &k, Price: price})
		s.appendLocked(now, Event{Kind: EventTension, Level: &k, Count: count})
		escalated = true
	}
	s.flushLocked(ctx, now)
	return count, escalated
}

func (s *Store) canEscalate(key model.LevelKey) bool {
	switch s.st.Phase {
	case model.PhasePartial, model.PhaseValidated, model.PhaseNeutral:
		return false
	case model.PhaseTension:
		return s.st.BreakoutLevel == nil || *s.st.BreakoutLevel != key
	}
	return true
}

// RecordBreakoutAttempt counts a breakout attempt against key.
func (s *Store) RecordBreakoutAttempt(ctx context.Context, key model.LevelKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.rolloverLocked(ctx, now)

	r := s.reliabilityLocked(key)
	r.Attempts++
	r.Score = score(r)
	r.LastUpdate = now
	k := key
	s.appendLocked(now, Event{Kind: EventAttempt, Level: &k, Count: r.Attempts})
	s.flushLocked(ctx, now)
}

// RecordBreakoutResult counts a validated or invalidated outcome against key.
func (s *Store) RecordBreakoutResult(ctx context.Context, key model.LevelKey, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.rolloverLocked(ctx, now)

	r := s.reliabilityLocked(key)
	if success {
		r.Validated++
	} else {
		r.Invalidated++
	}
	r.Score = score(r)
	r.LastUpdate = now
	k := key
	s.appendLocked(now, Event{Kind: EventResult, Level: &k, Success: success})
	s.flushLocked(ctx, now)

	s.log.Info().
		Str("level", key.Label()).
		Bool("success", success).
		Int("attempts", r.Attempts).
		Float64("score", r.Score).
		Msg("breakout result recorded")
}

func (s *Store) reliabilityLocked(key model.LevelKey) *Reliability {
	r, ok := s.st.Reliability[key]
	if !ok {
		r = &Reliability{}
		s.st.Reliability[key] = r
	}
	return r
}

func score(r *Reliability) float64 {
	if r.Attempts == 0 {
		return 0
	}
	v := decimal.NewFromInt(int64(r.Validated)).
		Div(decimal.NewFromInt(int64(r.Attempts))).
		Mul(decimal.NewFromInt(100)).
		Round(1)
	return v.InexactFloat64()
}

// IsLevelReliable gives unproven levels the benefit of the doubt; levels with
// enough attempts must reach the minimum score.
func (s *Store) IsLevelReliable(key model.LevelKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.st.Reliability[key]
	if !ok || r.Attempts < s.cfg.ReliabilityMinAttempts {
		return true
	}
	return r.Score >= s.cfg.ReliabilityMinScore
}

// CheckSustainedRangeReturn tracks the contiguous stay of price inside
// [s1, r1]. It returns true exactly once per stay, on the first call at
// which the stay has lasted the hold duration. Leaving the range resets it.
func (s *Store) CheckSustainedRangeReturn(ctx context.Context, price, r1, s1 float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.rolloverLocked(ctx, now)

	rr := &s.st.RangeReturn
	if price < s1 || price > r1 {
		if rr.Since != nil || rr.Fired {
			*rr = RangeReturn{}
			s.flushLocked(ctx, now)
		}
		return false
	}
	if rr.Since == nil {
		t := now
		rr.Since = &t
		rr.Fired = false
		s.flushLocked(ctx, now)
		return false
	}
	if rr.Fired || now.Sub(*rr.Since) < s.cfg.RangeReturnHold {
		return false
	}
	rr.Fired = true
	s.flushLocked(ctx, now)
	s.log.Info().Dur("in_range", now.Sub(*rr.Since)).Msg("sustained return into central range")
	return true
}

// InRangeSince returns the start of the current stay inside the central range.
func (s *Store) InRangeSince() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.st.RangeReturn.Since == nil {
		return time.Time{}, false
	}
	return *s.st.RangeReturn.Since, true
}

// ShouldForceNeutral reports whether enough invalidations happened within
// the trailing neutral window.
func (s *Store) ShouldForceNeutral() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.clock.Now().Add(-s.cfg.NeutralWindow)
	n := 0
	for _, e := range s.st.History.Items() {
		if e.Kind == EventPhase && e.To == string(model.PhaseInvalidated) && e.At.After(cutoff) {
			n++
		}
	}
	return n >= s.cfg.NeutralInvalidations
}

// MarkFirstCross records the first R1 (bullish) or S1 (bearish) crossing of
// the current cycle. Later crossings are ignored until the mark is consumed.
func (s *Store) MarkFirstCross(ctx context.Context, dir model.Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.rolloverLocked(ctx, now)
	if _, ok := s.st.FirstCross[dir]; ok {
		return
	}
	s.st.FirstCross[dir] = now
	s.flushLocked(ctx, now)
}

// ConsumeFirstCross returns and clears the crossing mark of dir.
func (s *Store) ConsumeFirstCross(ctx context.Context, dir model.Direction) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.st.FirstCross[dir]
	if !ok {
		return time.Time{}, false
	}
	delete(s.st.FirstCross, dir)
	s.flushLocked(ctx, s.clock.Now())
	return t, true
}

// CalculatedOn reports whether profile was computed on day's UTC date.
func (s *Store) CalculatedOn(profile model.Session, day time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.LastCalc[profile] == day.UTC().Format("2006-01-02")
}

// MarkCalculated records that profile was computed on day's UTC date.
func (s *Store) MarkCalculated(ctx context.Context, profile model.Session, day time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.LastCalc[profile] = day.UTC().Format("2006-01-02")
	s.flushLocked(ctx, s.clock.Now())
}

func (s *Store) clearBreakout() {
	s.st.BreakoutLevel = nil
	s.st.BreakoutDirection = ""
	s.st.BreakoutPrice = 0
}

func (s *Store) appendLocked(now time.Time, e Event) {
	e.At = now
	s.st.History.Push(e)
}

// flushLocked writes the record synchronously. Failures are logged; the
// in-memory record stays authoritative for the rest of the process.
func (s *Store) flushLocked(ctx context.Context, now time.Time) {
	s.st.UpdatedAt = now
	start := time.Now()
	err := s.write(ctx)
	if s.OnFlush != nil {
		s.OnFlush(time.Since(start), err)
	}
	if err != nil {
		s.log.Error().Err(err).Msg("state flush failed")
	}
}

func (s *Store) write(ctx context.Context) error {
	data, err := json.Marshal(s.st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.backend.Save(ctx, data); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}
