// Package breakout detects extreme-level breakouts and follows each one
// through stabilization to validation or invalidation.
//
// The validator owns two bounded in-memory buffers: the recent price series
// used by the volatility gate, and the stabilization trackers of in-flight
// breakouts. Everything else lives in the durable state store.
package breakout

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"pivot-signals/internal/clock"
	"pivot-signals/internal/model"
	"pivot-signals/internal/ringbuf"
	"pivot-signals/internal/state"
	"pivot-signals/internal/temporal"
)

// Config holds the detection thresholds. Time-based criteria marked as base
// values are scaled by the temporal profile.
type Config struct {
	BreakoutAmplitude       float64       // $ beyond R2/S2
	TensionDistance         float64       // $ from an unbroken R2/S2
	RetracementLimit        float64       // fraction of start->level distance
	StabilizationLookback   time.Duration // tracker sample retention
	MinStabilizationSamples int
	TrackerTimeout          time.Duration
	SpeedThreshold          time.Duration // base R1->R2 time for a fast breakout
	VolatilityThreshold     float64       // base, percent
	VolatilityWindow        time.Duration
	VolatilityMinSamples    int
	PriceBufferCapacity     int           // minimum; raised to cover the longest window
	SampleInterval          time.Duration // spacing of observed prices (the poll interval)
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		BreakoutAmplitude:       2.0,
		TensionDistance:         1.0,
		RetracementLimit:        0.5,
		StabilizationLookback:   20 * time.Minute,
		MinStabilizationSamples: 3,
		TrackerTimeout:          30 * time.Minute,
		SpeedThreshold:          3 * time.Minute,
		VolatilityThreshold:     1.0,
		VolatilityWindow:        60 * time.Minute,
		VolatilityMinSamples:    10,
		PriceBufferCapacity:     512,
		SampleInterval:          time.Minute,
	}
}

// capacityFor returns a buffer size that still holds every sample of span
// after the ring evicts down to half its capacity.
func (c Config) capacityFor(span time.Duration) int {
	capacity := c.PriceBufferCapacity
	if c.SampleInterval <= 0 {
		return capacity
	}
	if need := 2 * (int(span/c.SampleInterval) + 1); need > capacity {
		capacity = need
	}
	return capacity
}

// StateStore is the part of the durable store the validator drives.
type StateStore interface {
	Phase() model.Phase
	BreakoutLevel() (model.LevelKey, bool)
	SetPhase(ctx context.Context, phase model.Phase, d state.Details)
	RecordTensionTouch(ctx context.Context, key model.LevelKey, price float64) (int, bool)
	RecordBreakoutAttempt(ctx context.Context, key model.LevelKey)
	RecordBreakoutResult(ctx context.Context, key model.LevelKey, success bool)
	IsLevelReliable(key model.LevelKey) bool
	CheckSustainedRangeReturn(ctx context.Context, price, r1, s1 float64) bool
	InRangeSince() (time.Time, bool)
	ShouldForceNeutral() bool
	MarkFirstCross(ctx context.Context, dir model.Direction)
	ConsumeFirstCross(ctx context.Context, dir model.Direction) (time.Time, bool)
}

// PricePoint is one observed price.
type PricePoint struct {
	Price float64
	At    time.Time
}

// Tracker follows one in-flight breakout.
type Tracker struct {
	Level      model.PriceLevel
	Direction  model.Direction
	StartTime  time.Time
	StartPrice float64
	Amplitude  float64
	Fast       bool

	samples *ringbuf.Ring[PricePoint]
}

func newPriceRing(capacity int) *ringbuf.Ring[PricePoint] {
	return ringbuf.New[PricePoint](capacity, capacity/2)
}

// Validator runs the per-tick breakout protocol.
type Validator struct {
	cfg      Config
	store    StateStore
	temporal *temporal.Context
	clock    clock.Clock
	log      zerolog.Logger

	prices   *ringbuf.Ring[PricePoint]
	trackers map[model.LevelKey]*Tracker
}

// New creates a Validator.
func New(cfg Config, store StateStore, tc *temporal.Context, clk clock.Clock, log zerolog.Logger) *Validator {
	return &Validator{
		cfg:      cfg,
		store:    store,
		temporal: tc,
		clock:    clk,
		log:      log.With().Str("component", "breakout").Logger(),
		prices:   newPriceRing(cfg.capacityFor(cfg.VolatilityWindow)),
		trackers: make(map[model.LevelKey]*Tracker),
	}
}

// Evaluate runs one tick of the protocol against the active level set and
// returns the signal it produced, or nil. Steps run in order and the first
// one that emits a signal ends the tick:
// range return, extreme breakout, tension, invalidation, stabilization.
func (v *Validator) Evaluate(ctx context.Context, price float64, levels *model.LevelSet) model.Signal {
	now := v.clock.Now()

	if sig := v.checkRangeReturn(ctx, price, levels, now); sig != nil {
		return sig
	}

	if sig := v.checkExtremeBreakout(ctx, price, levels, now); sig != nil {
		return sig
	}
	v.trackFirstCross(ctx, price, levels)

	if sig := v.checkTension(ctx, price, levels); sig != nil {
		return sig
	}
	if sig := v.checkInvalidation(ctx, price, levels); sig != nil {
		return sig
	}
	return v.checkStabilization(ctx, price, now)
}

func (v *Validator) checkRangeReturn(ctx context.Context, price float64, levels *model.LevelSet, now time.Time) model.Signal {
	r1, s1 := levels.R(1), levels.S(1)
	if !v.store.CheckSustainedRangeReturn(ctx, price, r1, s1) {
		return nil
	}
	if phase := v.store.Phase(); phase != model.PhaseInvalidated {
		v.log.Debug().Str("phase", string(phase)).Msg("sustained range return outside invalidation, ignored")
		return nil
	}
	v.store.SetPhase(ctx, model.PhaseNeutral, state.Details{Reason: "range return", Price: price})
	var held time.Duration
	if since, ok := v.store.InRangeSince(); ok {
		held = now.Sub(since)
	}
	return model.RangeReturnSignal{Price: price, R1: r1, S1: s1, InRange: held}
}

// trackFirstCross stamps the first R1/S1 crossing used to qualify fast
// breakouts. A move back into the central range discards stale marks.
func (v *Validator) trackFirstCross(ctx context.Context, price float64, levels *model.LevelSet) {
	switch v.store.Phase() {
	case model.PhasePartial, model.PhaseValidated:
		return
	}
	switch {
	case price > levels.R(1):
		v.store.MarkFirstCross(ctx, model.Bullish)
	case price < levels.S(1):
		v.store.MarkFirstCross(ctx, model.Bearish)
	default:
		v.store.ConsumeFirstCross(ctx, model.Bullish)
		v.store.ConsumeFirstCross(ctx, model.Bearish)
	}
}

func (v *Validator) canBreak(phase model.Phase) bool {
	switch phase {
	case model.PhaseNone, model.PhaseTension, model.PhaseInvalidated:
		return true
	case model.PhasePartial:
		// abandoned tracker
		return len(v.trackers) == 0
	}
	return false
}

func (v *Validator) checkExtremeBreakout(ctx context.Context, price float64, levels *model.LevelSet, now time.Time) model.Signal {
	if !v.canBreak(v.store.Phase()) {
		return nil
	}
	for _, lvl := range levels.Extremes() {
		if _, tracking := v.trackers[lvl.Key]; tracking {
			continue
		}

		var dir model.Direction
		switch {
		case lvl.Key.Kind == model.LevelResistance && price > lvl.Value+v.cfg.BreakoutAmplitude:
			dir = model.Bullish
		case lvl.Key.Kind == model.LevelSupport && price < lvl.Value-v.cfg.BreakoutAmplitude:
			dir = model.Bearish
		default:
			continue
		}

		if !v.store.IsLevelReliable(lvl.Key) {
			v.log.Info().Str("level", lvl.Label()).Float64("price", price).Msg("breakout ignored, level unreliable")
			continue
		}

		amplitude := math.Abs(price - lvl.Value)
		v.store.RecordBreakoutAttempt(ctx, lvl.Key)

		var fast bool
		var speed time.Duration
		if crossed, ok := v.store.ConsumeFirstCross(ctx, dir); ok {
			speed = now.Sub(crossed)
			fast = speed <= v.temporal.SpeedThreshold(now, v.cfg.SpeedThreshold)
		}

		tr := &Tracker{
			Level:      lvl,
			Direction:  dir,
			StartTime:  now,
			StartPrice: price,
			Amplitude:  amplitude,
			Fast:       fast,
			samples:    newPriceRing(v.cfg.capacityFor(v.cfg.StabilizationLookback)),
		}
		tr.samples.Push(PricePoint{Price: price, At: now})
		v.trackers[lvl.Key] = tr

		key := lvl.Key
		v.store.SetPhase(ctx, model.PhasePartial, state.Details{
			Reason:    "extreme breakout",
			Level:     &key,
			Direction: dir,
			Price:     price,
		})
		v.log.Info().
			Str("level", lvl.Label()).
			Str("direction", string(dir)).
			Float64("price", price).
			Float64("amplitude", amplitude).
			Bool("fast", fast).
			Msg("breakout in validation")

		return model.PartialBreakoutSignal{
			Level:        lvl,
			Price:        price,
			Amplitude:    amplitude,
			Direction:    dir,
			Fast:         fast,
			SpeedMinutes: speed.Minutes(),
		}
	}
	return nil
}

func (v *Validator) checkTension(ctx context.Context, price float64, levels *model.LevelSet) model.Signal {
	for _, lvl := range levels.Extremes() {
		if math.Abs(price-lvl.Value) > v.cfg.TensionDistance || v.isBroken(lvl.Key) {
			continue
		}
		touches, _ := v.store.RecordTensionTouch(ctx, lvl.Key, price)
		cur, ok := v.store.BreakoutLevel()
		if v.store.Phase() != model.PhaseTension || !ok || cur != lvl.Key {
			continue
		}
		distance := lvl.Value - price
		if lvl.Key.Kind == model.LevelSupport {
			distance = price - lvl.Value
		}
		return model.TensionSignal{Level: lvl, Price: price, Distance: distance, Touches: touches}
	}
	return nil
}

// isBroken reports whether key is the level of an in-flight or validated
// breakout.
func (v *Validator) isBroken(key model.LevelKey) bool {
	if _, ok := v.trackers[key]; ok {
		return true
	}
	switch v.store.Phase() {
	case model.PhasePartial, model.PhaseValidated:
		cur, ok := v.store.BreakoutLevel()
		return ok && cur == key
	}
	return false
}

func (v *Validator) checkInvalidation(ctx context.Context, price float64, levels *model.LevelSet) model.Signal {
	phase := v.store.Phase()
	if phase != model.PhasePartial && phase != model.PhaseValidated {
		return nil
	}
	if !levels.InCentralRange(price) {
		return nil
	}

	var broken model.PriceLevel
	if key, ok := v.store.BreakoutLevel(); ok {
		broken = model.PriceLevel{Key: key}
		if lvl, found := levels.Level(key.Kind, key.Rank); found && lvl.Key == key {
			broken = lvl
		}
		if phase == model.PhasePartial {
			v.store.RecordBreakoutResult(ctx, key, false)
		}
	}
	clear(v.trackers)

	v.log.Warn().Float64("price", price).Str("level", broken.Label()).Msg("price back in central range, breakout invalidated")
	v.store.SetPhase(ctx, model.PhaseInvalidated, state.Details{Reason: "returned to central range", Price: price})

	neutral := v.store.ShouldForceNeutral()
	if neutral {
		v.store.SetPhase(ctx, model.PhaseNeutral, state.Details{Reason: "too many invalidations"})
	}
	return model.InvalidatedSignal{Level: broken, Price: price, Reason: "returned to central range", Neutralized: neutral}
}

func (v *Validator) checkStabilization(ctx context.Context, price float64, now time.Time) model.Signal {
	profile := v.temporal.ProfileAt(now)
	var result model.Signal

	for _, key := range v.trackerKeys() {
		tr := v.trackers[key]
		tr.samples.Push(PricePoint{Price: price, At: now})
		tr.samples.DropWhile(func(p PricePoint) bool { return now.Sub(p.At) > v.cfg.StabilizationLookback })

		if result != nil {
			continue
		}
		elapsed := now.Sub(tr.StartTime)
		if elapsed < profile.StabilizationTime {
			continue
		}
		if !v.stabilized(tr, now, profile) {
			continue
		}

		k := key
		v.store.SetPhase(ctx, model.PhaseValidated, state.Details{
			Reason:    "stabilized",
			Level:     &k,
			Direction: tr.Direction,
			Price:     price,
		})
		v.store.RecordBreakoutResult(ctx, key, true)
		delete(v.trackers, key)

		result = model.ValidatedSignal{
			Level:                tr.Level,
			Price:                price,
			Amplitude:            tr.Amplitude,
			Direction:            tr.Direction,
			StabilizationMinutes: elapsed.Minutes(),
			Confidence:           v.temporal.ConfidenceModifier(now),
			Fast:                 tr.Fast,
		}
	}

	for key, tr := range v.trackers {
		if now.Sub(tr.StartTime) > v.cfg.TrackerTimeout {
			delete(v.trackers, key)
			v.log.Info().Str("level", key.Label()).Msg("stabilization tracker timed out, abandoned")
		}
	}
	return result
}

// stabilized applies the three stabilization criteria to the samples inside
// the session-adapted stabilization window.
func (v *Validator) stabilized(tr *Tracker, now time.Time, profile temporal.Profile) bool {
	var recent []float64
	for _, p := range tr.samples.Items() {
		if now.Sub(p.At) <= profile.StabilizationTime {
			recent = append(recent, p.Price)
		}
	}
	if len(recent) < v.cfg.MinStabilizationSamples {
		return false
	}

	lo, hi := recent[0], recent[0]
	for _, p := range recent[1:] {
		lo = math.Min(lo, p)
		hi = math.Max(hi, p)
	}
	log := v.log.With().Str("level", tr.Level.Label()).Logger()

	if hi-lo > 2*profile.StabilizationBand {
		log.Debug().Float64("range", hi-lo).Msg("stabilization rejected, range too wide")
		return false
	}

	limit := tr.StartPrice - (tr.StartPrice-tr.Level.Value)*v.cfg.RetracementLimit
	if (tr.Direction == model.Bullish && lo < limit) || (tr.Direction == model.Bearish && hi > limit) {
		log.Debug().Float64("limit", limit).Msg("stabilization rejected, retraced toward level")
		return false
	}

	if n := consecutiveSteps(recent, tr.Direction); n < profile.MinConsecutive {
		log.Debug().Int("consecutive", n).Msg("stabilization rejected, not enough directional steps")
		return false
	}
	return true
}

// consecutiveSteps returns the longest run of steps in dir (non-decreasing
// for bullish, non-increasing for bearish).
func consecutiveSteps(prices []float64, dir model.Direction) int {
	run, best := 0, 0
	for i := 1; i < len(prices); i++ {
		step := prices[i] - prices[i-1]
		if (dir == model.Bullish && step >= 0) || (dir == model.Bearish && step <= 0) {
			run++
			best = max(best, run)
		} else {
			run = 0
		}
	}
	return best
}

func (v *Validator) trackerKeys() []model.LevelKey {
	keys := make([]model.LevelKey, 0, len(v.trackers))
	for k := range v.trackers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Label() < keys[j].Label() })
	return keys
}

// Observe appends price to the volatility buffer and prunes points older
// than the volatility window.
func (v *Validator) Observe(price float64) {
	now := v.clock.Now()
	v.prices.Push(PricePoint{Price: price, At: now})
	v.prices.DropWhile(func(p PricePoint) bool { return now.Sub(p.At) > v.cfg.VolatilityWindow })
}

// Volatility returns (max-min)/average*100 over the buffered window and
// whether enough samples exist to judge it.
func (v *Validator) Volatility() (float64, bool) {
	if v.prices.Len() < v.cfg.VolatilityMinSamples {
		return 0, false
	}
	pts := v.prices.Items()
	lo, hi, sum := pts[0].Price, pts[0].Price, 0.0
	for _, p := range pts {
		lo = math.Min(lo, p.Price)
		hi = math.Max(hi, p.Price)
		sum += p.Price
	}
	avg := sum / float64(len(pts))
	if avg == 0 {
		return 0, false
	}
	return (hi - lo) / avg * 100, true
}

// VolatilityExceeded reports whether the volatility gate trips at the
// current time, along with the measured value and the adapted threshold.
func (v *Validator) VolatilityExceeded() (bool, float64, float64) {
	threshold := v.temporal.VolatilityThreshold(v.clock.Now(), v.cfg.VolatilityThreshold)
	vol, ok := v.Volatility()
	return ok && vol > threshold, vol, threshold
}

// Trackers returns the levels with an in-flight stabilization tracker.
func (v *Validator) Trackers() []model.LevelKey {
	return v.trackerKeys()
}

// ResetTrackers drops every stabilization tracker (pivot switch).
func (v *Validator) ResetTrackers() {
	clear(v.trackers)
}

// Reset drops all in-memory buffers (daily rollover).
func (v *Validator) Reset() {
	v.prices.Reset()
	clear(v.trackers)
	v.log.Info().Msg("validator buffers reset")
}
