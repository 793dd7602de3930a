// Package engine runs one evaluation cycle: level computation, active set
// resolution, volatility gate, breakout validation, pivot switching and
// signal enrichment.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pivot-signals/internal/breakout"
	"pivot-signals/internal/clock"
	"pivot-signals/internal/logger"
	"pivot-signals/internal/markethours"
	"pivot-signals/internal/metrics"
	"pivot-signals/internal/model"
	"pivot-signals/internal/pivot"
	"pivot-signals/internal/session"
	"pivot-signals/internal/state"
	"pivot-signals/internal/temporal"
)

// ErrNoLevels is returned when the active pivot set has not been computed.
var ErrNoLevels = errors.New("engine: no levels for active pivot set")

// Config holds the trading-level offsets.
type Config struct {
	TakeProfitRatio float64 // fraction of broken-level to pivot distance
	StopLossOffset  float64 // $ behind the broken level
	TrailingOffset  float64 // $ behind price
}

// DefaultConfig returns the production offsets.
func DefaultConfig() Config {
	return Config{TakeProfitRatio: 0.8, StopLossOffset: 1, TrailingOffset: 5}
}

// Engine is the signal orchestrator. It is not safe for concurrent Tick
// calls; Status may be called from any goroutine.
type Engine struct {
	cfg       Config
	sessions  *session.Manager
	store     *state.Store
	validator *breakout.Validator
	temporal  *temporal.Context
	clock     clock.Clock
	log       zerolog.Logger
	metrics   *metrics.Metrics

	baseSpeed      time.Duration
	baseVolatility float64
}

// New creates an Engine. m may be nil.
func New(cfg Config, bcfg breakout.Config, sessions *session.Manager, store *state.Store, validator *breakout.Validator,
	tc *temporal.Context, clk clock.Clock, log zerolog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		cfg:            cfg,
		sessions:       sessions,
		store:          store,
		validator:      validator,
		temporal:       tc,
		clock:          clk,
		log:            log.With().Str("component", "engine").Logger(),
		metrics:        m,
		baseSpeed:      bcfg.SpeedThreshold,
		baseVolatility: bcfg.VolatilityThreshold,
	}
}

// Tick evaluates one price bar and returns the enriched signal, or nil when
// the cycle produced none.
func (e *Engine) Tick(ctx context.Context, bar model.OHLCBar) (*model.Envelope, error) {
	log := logger.For(ctx, e.log)

	if e.store.Rollover(ctx) {
		e.validator.Reset()
	}

	for _, s := range e.sessions.RunDue(ctx) {
		if s != model.SessionClassic {
			continue
		}
		if e.store.SwitchActivePivot(ctx, model.SessionClassic, "daily classic levels") {
			e.validator.ResetTrackers()
		} else {
			log.Warn().Msg("classic levels computed but switch budget exhausted")
		}
	}

	active := e.store.ActivePivot()
	levels := e.sessions.Levels(active)
	if levels == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoLevels, active)
	}
	defer e.observeState()

	price := bar.Close
	e.validator.Observe(price)
	exceeded, vol, threshold := e.validator.VolatilityExceeded()
	if e.metrics != nil {
		e.metrics.Volatility.Set(vol)
	}
	if exceeded {
		if e.store.Phase() != model.PhaseNeutral {
			e.store.SetPhase(ctx, model.PhaseNeutral, state.Details{Reason: "excessive volatility"})
			log.Warn().Float64("volatility_pct", vol).Float64("threshold_pct", threshold).Msg("excessive volatility, signalling neutralised")
		}
		return e.envelope(bar, levels, model.NeutralSignal{Price: price, Reason: "excessive volatility"}), nil
	}

	if e.store.Phase() == model.PhaseNeutral {
		reason := e.store.Snapshot().PhaseReason
		return e.envelope(bar, levels, model.NeutralSignal{Price: price, Reason: reason}), nil
	}

	sig := e.validator.Evaluate(ctx, price, levels)
	if sig == nil {
		return nil, nil
	}
	if v, ok := sig.(model.ValidatedSignal); ok {
		e.maybeSwitch(ctx, v)
	}
	return e.envelope(bar, levels, sig), nil
}

// maybeSwitch moves the active pivot set to the session set that fits the
// time of day after a validated extreme breakout.
func (e *Engine) maybeSwitch(ctx context.Context, v model.ValidatedSignal) {
	if !v.Level.Key.IsExtreme() || e.store.SwitchesRemaining() == 0 {
		return
	}
	now := e.clock.Now()
	active := e.store.ActivePivot()

	var target model.Session
	switch {
	case temporal.SwitchAllowed(model.SessionAsia, now) && active == model.SessionClassic:
		target = model.SessionAsia
	case temporal.SwitchAllowed(model.SessionEurope, now) && (active == model.SessionClassic || active == model.SessionAsia):
		target = model.SessionEurope
	default:
		return
	}

	ok, reason := e.sessions.IsSwitchMeaningful(target, active)
	if !ok {
		e.log.Info().Str("from", string(active)).Str("to", string(target)).Str("reason", reason).Msg("pivot switch not warranted")
		return
	}
	if e.store.SwitchActivePivot(ctx, target, "validated breakout "+v.Level.Label()) {
		e.validator.ResetTrackers()
		if e.metrics != nil {
			e.metrics.Switches.Inc()
		}
		e.log.Info().Str("from", string(active)).Str("to", string(target)).Str("reason", reason).Msg("pivot set switched")
	}
}

func (e *Engine) envelope(bar model.OHLCBar, levels *model.LevelSet, sig model.Signal) *model.Envelope {
	now := e.clock.Now()
	profile := e.temporal.ProfileAt(now)
	env := &model.Envelope{
		ID:          uuid.NewString(),
		Kind:        sig.Kind(),
		Signal:      sig,
		Price:       bar.Close,
		Volume:      bar.Volume,
		At:          now,
		ActivePivot: e.store.ActivePivot(),
		Phase:       e.store.Phase(),
		Session:     profile.Name,
		Activity:    string(profile.Activity),
	}
	if v, ok := sig.(model.ValidatedSignal); ok {
		tl := e.TradingLevels(v, levels)
		env.Trading = &tl
	}
	env.Comment = e.comment(env, profile)
	if e.metrics != nil {
		e.metrics.SignalsTotal.WithLabelValues(string(env.Kind)).Inc()
	}
	return env
}

// TradingLevels derives stop-loss, trailing stop, take-profit and the
// second target of a validated breakout from the set it was validated on.
func (e *Engine) TradingLevels(v model.ValidatedSignal, levels *model.LevelSet) model.TradingLevels {
	broken := v.Level.Value
	sign := v.Direction.Sign()
	tl := model.TradingLevels{
		StopLoss:     pivot.RoundPrice(broken - sign*e.cfg.StopLossOffset),
		TrailingStop: pivot.RoundPrice(v.Price - sign*e.cfg.TrailingOffset),
		TakeProfit:   pivot.RoundPrice(broken + (broken-levels.Pivot())*e.cfg.TakeProfitRatio),
	}
	if next, ok := levels.Beyond(v.Level.Key); ok {
		tl.Target2 = next.Value
	}
	return tl
}

func (e *Engine) comment(env *model.Envelope, profile temporal.Profile) string {
	parts := []string{
		fmt.Sprintf("pivot %s", env.ActivePivot),
		fmt.Sprintf("session %s (%s activity)", profile.Name, profile.Activity),
		fmt.Sprintf("phase %s", env.Phase),
	}
	reliability := func(l model.PriceLevel) {
		if r, ok := e.store.Reliability(l.Key); ok && r.Attempts > 0 {
			parts = append(parts, fmt.Sprintf("%s reliability %.1f%% (%d/%d)", l.Label(), r.Score, r.Validated, r.Attempts))
		}
	}
	switch s := env.Signal.(type) {
	case model.TensionSignal:
		parts = append(parts, fmt.Sprintf("%d touches %.2f$ from %s", s.Touches, s.Distance, s.Level.Label()))
	case model.PartialBreakoutSignal:
		reliability(s.Level)
		if s.Fast {
			parts = append(parts, fmt.Sprintf("fast breakout (%.0f min from R1/S1)", s.SpeedMinutes))
		}
	case model.ValidatedSignal:
		reliability(s.Level)
		parts = append(parts,
			fmt.Sprintf("stabilized %.0f min", s.StabilizationMinutes),
			fmt.Sprintf("confidence x%.2f", s.Confidence))
		if s.Fast {
			parts = append(parts, "fast breakout")
		}
	case model.InvalidatedSignal:
		if s.Neutralized {
			parts = append(parts, "too many invalidations, neutral mode")
		}
	case model.NeutralSignal:
		parts = append(parts, "signals blocked: "+s.Reason)
	case model.RangeReturnSignal:
		parts = append(parts, fmt.Sprintf("in central range for %.0f min, revalidate pivot", s.InRange.Minutes()))
	}
	return strings.Join(parts, " | ")
}

func (e *Engine) observeState() {
	if e.metrics == nil {
		return
	}
	e.metrics.Phase.Set(e.store.Phase().Gauge())
	active := e.store.ActivePivot()
	for _, s := range model.Sessions {
		v := 0.0
		if s == active {
			v = 1
		}
		e.metrics.ActivePivot.WithLabelValues(string(s)).Set(v)
	}
}

// Status is the operator summary served on /status and logged at startup.
type Status struct {
	ActivePivot       model.Session          `json:"active_pivot"`
	Phase             model.Phase            `json:"phase"`
	PhaseReason       string                 `json:"phase_reason,omitempty"`
	SwitchesCount     int                    `json:"switches_count"`
	SwitchesRemaining int                    `json:"switches_remaining"`
	CanSwitch         bool                   `json:"can_switch"`
	Available         map[model.Session]bool `json:"available"`
	Levels            []string               `json:"levels"`
	Session           string                 `json:"session"`
	Calendar          string                 `json:"calendar"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// Status returns the current summary.
func (e *Engine) Status() Status {
	now := e.clock.Now()
	snap := e.store.Snapshot()
	remaining := e.store.SwitchesRemaining()
	st := Status{
		ActivePivot:       snap.ActivePivot,
		Phase:             snap.Phase,
		PhaseReason:       snap.PhaseReason,
		SwitchesCount:     snap.SwitchesCount,
		SwitchesRemaining: remaining,
		CanSwitch:         remaining > 0,
		Available:         e.sessions.Available(),
		Session:           e.temporal.Describe(now, e.baseSpeed, e.baseVolatility),
		Calendar:          markethours.StatusString(now),
		UpdatedAt:         snap.UpdatedAt,
	}
	for _, s := range model.Sessions {
		st.Levels = append(st.Levels, e.sessions.Describe(s))
	}
	return st
}

// Banner renders the status as a multi-line block for the startup log.
func (s Status) Banner() string {
	var b strings.Builder
	b.WriteString("========================================\n")
	b.WriteString("  XAUUSD pivot breakout signals\n")
	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "  active pivot : %s\n", s.ActivePivot)
	fmt.Fprintf(&b, "  phase        : %s\n", s.Phase)
	fmt.Fprintf(&b, "  switches     : %d used, %d left\n", s.SwitchesCount, s.SwitchesRemaining)
	sessions := make([]string, 0, len(s.Available))
	for sess, ok := range s.Available {
		if ok {
			sessions = append(sessions, string(sess))
		}
	}
	slices.Sort(sessions)
	fmt.Fprintf(&b, "  levels ready : %s\n", strings.Join(sessions, ", "))
	for _, l := range s.Levels {
		fmt.Fprintf(&b, "    %s\n", l)
	}
	fmt.Fprintf(&b, "  session      : %s\n", s.Session)
	fmt.Fprintf(&b, "  calendar     : %s\n", s.Calendar)
	b.WriteString("========================================")
	return b.String()
}
