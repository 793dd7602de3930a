// Package session decides when each profile's pivot levels are computed,
// fetches the session bar that feeds them, checks its quality and caches the
// resulting level set.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pivot-signals/internal/clock"
	"pivot-signals/internal/markethours"
	"pivot-signals/internal/metrics"
	"pivot-signals/internal/model"
	"pivot-signals/internal/pivot"
)

// ErrInsufficientRange is returned when a session bar is too narrow to
// derive meaningful levels.
var ErrInsufficientRange = errors.New("session: insufficient range")

// Config holds quality and materiality thresholds.
type Config struct {
	MinRange          map[model.Session]float64
	MinVolume         map[model.Session]int64
	MaterialityDiff   float64 // $ on R2, S2 or pivot
	NestedRangeRatio  float64 // new range <= ratio * old range ...
	NestedCenterRatio float64 // ... and center within ratio * old half-width
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinRange: map[model.Session]float64{
			model.SessionClassic: 8,
			model.SessionAsia:    6,
			model.SessionEurope:  10,
		},
		MinVolume: map[model.Session]int64{
			model.SessionClassic: 1000,
			model.SessionAsia:    500,
			model.SessionEurope:  1500,
		},
		MaterialityDiff:   5,
		NestedRangeRatio:  0.8,
		NestedCenterRatio: 0.3,
	}
}

// Markers records which profile was computed on which UTC day.
type Markers interface {
	CalculatedOn(profile model.Session, day time.Time) bool
	MarkCalculated(ctx context.Context, profile model.Session, day time.Time)
}

// Manager owns the per-profile level cache.
type Manager struct {
	cfg     Config
	data    model.MarketData
	markers Markers
	sink    model.SignalSink
	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	cache map[model.Session]*model.LevelSet
}

// New creates a Manager. sink and m may be nil.
func New(cfg Config, data model.MarketData, markers Markers, sink model.SignalSink, clk clock.Clock, log zerolog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		cfg:     cfg,
		data:    data,
		markers: markers,
		sink:    sink,
		clock:   clk,
		log:     log.With().Str("component", "session").Logger(),
		metrics: m,
		cache:   make(map[model.Session]*model.LevelSet),
	}
}

// Restore seeds the cache from the level archive. Asia and europe sets are
// only restored when they were computed today; classic keeps the latest.
func (m *Manager) Restore(ctx context.Context, archive model.LevelArchive) {
	if archive == nil {
		return
	}
	now := m.clock.Now()
	for _, s := range model.Sessions {
		set, err := archive.LatestLevels(ctx, s)
		if err != nil {
			m.log.Warn().Err(err).Str("session", string(s)).Msg("level restore failed")
			continue
		}
		if set == nil {
			continue
		}
		if s != model.SessionClassic && !markethours.SameDay(set.Day, now) {
			m.log.Debug().Str("session", string(s)).Str("day", markethours.DayKey(set.Day)).Msg("stale levels not restored")
			continue
		}
		m.store(set)
		m.log.Info().
			Str("session", string(s)).
			Str("day", markethours.DayKey(set.Day)).
			Float64("pivot", set.Pivot()).
			Msg("levels restored")
	}
}

// Warmup computes the classic levels from the previous trading day when none
// are cached yet.
func (m *Manager) Warmup(ctx context.Context) error {
	if m.Levels(model.SessionClassic) != nil {
		return nil
	}
	now := m.clock.Now()
	day := markethours.PreviousTradingDay(now)
	m.log.Info().Str("day", markethours.DayKey(day)).Msg("no classic levels cached, computing from previous trading day")
	_, err := m.compute(ctx, model.SessionClassic, day, day.AddDate(0, 0, 1), now)
	return err
}

// Due returns the profiles whose computation moment has come and which have
// not been computed yet today.
func (m *Manager) Due(now time.Time) []model.Session {
	var due []model.Session
	for _, s := range model.Sessions {
		if !markethours.IsCalcWindow(s, now) || m.markers.CalculatedOn(s, now) {
			continue
		}
		if s != model.SessionClassic && !markethours.IsTradingDay(now) {
			continue
		}
		due = append(due, s)
	}
	return due
}

// RunDue computes every due profile and returns those that succeeded.
// Transient failures leave the profile due so the next tick retries; an
// insufficient range marks it done for the day.
func (m *Manager) RunDue(ctx context.Context) []model.Session {
	now := m.clock.Now()
	var done []model.Session
	for _, s := range m.Due(now) {
		_, err := m.Compute(ctx, s)
		switch {
		case err == nil:
			m.markers.MarkCalculated(ctx, s, now)
			done = append(done, s)
		case errors.Is(err, ErrInsufficientRange), errors.Is(err, pivot.ErrInvalidBar):
			m.markers.MarkCalculated(ctx, s, now)
			m.log.Warn().Err(err).Str("session", string(s)).Msg("levels rejected, keeping previous set")
		default:
			m.log.Warn().Err(err).Str("session", string(s)).Msg("level computation failed, will retry")
		}
	}
	return done
}

// Compute fetches the session bar of s for the current time, checks its
// quality and caches the new level set. On failure the previous set stays.
func (m *Manager) Compute(ctx context.Context, s model.Session) (*model.LevelSet, error) {
	now := m.clock.Now()
	from, to := markethours.Window(s, now)
	return m.compute(ctx, s, from, to, now)
}

func (m *Manager) compute(ctx context.Context, s model.Session, from, to, now time.Time) (*model.LevelSet, error) {
	set, err := m.build(ctx, s, from, to, now)
	m.observe(s, err)
	if err != nil {
		return nil, err
	}
	m.store(set)
	if m.sink != nil {
		m.sink.SaveLevels(ctx, *set)
	}
	m.log.Info().
		Str("session", string(s)).
		Str("source_day", markethours.DayKey(from)).
		Float64("pivot", set.Pivot()).
		Float64("r2", set.R(2)).
		Float64("s2", set.S(2)).
		Msg("levels computed")
	return set, nil
}

func (m *Manager) build(ctx context.Context, s model.Session, from, to, now time.Time) (*model.LevelSet, error) {
	var (
		bar model.OHLCBar
		err error
	)
	if s == model.SessionClassic {
		bar, err = m.data.DailyBar(ctx, from)
	} else {
		bar, err = m.data.SessionBar(ctx, from, to)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s bar: %w", s, err)
	}
	set, err := pivot.Calculate(s, bar, markethours.StartOfDay(now), now)
	if err != nil {
		return nil, fmt.Errorf("compute %s levels: %w", s, err)
	}
	if err := m.CheckQuality(s, bar); err != nil {
		return nil, err
	}
	return &set, nil
}

func (m *Manager) observe(s model.Session, err error) {
	if m.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNoData):
		result = "no_data"
	case errors.Is(err, ErrInsufficientRange):
		result = "insufficient_range"
	case errors.Is(err, pivot.ErrInvalidBar):
		result = "invalid_bar"
	default:
		result = "error"
	}
	m.metrics.LevelComputations.WithLabelValues(string(s), result).Inc()
}

// CheckQuality rejects bars narrower than the profile's minimum range. Low
// volume is only logged.
func (m *Manager) CheckQuality(s model.Session, bar model.OHLCBar) error {
	if floor := m.cfg.MinRange[s]; bar.Range() < floor {
		return fmt.Errorf("%w: %s range %.2f < %.2f", ErrInsufficientRange, s, bar.Range(), floor)
	}
	if floor := m.cfg.MinVolume[s]; bar.Volume > 0 && bar.Volume < floor {
		m.log.Warn().Str("session", string(s)).Int64("volume", bar.Volume).Int64("min", floor).Msg("low session volume")
	}
	return nil
}

func (m *Manager) store(set *model.LevelSet) {
	m.mu.Lock()
	m.cache[set.Session] = set
	m.mu.Unlock()
}

// Levels returns the cached level set of s, or nil before its first
// computation. The returned set must not be modified.
func (m *Manager) Levels(s model.Session) *model.LevelSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache[s]
}

// Available reports which profiles have a cached level set.
func (m *Manager) Available() map[model.Session]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[model.Session]bool, len(model.Sessions))
	for _, s := range model.Sessions {
		out[s] = m.cache[s] != nil
	}
	return out
}

// IsSwitchMeaningful reports whether moving from the from set to the to set
// is a genuine structural shift, with a reason for logs.
func (m *Manager) IsSwitchMeaningful(to, from model.Session) (bool, string) {
	next, cur := m.Levels(to), m.Levels(from)
	if next == nil || cur == nil {
		return false, "missing levels for comparison"
	}

	r2Diff := math.Abs(next.R(2) - cur.R(2))
	s2Diff := math.Abs(next.S(2) - cur.S(2))
	pDiff := math.Abs(next.Pivot() - cur.Pivot())
	if max(r2Diff, s2Diff, pDiff) < m.cfg.MaterialityDiff {
		return false, fmt.Sprintf("differences too small: R2 %.1f$, S2 %.1f$, pivot %.1f$", r2Diff, s2Diff, pDiff)
	}
	if m.nested(next, cur) {
		return false, "new range nested in current range"
	}
	return true, fmt.Sprintf("switch justified: R2 %.1f$, S2 %.1f$, pivot %.1f$", r2Diff, s2Diff, pDiff)
}

// nested reports whether next's [S2,R2] range is markedly narrower than
// cur's and centred close to it.
func (m *Manager) nested(next, cur *model.LevelSet) bool {
	nextRange := next.R(2) - next.S(2)
	curRange := cur.R(2) - cur.S(2)
	if nextRange > curRange*m.cfg.NestedRangeRatio {
		return false
	}
	nextCenter := (next.R(2) + next.S(2)) / 2
	curCenter := (cur.R(2) + cur.S(2)) / 2
	return math.Abs(nextCenter-curCenter) < curRange/2*m.cfg.NestedCenterRatio
}

// Describe returns a one-line summary of s's cached levels.
func (m *Manager) Describe(s model.Session) string {
	set := m.Levels(s)
	if set == nil {
		return fmt.Sprintf("%s: unavailable", s)
	}
	return fmt.Sprintf("%s: P %.2f | R1 %.2f R2 %.2f | S1 %.2f S2 %.2f (%s)",
		s, set.Pivot(), set.R(1), set.R(2), set.S(1), set.S(2), markethours.DayKey(set.Day))
}
