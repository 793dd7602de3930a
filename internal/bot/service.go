// Package bot runs the signal engine on a fixed polling interval: fetch the
// latest minute bar, evaluate it, dispatch the resulting signal.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"pivot-signals/internal/clock"
	"pivot-signals/internal/engine"
	"pivot-signals/internal/logger"
	"pivot-signals/internal/metrics"
	"pivot-signals/internal/model"
	"pivot-signals/internal/session"
	"pivot-signals/internal/state"
	sqlitestore "pivot-signals/internal/store/sqlite"
)

// Symbol is the only instrument the bot evaluates.
const Symbol = "XAUUSD"

const recentSignalsLimit = 20

// RecentSignals reads back the signal journal for /status.
type RecentSignals interface {
	RecentSignals(ctx context.Context, limit int) ([]sqlitestore.SignalRecord, error)
}

// Options are the collaborators of a Service. Archive, Recent, Metrics and
// Health may be nil.
type Options struct {
	Engine   *engine.Engine
	Sessions *session.Manager
	State    *state.Store
	Data     model.MarketData
	Sink     model.SignalSink
	Archive  model.LevelArchive
	Recent   RecentSignals
	Clock    clock.Clock
	Interval time.Duration
	Log      zerolog.Logger
	Metrics  *metrics.Metrics
	Health   *metrics.HealthStatus
}

// Service is the scheduling loop. Ticks run strictly one after another.
type Service struct {
	engine   *engine.Engine
	sessions *session.Manager
	state    *state.Store
	data     model.MarketData
	sink     model.SignalSink
	archive  model.LevelArchive
	clock    clock.Clock
	interval time.Duration
	log      zerolog.Logger
	prom     *metrics.Metrics
	health   *metrics.HealthStatus

	lastNeutral neutralRun // zero after any other outcome
	recent      RecentSignals

	server   *metrics.Server
	liveness func(ctx context.Context)
	closers  []func() error
}

// New creates a Service.
func New(o Options) *Service {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	return &Service{
		engine:   o.Engine,
		sessions: o.Sessions,
		state:    o.State,
		data:     o.Data,
		sink:     o.Sink,
		archive:  o.Archive,
		recent:   o.Recent,
		clock:    o.Clock,
		interval: o.Interval,
		log:      o.Log.With().Str("component", "bot").Logger(),
		prom:     o.Metrics,
		health:   o.Health,
	}
}

// Start restores persisted state and levels and makes sure classic levels
// exist before the first tick.
func (svc *Service) Start(ctx context.Context) {
	svc.state.Load(ctx)
	svc.sessions.Restore(ctx, svc.archive)
	if err := svc.sessions.Warmup(ctx); err != nil {
		svc.log.Warn().Err(err).Msg("classic level warmup failed, retrying on the next tick")
	}
	svc.log.Info().Msg("\n" + svc.engine.Status().Banner())
}

// Run starts the service, ticks immediately and then every interval until
// ctx is cancelled.
func (svc *Service) Run(ctx context.Context) error {
	svc.log.Info().Dur("interval", svc.interval).Str("symbol", Symbol).Msg("starting pivot signal bot")
	svc.Start(ctx)
	if svc.server != nil {
		svc.server.Start()
	}
	if svc.liveness != nil {
		svc.liveness(ctx)
	}

	ticker := time.NewTicker(svc.interval)
	defer ticker.Stop()

	svc.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			svc.shutdown()
			return nil
		case <-ticker.C:
			svc.Tick(ctx)
		}
	}
}

// Tick runs one evaluation cycle. Failures are logged and the cycle is
// skipped; a panic is recovered so the next scheduled tick still runs.
func (svc *Service) Tick(ctx context.Context) {
	start := svc.clock.Now()
	began := time.Now()
	ctx = logger.WithTickID(ctx, logger.GenerateTickID(Symbol, start))
	log := logger.For(ctx, svc.log)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("tick panicked, continuing")
			svc.countError("panic")
		}
		if svc.prom != nil {
			svc.prom.TicksTotal.Inc()
			svc.prom.TickDuration.Observe(time.Since(began).Seconds())
		}
	}()

	bar, err := svc.data.LatestMinuteBar(ctx, start)
	if err != nil {
		if errors.Is(err, model.ErrNoData) {
			log.Warn().Msg("no minute bar available, skipping tick")
			svc.countError("no_data")
		} else {
			log.Error().Err(err).Msg("market data fetch failed, skipping tick")
			svc.countError("market_data")
		}
		svc.recordHealth(start, false)
		return
	}
	svc.recordHealth(start, true)
	log.Debug().Float64("price", bar.Close).Time("bar", bar.Timestamp).Msg("price")

	env, err := svc.engine.Tick(ctx, bar)
	if err != nil {
		if errors.Is(err, engine.ErrNoLevels) {
			log.Warn().Err(err).Msg("skipping tick")
			svc.countError("no_levels")
			return
		}
		log.Error().Err(err).Msg("engine tick failed")
		svc.countError("engine")
		return
	}
	if env == nil {
		svc.lastNeutral = neutralRun{}
		return
	}
	if !svc.shouldDispatch(env) {
		log.Debug().Str("kind", string(env.Kind)).Msg("repeated neutral signal suppressed")
		return
	}

	log.Info().
		Str("signal_id", env.ID).
		Str("kind", string(env.Kind)).
		Float64("price", env.Price).
		Str("active_pivot", string(env.ActivePivot)).
		Str("phase", string(env.Phase)).
		Msg(env.Comment)
	svc.sink.SaveSignal(ctx, *env)
}

// neutralRun identifies one NEUTRAL episode: the phase entry time and the
// reason reported by the signal.
type neutralRun struct {
	reason string
	since  int64 // unix nanos
}

// shouldDispatch passes only the first Neutral signal of an episode. A new
// NEUTRAL phase or a different reason starts a new episode.
func (svc *Service) shouldDispatch(env *model.Envelope) bool {
	n, ok := env.Signal.(model.NeutralSignal)
	if !ok {
		svc.lastNeutral = neutralRun{}
		return true
	}
	run := neutralRun{reason: n.Reason, since: svc.state.Snapshot().PhaseSince.UnixNano()}
	if run == svc.lastNeutral {
		return false
	}
	svc.lastNeutral = run
	return true
}

func (svc *Service) countError(reason string) {
	if svc.prom != nil {
		svc.prom.TickErrors.WithLabelValues(reason).Inc()
	}
}

func (svc *Service) recordHealth(t time.Time, ok bool) {
	if svc.health != nil {
		svc.health.RecordTick(t, ok)
	}
}

// Status is the /status payload.
type Status struct {
	engine.Status
	RecentSignals []sqlitestore.SignalRecord `json:"recent_signals,omitempty"`
}

// Status returns the engine summary and the latest journaled signals.
func (svc *Service) Status() any {
	st := Status{Status: svc.engine.Status()}
	if svc.recent == nil {
		return st
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	recs, err := svc.recent.RecentSignals(ctx, recentSignalsLimit)
	if err != nil {
		svc.log.Warn().Err(err).Msg("recent signals unavailable")
		return st
	}
	st.RecentSignals = recs
	return st
}

func (svc *Service) addCloser(name string, fn func() error) {
	svc.closers = append(svc.closers, func() error {
		if err := fn(); err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
		return nil
	})
}

// shutdown releases resources in reverse order of acquisition.
func (svc *Service) shutdown() {
	svc.log.Info().Msg("shutdown signal received")
	if svc.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		svc.server.Stop(ctx)
		cancel()
	}
	for i := len(svc.closers) - 1; i >= 0; i-- {
		if err := svc.closers[i](); err != nil {
			svc.log.Warn().Err(err).Msg("shutdown")
		}
	}
	svc.log.Info().Msg("shutdown complete")
}
