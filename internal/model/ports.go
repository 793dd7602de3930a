package model

import (
	"context"
	"errors"
	"time"
)

// ── Collaborator Port Interfaces ──
// These interfaces decouple the signal core from the market-data provider and
// from the persistence/notification backends.

// ErrNoData is returned by MarketData when the provider has no bar for the
// requested period. It is distinct from a transport failure.
var ErrNoData = errors.New("no market data available")

// MarketData supplies OHLC bars.
type MarketData interface {
	// DailyBar returns the completed daily bar of day's UTC date.
	DailyBar(ctx context.Context, day time.Time) (OHLCBar, error)

	// LatestMinuteBar returns the most recent completed 1-minute bar of now's UTC day.
	LatestMinuteBar(ctx context.Context, now time.Time) (OHLCBar, error)

	// SessionBar aggregates the 1-minute bars in [from, to).
	SessionBar(ctx context.Context, from, to time.Time) (OHLCBar, error)
}

// SignalSink receives computed level sets and enriched signals.
// Implementations log and swallow their own failures.
type SignalSink interface {
	// SaveLevels records a freshly computed level set for audit and replay.
	SaveLevels(ctx context.Context, set LevelSet)

	// SaveSignal records and dispatches an emitted signal.
	SaveSignal(ctx context.Context, env Envelope)
}

// LevelArchive reads back the latest recorded level set of a session.
type LevelArchive interface {
	// LatestLevels returns nil, nil if nothing was recorded for the session.
	LatestLevels(ctx context.Context, session Session) (*LevelSet, error)
}
