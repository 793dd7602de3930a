package model

import (
	"fmt"
	"math"
	"time"
)

// OHLCBar is one aggregated price bar as delivered by the market-data provider.
// Prices are quoted in the instrument currency (USD per ounce for XAUUSD).
type OHLCBar struct {
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"ts"` // bar start (UTC)
}

// Range returns high - low.
func (b OHLCBar) Range() float64 {
	return b.High - b.Low
}

// Validate reports whether the bar can be used for level computation.
// Missing prices (zero, negative, NaN or Inf) and inverted bars are rejected.
func (b OHLCBar) Validate() error {
	for _, p := range []struct {
		name string
		v    float64
	}{{"high", b.High}, {"low", b.Low}, {"close", b.Close}} {
		if math.IsNaN(p.v) || math.IsInf(p.v, 0) || p.v <= 0 {
			return fmt.Errorf("bar %s missing or invalid: %v", p.name, p.v)
		}
	}
	if b.High < b.Low {
		return fmt.Errorf("bar high %.2f below low %.2f", b.High, b.Low)
	}
	return nil
}

// Merge folds a later bar into an aggregate: open is kept, high/low widen,
// close and timestamp follow the later bar, volume accumulates.
func (b OHLCBar) Merge(next OHLCBar) OHLCBar {
	if b.Timestamp.IsZero() {
		return next
	}
	out := b
	if next.High > out.High {
		out.High = next.High
	}
	if next.Low < out.Low {
		out.Low = next.Low
	}
	out.Close = next.Close
	out.Volume += next.Volume
	out.Timestamp = next.Timestamp
	return out
}
