package model

import "time"

// SignalKind tags the closed set of signal variants.
type SignalKind string

const (
	SignalTension         SignalKind = "TENSION"
	SignalPartialBreakout SignalKind = "PARTIAL_BREAKOUT"
	SignalValidated       SignalKind = "VALIDATED"
	SignalInvalidated     SignalKind = "INVALIDATED"
	SignalNeutral         SignalKind = "NEUTRAL"
	SignalRangeReturn     SignalKind = "RANGE_RETURN"
)

// Signal is implemented only by the variants in this file. Consumers switch
// on the concrete type.
type Signal interface {
	Kind() SignalKind
	isSignal()
}

// TensionSignal: repeated touches close to an unbroken extreme level.
type TensionSignal struct {
	Level    PriceLevel `json:"level"`
	Price    float64    `json:"price"`
	Distance float64    `json:"distance"`
	Touches  int        `json:"touches"`
}

// PartialBreakoutSignal: price cleared an extreme level by the breakout
// amplitude and a stabilization tracker was started.
type PartialBreakoutSignal struct {
	Level     PriceLevel `json:"level"`
	Price     float64    `json:"price"`
	Amplitude float64    `json:"amplitude"`
	Direction Direction  `json:"direction"`
	Fast      bool       `json:"fast"`
	// SpeedMinutes is the time since the first R1/S1 crossing, 0 if unknown.
	SpeedMinutes float64 `json:"speed_minutes,omitempty"`
}

// ValidatedSignal: the breakout held through stabilization.
type ValidatedSignal struct {
	Level                PriceLevel `json:"level"`
	Price                float64    `json:"price"`
	Amplitude            float64    `json:"amplitude"`
	Direction            Direction  `json:"direction"`
	StabilizationMinutes float64    `json:"stabilization_minutes"`
	Confidence           float64    `json:"confidence"`
	Fast                 bool       `json:"fast"`
}

// InvalidatedSignal: price fell back into the central range after a breakout.
// Neutralized is set when the invalidation escalated the phase to NEUTRAL.
type InvalidatedSignal struct {
	Level       PriceLevel `json:"level"`
	Price       float64    `json:"price"`
	Reason      string     `json:"reason"`
	Neutralized bool       `json:"neutralized"`
}

// NeutralSignal: signalling is blocked for this tick.
type NeutralSignal struct {
	Price  float64 `json:"price"`
	Reason string  `json:"reason"`
}

// RangeReturnSignal: price has stayed inside [S1, R1] long enough that the
// active pivot set should be revalidated.
type RangeReturnSignal struct {
	Price   float64       `json:"price"`
	R1      float64       `json:"r1"`
	S1      float64       `json:"s1"`
	InRange time.Duration `json:"in_range_ns"`
}

func (TensionSignal) Kind() SignalKind         { return SignalTension }
func (PartialBreakoutSignal) Kind() SignalKind { return SignalPartialBreakout }
func (ValidatedSignal) Kind() SignalKind       { return SignalValidated }
func (InvalidatedSignal) Kind() SignalKind     { return SignalInvalidated }
func (NeutralSignal) Kind() SignalKind         { return SignalNeutral }
func (RangeReturnSignal) Kind() SignalKind     { return SignalRangeReturn }

func (TensionSignal) isSignal()         {}
func (PartialBreakoutSignal) isSignal() {}
func (ValidatedSignal) isSignal()       {}
func (InvalidatedSignal) isSignal()     {}
func (NeutralSignal) isSignal()         {}
func (RangeReturnSignal) isSignal()     {}

// TradingLevels are attached to validated signals.
type TradingLevels struct {
	StopLoss     float64 `json:"stop_loss"`
	TrailingStop float64 `json:"trailing_stop"`
	TakeProfit   float64 `json:"take_profit"`
	Target2      float64 `json:"target2,omitempty"` // 0 when no level lies beyond the broken one
}

// Envelope is an emitted signal enriched with tick context, ready for the sink.
type Envelope struct {
	ID          string         `json:"id"`
	Kind        SignalKind     `json:"kind"`
	Signal      Signal         `json:"signal"`
	Price       float64        `json:"price"`
	Volume      int64          `json:"volume"`
	At          time.Time      `json:"at"`
	ActivePivot Session        `json:"active_pivot"`
	Phase       Phase          `json:"phase"`
	Session     string         `json:"session"` // temporal profile: asia, europe, us
	Activity    string         `json:"activity"`
	Trading     *TradingLevels `json:"trading,omitempty"`
	Comment     string         `json:"comment"`
}
