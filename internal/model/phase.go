package model

// Phase is the single global breakout state.
type Phase string

const (
	PhaseNone        Phase = "NONE"
	PhaseTension     Phase = "TENSION"
	PhasePartial     Phase = "PARTIAL"
	PhaseValidated   Phase = "VALIDATED"
	PhaseInvalidated Phase = "INVALIDATED"
	PhaseNeutral     Phase = "NEUTRAL"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseNone, PhaseTension, PhasePartial, PhaseValidated, PhaseInvalidated, PhaseNeutral:
		return true
	}
	return false
}

// Gauge maps the phase onto a numeric value for metrics.
func (p Phase) Gauge() float64 {
	switch p {
	case PhaseTension:
		return 1
	case PhasePartial:
		return 2
	case PhaseValidated:
		return 3
	case PhaseInvalidated:
		return 4
	case PhaseNeutral:
		return 5
	default:
		return 0
	}
}

// Direction of a breakout.
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
)

// Sign returns +1 for bullish and -1 for bearish.
func (d Direction) Sign() float64 {
	if d == Bearish {
		return -1
	}
	return 1
}
