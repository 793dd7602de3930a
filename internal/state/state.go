// Package state holds the single durable breakout/pivot record and the
// operations that mutate it. Every mutation is flushed to the backend before
// the call returns.
package state

import (
	"time"

	"pivot-signals/internal/model"
	"pivot-signals/internal/ringbuf"
)

// Config holds the state-machine rules.
type Config struct {
	TensionWindow          time.Duration
	TensionTouches         int
	NeutralInvalidations   int
	NeutralWindow          time.Duration
	RangeReturnHold        time.Duration
	MaxDailySwitches       int
	HistoryCapacity        int
	HistoryRetain          int
	ReliabilityMinAttempts int
	ReliabilityMinScore    float64
}

// DefaultConfig returns the production rules.
func DefaultConfig() Config {
	return Config{
		TensionWindow:          30 * time.Minute,
		TensionTouches:         3,
		NeutralInvalidations:   2,
		NeutralWindow:          2 * time.Hour,
		RangeReturnHold:        30 * time.Minute,
		MaxDailySwitches:       2,
		HistoryCapacity:        100,
		HistoryRetain:          50,
		ReliabilityMinAttempts: 3,
		ReliabilityMinScore:    50.0,
	}
}

// Touch is one tension touch near an extreme level.
type Touch struct {
	Level model.LevelKey `json:"level"`
	Price float64        `json:"price"`
	At    time.Time      `json:"at"`
}

// Reliability is the long-horizon breakout record of one level.
type Reliability struct {
	Attempts    int       `json:"attempts"`
	Validated   int       `json:"validated"`
	Invalidated int       `json:"invalidated"`
	Score       float64   `json:"score"` // validated/attempts*100, 1 decimal
	LastUpdate  time.Time `json:"last_update"`
}

// RangeReturn tracks the current contiguous stay inside [S1, R1].
type RangeReturn struct {
	Since *time.Time `json:"since"`
	Fired bool       `json:"fired"`
}

// EventKind tags history entries.
type EventKind string

const (
	EventPhase    EventKind = "phase"
	EventSwitch   EventKind = "switch"
	EventTension  EventKind = "tension"
	EventAttempt  EventKind = "attempt"
	EventResult   EventKind = "result"
	EventRollover EventKind = "rollover"
)

// Event is one history entry.
type Event struct {
	At      time.Time       `json:"at"`
	Kind    EventKind       `json:"kind"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Level   *model.LevelKey `json:"level,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Count   int             `json:"count,omitempty"`
	Success bool            `json:"success,omitempty"`
}

// Details are merged into the record on a phase change. Zero fields are left
// untouched.
type Details struct {
	Reason    string
	Level     *model.LevelKey
	Direction model.Direction
	Price     float64
}

// State is the persisted record.
type State struct {
	Day         string        `json:"day"` // UTC date of the last operation
	ActivePivot model.Session `json:"active_pivot"`
	Phase       model.Phase   `json:"phase"`
	PhaseSince  time.Time     `json:"phase_since"`
	PhaseReason string        `json:"phase_reason,omitempty"`

	BreakoutLevel     *model.LevelKey `json:"breakout_level,omitempty"`
	BreakoutDirection model.Direction `json:"breakout_direction,omitempty"`
	BreakoutPrice     float64         `json:"breakout_price,omitempty"`

	SwitchesCount int                             `json:"switches_count"`
	Reliability   map[model.LevelKey]*Reliability `json:"reliability"`
	Touches       []Touch                         `json:"touches"`
	RangeReturn   RangeReturn                     `json:"range_return"`
	FirstCross    map[model.Direction]time.Time   `json:"first_cross"` // first R1 (bullish) / S1 (bearish) crossing
	LastCalc      map[model.Session]string        `json:"last_calc"`   // profile -> UTC date of last computation
	History       *ringbuf.Ring[Event]            `json:"history"`
	UpdatedAt     time.Time                       `json:"updated_at"`
}

func newState(cfg Config, now time.Time) *State {
	return &State{
		Day:         now.UTC().Format("2006-01-02"),
		ActivePivot: model.SessionClassic,
		Phase:       model.PhaseNone,
		PhaseSince:  now,
		Reliability: make(map[model.LevelKey]*Reliability),
		FirstCross:  make(map[model.Direction]time.Time),
		LastCalc:    make(map[model.Session]string),
		History:     ringbuf.New[Event](cfg.HistoryCapacity, cfg.HistoryRetain),
	}
}

// valid reports whether a decoded record is usable; missing collections are
// filled in.
func (s *State) valid() bool {
	if !s.Phase.Valid() || !s.ActivePivot.Valid() || s.Day == "" {
		return false
	}
	if s.Reliability == nil {
		s.Reliability = make(map[model.LevelKey]*Reliability)
	}
	for k, r := range s.Reliability {
		if r == nil {
			delete(s.Reliability, k)
		}
	}
	if s.FirstCross == nil {
		s.FirstCross = make(map[model.Direction]time.Time)
	}
	if s.LastCalc == nil {
		s.LastCalc = make(map[model.Session]string)
	}
	return true
}

// clone returns a deep copy safe to hand out to readers.
func (s *State) clone() State {
	out := *s
	out.Reliability = make(map[model.LevelKey]*Reliability, len(s.Reliability))
	for k, v := range s.Reliability {
		r := *v
		out.Reliability[k] = &r
	}
	out.Touches = append([]Touch(nil), s.Touches...)
	out.FirstCross = make(map[model.Direction]time.Time, len(s.FirstCross))
	for k, v := range s.FirstCross {
		out.FirstCross[k] = v
	}
	out.LastCalc = make(map[model.Session]string, len(s.LastCalc))
	for k, v := range s.LastCalc {
		out.LastCalc[k] = v
	}
	if s.RangeReturn.Since != nil {
		t := *s.RangeReturn.Since
		out.RangeReturn.Since = &t
	}
	if s.BreakoutLevel != nil {
		k := *s.BreakoutLevel
		out.BreakoutLevel = &k
	}
	hist := ringbuf.New[Event](s.History.Cap(), s.History.Retain())
	for _, e := range s.History.Items() {
		hist.Push(e)
	}
	out.History = hist
	return out
}
