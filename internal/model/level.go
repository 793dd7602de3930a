package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Session identifies which pivot level set a price level belongs to.
type Session string

const (
	SessionClassic Session = "classic" // previous full trading day
	SessionAsia    Session = "asia"    // 00:00-04:00 UTC of the current day
	SessionEurope  Session = "europe"  // 04:00-13:00 UTC of the current day
)

// Sessions lists every level-set profile in computation order.
var Sessions = []Session{SessionClassic, SessionAsia, SessionEurope}

// Valid reports whether s is a known session profile.
func (s Session) Valid() bool {
	switch s {
	case SessionClassic, SessionAsia, SessionEurope:
		return true
	}
	return false
}

// LevelKind is the role of a price level relative to the pivot.
type LevelKind string

const (
	LevelPivot      LevelKind = "pivot"
	LevelResistance LevelKind = "resistance"
	LevelSupport    LevelKind = "support"
)

// LevelKey identifies a level by structure rather than by label text.
// Rank is 0 for the pivot and 1..3 for R/S levels.
type LevelKey struct {
	Kind    LevelKind `json:"kind"`
	Rank    int       `json:"rank"`
	Session Session   `json:"session"`
}

// Resistance returns the key of Rn in session s.
func Resistance(rank int, s Session) LevelKey {
	return LevelKey{Kind: LevelResistance, Rank: rank, Session: s}
}

// Support returns the key of Sn in session s.
func Support(rank int, s Session) LevelKey {
	return LevelKey{Kind: LevelSupport, Rank: rank, Session: s}
}

// Pivot returns the key of the pivot of session s.
func Pivot(s Session) LevelKey {
	return LevelKey{Kind: LevelPivot, Session: s}
}

// IsExtreme reports whether the key is an R2/S2-class level, the only levels
// breakouts and tension are evaluated against.
func (k LevelKey) IsExtreme() bool {
	return k.Kind != LevelPivot && k.Rank == 2
}

// Short returns "R2", "S1" or "P".
func (k LevelKey) Short() string {
	switch k.Kind {
	case LevelResistance:
		return "R" + strconv.Itoa(k.Rank)
	case LevelSupport:
		return "S" + strconv.Itoa(k.Rank)
	default:
		return "P"
	}
}

// Label returns the human-readable identifier, e.g. "R2_classic".
func (k LevelKey) Label() string {
	return k.Short() + "_" + string(k.Session)
}

func (k LevelKey) String() string { return k.Label() }

// MarshalText lets LevelKey be used as a JSON object key.
func (k LevelKey) MarshalText() ([]byte, error) {
	return []byte(k.Label()), nil
}

// UnmarshalText parses a label produced by MarshalText.
func (k *LevelKey) UnmarshalText(b []byte) error {
	parsed, err := ParseLevelKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseLevelKey parses "R2_classic", "S1_asia" or "P_europe".
func ParseLevelKey(label string) (LevelKey, error) {
	short, sess, ok := strings.Cut(label, "_")
	if !ok || short == "" {
		return LevelKey{}, fmt.Errorf("invalid level label %q", label)
	}
	key := LevelKey{Session: Session(sess)}
	if !key.Session.Valid() {
		return LevelKey{}, fmt.Errorf("invalid level label %q: unknown session", label)
	}
	switch short[0] {
	case 'P':
		if short != "P" {
			return LevelKey{}, fmt.Errorf("invalid level label %q", label)
		}
		key.Kind = LevelPivot
		return key, nil
	case 'R':
		key.Kind = LevelResistance
	case 'S':
		key.Kind = LevelSupport
	default:
		return LevelKey{}, fmt.Errorf("invalid level label %q", label)
	}
	rank, err := strconv.Atoi(short[1:])
	if err != nil || rank < 1 || rank > 3 {
		return LevelKey{}, fmt.Errorf("invalid level label %q: bad rank", label)
	}
	key.Rank = rank
	return key, nil
}

// PriceLevel is one computed level. Immutable once produced; a recomputation
// produces a new LevelSet rather than mutating levels in place.
type PriceLevel struct {
	Key   LevelKey `json:"key"`
	Value float64  `json:"value"`
}

// Label returns the level's identifier.
func (l PriceLevel) Label() string { return l.Key.Label() }

// LevelSet is the 7-level output of one pivot computation for a session.
type LevelSet struct {
	Session    Session      `json:"session"`
	Day        time.Time    `json:"day"` // UTC day of the computation
	ComputedAt time.Time    `json:"computed_at"`
	Source     OHLCBar      `json:"source"`
	Levels     []PriceLevel `json:"levels"` // ascending: S3, S2, S1, P, R1, R2, R3
}

// Level returns the level with the given kind and rank.
func (s *LevelSet) Level(kind LevelKind, rank int) (PriceLevel, bool) {
	if s == nil {
		return PriceLevel{}, false
	}
	for _, l := range s.Levels {
		if l.Key.Kind == kind && (kind == LevelPivot || l.Key.Rank == rank) {
			return l, true
		}
	}
	return PriceLevel{}, false
}

func (s *LevelSet) value(kind LevelKind, rank int) float64 {
	l, _ := s.Level(kind, rank)
	return l.Value
}

// Pivot returns the pivot value.
func (s *LevelSet) Pivot() float64 { return s.value(LevelPivot, 0) }

// R returns the value of resistance rank n.
func (s *LevelSet) R(n int) float64 { return s.value(LevelResistance, n) }

// S returns the value of support rank n.
func (s *LevelSet) S(n int) float64 { return s.value(LevelSupport, n) }

// Extremes returns the R2/S2-class levels in evaluation order:
// resistances ascending, then supports descending.
func (s *LevelSet) Extremes() []PriceLevel {
	if s == nil {
		return nil
	}
	var res, sup []PriceLevel
	for _, l := range s.Levels {
		if !l.Key.IsExtreme() {
			continue
		}
		if l.Key.Kind == LevelResistance {
			res = append(res, l)
		} else {
			sup = append(sup, l)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Value < res[j].Value })
	sort.Slice(sup, func(i, j int) bool { return sup[i].Value > sup[j].Value })
	return append(res, sup...)
}

// Beyond returns the next level of the same kind further from the pivot
// than key (R3 for R2, S3 for S2).
func (s *LevelSet) Beyond(key LevelKey) (PriceLevel, bool) {
	if key.Kind == LevelPivot || key.Rank >= 3 {
		return PriceLevel{}, false
	}
	return s.Level(key.Kind, key.Rank+1)
}

// InCentralRange reports whether price lies within [S1, R1].
func (s *LevelSet) InCentralRange(price float64) bool {
	return price >= s.S(1) && price <= s.R(1)
}
