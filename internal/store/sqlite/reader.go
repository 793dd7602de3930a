package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"pivot-signals/internal/model"
)

// SignalRecord is one row of the signals journal.
type SignalRecord struct {
	ID          string  `db:"id" json:"id"`
	Kind        string  `db:"kind" json:"kind"`
	Price       float64 `db:"price" json:"price"`
	Volume      int64   `db:"volume" json:"volume"`
	At          int64   `db:"at" json:"at"` // unix ms
	ActivePivot string  `db:"active_pivot" json:"active_pivot"`
	Phase       string  `db:"phase" json:"phase"`
	Session     string  `db:"session" json:"session"`
	Payload     string  `db:"payload" json:"-"`
	Comment     string  `db:"comment" json:"comment"`
}

type levelSetRow struct {
	ID         int64  `db:"id"`
	Session    string `db:"session"`
	Day        string `db:"day"`
	ComputedAt int64  `db:"computed_at"`
	Source     string `db:"source"`
}

type levelRow struct {
	Label string  `db:"label"`
	Value float64 `db:"value"`
}

// Load returns the encoded state record, or nil, nil if none was saved.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	var data string
	err := s.db.GetContext(ctx, &data, `SELECT data FROM state WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite load state: %w", err)
	}
	return []byte(data), nil
}

// LatestLevels rebuilds the most recently journaled level set of session.
// It returns nil, nil if none was recorded.
func (s *Store) LatestLevels(ctx context.Context, session model.Session) (*model.LevelSet, error) {
	var row levelSetRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, session, day, computed_at, source
		FROM level_sets
		WHERE session = ?
		ORDER BY computed_at DESC, id DESC
		LIMIT 1
	`, string(session))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite query level_sets: %w", err)
	}

	var rows []levelRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT label, value FROM levels WHERE set_id = ?`, row.ID); err != nil {
		return nil, fmt.Errorf("sqlite query levels: %w", err)
	}

	day, err := time.Parse("2006-01-02", row.Day)
	if err != nil {
		return nil, fmt.Errorf("sqlite level set %d day: %w", row.ID, err)
	}
	set := &model.LevelSet{
		Session:    model.Session(row.Session),
		Day:        day,
		ComputedAt: time.UnixMilli(row.ComputedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(row.Source), &set.Source); err != nil {
		return nil, fmt.Errorf("sqlite level set %d source: %w", row.ID, err)
	}
	for _, r := range rows {
		key, err := model.ParseLevelKey(r.Label)
		if err != nil {
			return nil, fmt.Errorf("sqlite level set %d: %w", row.ID, err)
		}
		set.Levels = append(set.Levels, model.PriceLevel{Key: key, Value: r.Value})
	}
	sort.Slice(set.Levels, func(i, j int) bool { return set.Levels[i].Value < set.Levels[j].Value })
	return set, nil
}

// RecentSignals returns up to limit journaled signals, newest first.
func (s *Store) RecentSignals(ctx context.Context, limit int) ([]SignalRecord, error) {
	var out []SignalRecord
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, kind, price, volume, at, active_pivot, phase, session, payload, comment
		FROM signals
		ORDER BY at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query signals: %w", err)
	}
	return out, nil
}
