package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"pivot-signals/internal/metrics"
	"pivot-signals/internal/model"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/pivotbot.db"; ":memory:" for tests
}

// Store persists the breakout state record and journals computed levels and
// emitted signals. It implements state.Backend and model.LevelArchive.
type Store struct {
	db      *sqlx.DB
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// DB returns the underlying sqlx.DB for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

// Open opens the database with WAL mode and creates the schema. m may be nil.
func Open(cfg Config, log zerolog.Logger, m *metrics.Metrics) (*Store, error) {
	dsn := cfg.DBPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	if cfg.DBPath == ":memory:" {
		dsn = "file::memory:?_busy_timeout=5000" // private to the single connection
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	l := log.With().Str("component", "sqlite").Logger()
	l.Info().Str("path", cfg.DBPath).Msg("opened database")
	return &Store{db: db, log: l, metrics: m}, nil
}

func createSchema(db *sqlx.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS state (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			data       TEXT    NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS level_sets (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session     TEXT    NOT NULL,
			day         TEXT    NOT NULL,
			computed_at INTEGER NOT NULL,
			source      TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_level_sets_session ON level_sets (session, computed_at);

		CREATE TABLE IF NOT EXISTS levels (
			set_id INTEGER NOT NULL REFERENCES level_sets (id),
			label  TEXT    NOT NULL,
			value  REAL    NOT NULL,
			PRIMARY KEY (set_id, label)
		);

		CREATE TABLE IF NOT EXISTS signals (
			id           TEXT    PRIMARY KEY,
			kind         TEXT    NOT NULL,
			price        REAL    NOT NULL,
			volume       INTEGER,
			at           INTEGER NOT NULL,
			active_pivot TEXT    NOT NULL,
			phase        TEXT    NOT NULL,
			session      TEXT    NOT NULL,
			payload      TEXT    NOT NULL,
			comment      TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_signals_at ON signals (at);
	`)
	return err
}

// Save writes the encoded state record.
func (s *Store) Save(ctx context.Context, data []byte) error {
	defer s.observe(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite save state: %w", err)
	}
	return nil
}

// SaveLevels journals a computed level set in a single transaction.
func (s *Store) SaveLevels(ctx context.Context, set model.LevelSet) error {
	defer s.observe(time.Now())

	source, err := json.Marshal(set.Source)
	if err != nil {
		return fmt.Errorf("marshal source bar: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO level_sets (session, day, computed_at, source) VALUES (?, ?, ?, ?)`,
		string(set.Session), set.Day.UTC().Format("2006-01-02"), set.ComputedAt.UnixMilli(), string(source))
	if err != nil {
		return fmt.Errorf("sqlite insert level set: %w", err)
	}
	setID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	stmt, err := tx.PreparexContext(ctx, `INSERT INTO levels (set_id, label, value) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range set.Levels {
		if _, err := stmt.ExecContext(ctx, setID, l.Label(), l.Value); err != nil {
			return fmt.Errorf("sqlite insert level %s: %w", l.Label(), err)
		}
	}
	return tx.Commit()
}

// SaveSignal journals an emitted signal.
func (s *Store) SaveSignal(ctx context.Context, env model.Envelope) error {
	defer s.observe(time.Now())

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO signals (id, kind, price, volume, at, active_pivot, phase, session, payload, comment)
		VALUES (:id, :kind, :price, :volume, :at, :active_pivot, :phase, :session, :payload, :comment)
	`, SignalRecord{
		ID:          env.ID,
		Kind:        string(env.Kind),
		Price:       env.Price,
		Volume:      env.Volume,
		At:          env.At.UnixMilli(),
		ActivePivot: string(env.ActivePivot),
		Phase:       string(env.Phase),
		Session:     env.Session,
		Payload:     string(payload),
		Comment:     env.Comment,
	})
	if err != nil {
		return fmt.Errorf("sqlite insert signal: %w", err)
	}
	return nil
}

func (s *Store) observe(start time.Time) {
	if s.metrics != nil {
		s.metrics.SQLiteCommitDur.Observe(time.Since(start).Seconds())
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
