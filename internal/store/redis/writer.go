package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"pivot-signals/internal/clock"
	"pivot-signals/internal/metrics"
	"pivot-signals/internal/model"
)

const (
	signalStreamMaxLen = 5000
	defaultLatestTTL   = 24 * time.Hour
)

// Config configures the Redis store.
type Config struct {
	Addr          string // Redis address, e.g. "localhost:6379"
	Password      string
	DB            int
	StateKey      string // key holding the encoded state record
	SignalChannel string // pub/sub channel enriched signals are published on
	MaxFailures   int
	ResetTimeout  time.Duration
}

// Store is the Redis state backend and signal publisher. Every call goes
// through a circuit breaker.
type Store struct {
	client  *goredis.Client
	cfg     Config
	cb      *CircuitBreaker
	log     zerolog.Logger
	metrics *metrics.Metrics

	streamKey string
	latestKey string
}

// Client returns the underlying Redis client for health checks.
func (s *Store) Client() *goredis.Client { return s.client }

// Breaker returns the circuit breaker guarding the client.
func (s *Store) Breaker() *CircuitBreaker { return s.cb }

// New connects to Redis and pings the server. m may be nil.
func New(cfg Config, log zerolog.Logger, m *metrics.Metrics) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	s := NewWithClient(client, cfg, nil, log, m)
	s.log.Info().Str("addr", cfg.Addr).Msg("connected")
	return s, nil
}

// NewWithClient wraps an existing client. clk drives the circuit breaker and
// may be nil.
func NewWithClient(client *goredis.Client, cfg Config, clk clock.Clock, log zerolog.Logger, m *metrics.Metrics) *Store {
	if cfg.StateKey == "" {
		cfg.StateKey = "pivotbot:state"
	}
	if cfg.SignalChannel == "" {
		cfg.SignalChannel = "pub:signal:xauusd"
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}

	s := &Store{
		client:    client,
		cfg:       cfg,
		cb:        NewCircuitBreaker(cfg.MaxFailures, cfg.ResetTimeout, clk),
		log:       log.With().Str("component", "redis").Logger(),
		metrics:   m,
		streamKey: "signal:xauusd",
		latestKey: "signal:latest:xauusd",
	}
	s.cb.OnStateChange = func(from, to State) {
		s.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker transition")
		if m != nil {
			m.RedisCircuitBreakerState.Set(float64(to))
			if to == StateOpen {
				m.RedisCircuitBreakerTrips.Inc()
			}
		}
	}
	return s
}

// Save writes the encoded state record under the state key.
func (s *Store) Save(ctx context.Context, data []byte) error {
	return s.exec(func() error {
		if err := s.client.Set(ctx, s.cfg.StateKey, data, 0).Err(); err != nil {
			return fmt.Errorf("redis SET %s: %w", s.cfg.StateKey, err)
		}
		return nil
	})
}

// PublishLevels caches a freshly computed level set under levels:<session>.
func (s *Store) PublishLevels(ctx context.Context, set model.LevelSet) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("marshal levels: %w", err)
	}
	key := levelsKey(set.Session)
	return s.exec(func() error {
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("redis SET %s: %w", key, err)
		}
		return nil
	})
}

// PublishSignal writes an enriched signal in one pipeline: XADD to the
// signal stream, SET of the latest signal and PUBLISH on the signal channel.
func (s *Store) PublishSignal(ctx context.Context, env model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	return s.publishRaw(ctx, string(data))
}

func (s *Store) publishRaw(ctx context.Context, data string) error {
	return s.exec(func() error {
		pipe := s.client.Pipeline()
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: s.streamKey,
			MaxLen: signalStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": data},
		})
		pipe.Set(ctx, s.latestKey, data, defaultLatestTTL)
		pipe.Publish(ctx, s.cfg.SignalChannel, data)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis signal pipeline: %w", err)
		}
		return nil
	})
}

func (s *Store) exec(fn func() error) error {
	start := time.Now()
	err := s.cb.Execute(fn)
	if s.metrics != nil && err != ErrCircuitOpen {
		s.metrics.RedisWriteDur.Observe(time.Since(start).Seconds())
	}
	return err
}

func levelsKey(session model.Session) string {
	return "levels:xauusd:" + string(session)
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
