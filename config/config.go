package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"pivot-signals/internal/breakout"
	"pivot-signals/internal/engine"
	"pivot-signals/internal/model"
	"pivot-signals/internal/session"
	"pivot-signals/internal/state"
	"pivot-signals/internal/temporal"
)

// Config holds all application configuration. Values come from struct tag
// defaults, then an optional pivotbot.yaml, then environment variables
// (key "a.b" maps to A_B).
type Config struct {
	Polygon      PolygonConfig  `mapstructure:"polygon"`
	PollInterval time.Duration  `mapstructure:"poll_interval" default:"60s" validate:"min=1s"`
	Log          LogConfig      `mapstructure:"log"`
	State        StateConfig    `mapstructure:"state"`
	SQLite       SQLiteConfig   `mapstructure:"sqlite"`
	Redis        RedisConfig    `mapstructure:"redis"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
	Webhook      WebhookConfig  `mapstructure:"webhook"`
	Metrics      MetricsConfig  `mapstructure:"metrics"`

	Breakout   BreakoutConfig  `mapstructure:"breakout"`
	StateRules StateRules      `mapstructure:"state_rules"`
	Session    SessionConfig   `mapstructure:"session"`
	Temporal   TemporalConfig  `mapstructure:"temporal"`
	Levels     TradingLevelCfg `mapstructure:"levels"`
}

type PolygonConfig struct {
	APIKey    string        `mapstructure:"api_key" validate:"required"`
	BaseURL   string        `mapstructure:"base_url" default:"https://api.polygon.io" validate:"url"`
	Ticker    string        `mapstructure:"ticker" default:"C:XAUUSD"`
	Timeout   time.Duration `mapstructure:"timeout" default:"10s"`
	RateLimit int           `mapstructure:"rate_limit" default:"5"` // requests per minute, 0 = unlimited
}

type LogConfig struct {
	Level  string `mapstructure:"level" default:"info" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" default:"json" validate:"oneof=json console"`
}

type StateConfig struct {
	Backend string `mapstructure:"backend" default:"sqlite" validate:"oneof=sqlite redis"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path" default:"data/pivotbot.db" validate:"required"`
}

type RedisConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Addr          string        `mapstructure:"addr" default:"localhost:6379"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	StateKey      string        `mapstructure:"state_key" default:"pivotbot:state"`
	SignalChannel string        `mapstructure:"signal_channel" default:"pub:signal:xauusd"`
	MaxFailures   int           `mapstructure:"max_failures" default:"5"`
	ResetTimeout  time.Duration `mapstructure:"reset_timeout" default:"30s"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id" validate:"required_with=BotToken"`
}

type WebhookConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

type MetricsConfig struct {
	Addr       string        `mapstructure:"addr" default:":9090"`
	StaleAfter time.Duration `mapstructure:"stale_after" default:"3m"`
}

type BreakoutConfig struct {
	Amplitude             float64       `mapstructure:"amplitude" default:"2" validate:"gt=0"`
	TensionDistance       float64       `mapstructure:"tension_distance" default:"1" validate:"gt=0"`
	RetracementLimit      float64       `mapstructure:"retracement_limit" default:"0.5" validate:"gt=0,lte=1"`
	StabilizationLookback time.Duration `mapstructure:"stabilization_lookback" default:"20m"`
	TrackerTimeout        time.Duration `mapstructure:"tracker_timeout" default:"30m"`
	SpeedThreshold        time.Duration `mapstructure:"speed_threshold" default:"3m"`
	VolatilityThreshold   float64       `mapstructure:"volatility_threshold" default:"1.0" validate:"gt=0"`
	VolatilityWindow      time.Duration `mapstructure:"volatility_window" default:"60m"`
	VolatilityMinSamples  int           `mapstructure:"volatility_min_samples" default:"10" validate:"min=2"`
}

type StateRules struct {
	TensionWindow        time.Duration `mapstructure:"tension_window" default:"30m"`
	TensionTouches       int           `mapstructure:"tension_touches" default:"3" validate:"min=1"`
	NeutralInvalidations int           `mapstructure:"neutral_invalidations" default:"2" validate:"min=1"`
	NeutralWindow        time.Duration `mapstructure:"neutral_window" default:"2h"`
	RangeReturnHold      time.Duration `mapstructure:"range_return_hold" default:"30m"`
	MaxDailySwitches     int           `mapstructure:"max_daily_switches" default:"2" validate:"min=0"`
	HistoryCapacity      int           `mapstructure:"history_capacity" default:"100" validate:"min=1"`
	HistoryRetain        int           `mapstructure:"history_retain" default:"50" validate:"ltefield=HistoryCapacity"`

	ReliabilityMinAttempts int     `mapstructure:"reliability_min_attempts" default:"3" validate:"min=0"`
	ReliabilityMinScore    float64 `mapstructure:"reliability_min_score" default:"50" validate:"gte=0,lte=100"`
}

type SessionConfig struct {
	MinRangeClassic   float64 `mapstructure:"min_range_classic" default:"8"`
	MinRangeAsia      float64 `mapstructure:"min_range_asia" default:"6"`
	MinRangeEurope    float64 `mapstructure:"min_range_europe" default:"10"`
	MinVolumeClassic  int64   `mapstructure:"min_volume_classic" default:"1000"`
	MinVolumeAsia     int64   `mapstructure:"min_volume_asia" default:"500"`
	MinVolumeEurope   int64   `mapstructure:"min_volume_europe" default:"1500"`
	MaterialityDiff   float64 `mapstructure:"materiality_diff" default:"5" validate:"gte=0"`
	NestedRangeRatio  float64 `mapstructure:"nested_range_ratio" default:"0.8" validate:"gt=0,lte=1"`
	NestedCenterRatio float64 `mapstructure:"nested_center_ratio" default:"0.3" validate:"gt=0,lte=1"`
}

// TemporalConfig overrides the per-session validation criteria. Zero fields
// keep the built-in profile values.
type TemporalConfig struct {
	Asia   ProfileConfig `mapstructure:"asia"`
	Europe ProfileConfig `mapstructure:"europe"`
	US     ProfileConfig `mapstructure:"us"`
}

type ProfileConfig struct {
	StabilizationTime   time.Duration `mapstructure:"stabilization_time" validate:"gte=0"`
	StabilizationBand   float64       `mapstructure:"stabilization_band" validate:"gte=0"`
	MinConsecutive      int           `mapstructure:"min_consecutive" validate:"gte=0"`
	VolatilityTolerance float64       `mapstructure:"volatility_tolerance" validate:"gte=0"`
	SpeedMultiplier     float64       `mapstructure:"speed_multiplier" validate:"gte=0"`
}

type TradingLevelCfg struct {
	TakeProfitRatio float64 `mapstructure:"take_profit_ratio" default:"0.8" validate:"gt=0"`
	StopLossOffset  float64 `mapstructure:"stop_loss_offset" default:"1" validate:"gte=0"`
	TrailingOffset  float64 `mapstructure:"trailing_offset" default:"5" validate:"gte=0"`
}

// Load reads configuration. A missing .env or pivotbot.yaml is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("pivotbot")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, reflect.TypeOf(Config{}), "")
	_ = v.BindEnv("polygon.api_key", "POLYGON_API_KEY", "POLYGON_KEY")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// bindEnvs registers every mapstructure key so AutomaticEnv values reach
// Unmarshal even when no file or default mentions the key.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := f.Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Time{}) {
			bindEnvs(v, f.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

// BreakoutValidator returns the validator configuration.
func (c *Config) BreakoutValidator() breakout.Config {
	b := breakout.DefaultConfig()
	b.BreakoutAmplitude = c.Breakout.Amplitude
	b.TensionDistance = c.Breakout.TensionDistance
	b.RetracementLimit = c.Breakout.RetracementLimit
	b.StabilizationLookback = c.Breakout.StabilizationLookback
	b.TrackerTimeout = c.Breakout.TrackerTimeout
	b.SpeedThreshold = c.Breakout.SpeedThreshold
	b.VolatilityThreshold = c.Breakout.VolatilityThreshold
	b.VolatilityWindow = c.Breakout.VolatilityWindow
	b.VolatilityMinSamples = c.Breakout.VolatilityMinSamples
	b.SampleInterval = c.PollInterval
	return b
}

// StateStore returns the state store rules.
func (c *Config) StateStore() state.Config {
	s := state.DefaultConfig()
	s.TensionWindow = c.StateRules.TensionWindow
	s.TensionTouches = c.StateRules.TensionTouches
	s.NeutralInvalidations = c.StateRules.NeutralInvalidations
	s.NeutralWindow = c.StateRules.NeutralWindow
	s.RangeReturnHold = c.StateRules.RangeReturnHold
	s.MaxDailySwitches = c.StateRules.MaxDailySwitches
	s.HistoryCapacity = c.StateRules.HistoryCapacity
	s.HistoryRetain = c.StateRules.HistoryRetain
	s.ReliabilityMinAttempts = c.StateRules.ReliabilityMinAttempts
	s.ReliabilityMinScore = c.StateRules.ReliabilityMinScore
	return s
}

// SessionManager returns the session manager thresholds.
func (c *Config) SessionManager() session.Config {
	return session.Config{
		MinRange: map[model.Session]float64{
			model.SessionClassic: c.Session.MinRangeClassic,
			model.SessionAsia:    c.Session.MinRangeAsia,
			model.SessionEurope:  c.Session.MinRangeEurope,
		},
		MinVolume: map[model.Session]int64{
			model.SessionClassic: c.Session.MinVolumeClassic,
			model.SessionAsia:    c.Session.MinVolumeAsia,
			model.SessionEurope:  c.Session.MinVolumeEurope,
		},
		MaterialityDiff:   c.Session.MaterialityDiff,
		NestedRangeRatio:  c.Session.NestedRangeRatio,
		NestedCenterRatio: c.Session.NestedCenterRatio,
	}
}

// TemporalProfiles returns the session profiles with configured overrides
// applied.
func (c *Config) TemporalProfiles() map[string]temporal.Profile {
	profiles := temporal.DefaultProfiles()
	for name, o := range map[string]ProfileConfig{"asia": c.Temporal.Asia, "europe": c.Temporal.Europe, "us": c.Temporal.US} {
		p := profiles[name]
		if o.StabilizationTime > 0 {
			p.StabilizationTime = o.StabilizationTime
		}
		if o.StabilizationBand > 0 {
			p.StabilizationBand = o.StabilizationBand
		}
		if o.MinConsecutive > 0 {
			p.MinConsecutive = o.MinConsecutive
		}
		if o.VolatilityTolerance > 0 {
			p.VolatilityTolerance = o.VolatilityTolerance
		}
		if o.SpeedMultiplier > 0 {
			p.SpeedMultiplier = o.SpeedMultiplier
		}
		profiles[name] = p
	}
	return profiles
}

// Engine returns the trading-level offsets.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		TakeProfitRatio: c.Levels.TakeProfitRatio,
		StopLossOffset:  c.Levels.StopLossOffset,
		TrailingOffset:  c.Levels.TrailingOffset,
	}
}
