// Package config loads predex configuration from YAML files and PREDEX_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Aidin1998/predex/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/predex/internal/marketdata/publisher"
	"github.com/Aidin1998/predex/internal/trading/depth"
	"github.com/Aidin1998/predex/internal/trading/engine"
	"github.com/Aidin1998/predex/internal/trading/persistence"
	"github.com/Aidin1998/predex/internal/trading/risk"
	"github.com/Aidin1998/predex/internal/trading/validation"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Log          LogConfig              `mapstructure:"log" yaml:"log"`
	Server       ServerConfig           `mapstructure:"server" yaml:"server"`
	Database     DatabaseConfig         `mapstructure:"database" yaml:"database"`
	Redis        RedisConfig            `mapstructure:"redis" yaml:"redis"`
	Kafka        KafkaConfig            `mapstructure:"kafka" yaml:"kafka"`
	Markets      []MarketConfig         `mapstructure:"markets" yaml:"markets"`
	Risk         RiskConfig             `mapstructure:"risk" yaml:"risk"`
	RateLimits   RateLimitConfig        `mapstructure:"rate_limits" yaml:"rate_limits"`
	Fees         []engine.FeeTierConfig `mapstructure:"fees" yaml:"fees"`
	Engine       EngineConfig           `mapstructure:"engine" yaml:"engine"`
	Publisher    PublisherConfig        `mapstructure:"publisher" yaml:"publisher"`
	Persistence  PersistenceConfig      `mapstructure:"persistence" yaml:"persistence"`
	CommitReveal CommitRevealConfig     `mapstructure:"commit_reveal" yaml:"commit_reveal"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
	WSShards        int           `mapstructure:"ws_shards" yaml:"ws_shards"`
	WSReplay        int           `mapstructure:"ws_replay" yaml:"ws_replay"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"`
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// RedisConfig with an empty Addr selects the in-memory stores.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// KafkaConfig with no brokers disables the event stream.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	TopicPrefix  string        `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	Compression  string        `mapstructure:"compression" yaml:"compression"`
}

type MarketConfig struct {
	ID       string `mapstructure:"id" yaml:"id"`
	TickSize string `mapstructure:"tick_size" yaml:"tick_size"`
	Active   bool   `mapstructure:"active" yaml:"active"`
}

// Tick parses TickSize as a decimal.
func (m MarketConfig) Tick() (fixedpoint.Amount, error) {
	return fixedpoint.Parse(m.TickSize)
}

// RiskConfig amounts are decimal strings.
type RiskConfig struct {
	TierCaps       map[string]string `mapstructure:"tier_caps" yaml:"tier_caps"`
	MarketCap      string            `mapstructure:"market_cap" yaml:"market_cap"`
	StressDivisor  int64             `mapstructure:"stress_divisor" yaml:"stress_divisor"`
	ExemptAccounts []string          `mapstructure:"exempt_accounts" yaml:"exempt_accounts"`
}

type RateLimitConfig struct {
	Place          ratelimit.Rule `mapstructure:"place" yaml:"place"`
	Cancel         ratelimit.Rule `mapstructure:"cancel" yaml:"cancel"`
	Default        ratelimit.Rule `mapstructure:"default" yaml:"default"`
	MinRestingTime time.Duration  `mapstructure:"min_resting_time" yaml:"min_resting_time"`
}

type EngineConfig struct {
	CircuitBreakerWindow       time.Duration `mapstructure:"circuit_breaker_window" yaml:"circuit_breaker_window"`
	CircuitBreakerThresholdPct int64         `mapstructure:"circuit_breaker_threshold_pct" yaml:"circuit_breaker_threshold_pct"`
	InversionHaltAfter         time.Duration `mapstructure:"inversion_halt_after" yaml:"inversion_halt_after"`
	InversionCheckInterval     time.Duration `mapstructure:"inversion_check_interval" yaml:"inversion_check_interval"`
	DisableSelfHeal            bool          `mapstructure:"disable_self_heal" yaml:"disable_self_heal"`
}

type PublisherConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	L1Interval        time.Duration `mapstructure:"l1_interval" yaml:"l1_interval"`
	L2Interval        time.Duration `mapstructure:"l2_interval" yaml:"l2_interval"`
	L3Interval        time.Duration `mapstructure:"l3_interval" yaml:"l3_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	BatchWindow       time.Duration `mapstructure:"batch_window" yaml:"batch_window"`
	L2Levels          int           `mapstructure:"l2_levels" yaml:"l2_levels"`
	BucketCapacity    int           `mapstructure:"bucket_capacity" yaml:"bucket_capacity"`
	BucketRate        float64       `mapstructure:"bucket_rate" yaml:"bucket_rate"`
	AckTimeout        time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout"`
	AckRetries        int           `mapstructure:"ack_retries" yaml:"ack_retries"`
}

type PersistenceConfig struct {
	QueueSize     int           `mapstructure:"queue_size" yaml:"queue_size"`
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	OpTimeout     time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
}

type CommitRevealConfig struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// Default returns a single-process configuration backed by SQLite and
// in-memory stores.
func Default() *Config {
	pub := publisher.DefaultConfig()
	writer := persistence.DefaultWriterConfig()
	rules := ratelimit.DefaultRules()
	fees := make([]engine.FeeTierConfig, 0, 4)
	for _, t := range engine.DefaultFeeTiers() {
		fees = append(fees, engine.FeeTierConfig{
			Name:      t.Name,
			MinVolume: t.MinVolume.String(),
			MakerRate: t.MakerRate.String(),
			TakerRate: t.TakerRate.String(),
		})
	}
	riskDefaults := risk.NewRiskConfig()
	tierCaps := make(map[string]string, len(riskDefaults.TierCaps))
	for tier, ceiling := range riskDefaults.TierCaps {
		tierCaps[string(tier)] = ceiling.String()
	}
	return &Config{
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			CORSOrigins:     []string{"*"},
			WSShards:        16,
			WSReplay:        256,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "file:predex.db?cache=shared",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{Prefix: "predex"},
		Kafka: KafkaConfig{
			TopicPrefix:  "predex.",
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			Compression:  "snappy",
		},
		Markets: []MarketConfig{{ID: "00000000-0000-4000-8000-000000000001", TickSize: "0.01", Active: true}},
		Risk: RiskConfig{
			TierCaps:      tierCaps,
			MarketCap:     riskDefaults.MarketCap.String(),
			StressDivisor: risk.DefaultStressDivisor,
		},
		RateLimits: RateLimitConfig{
			Place:          rules[ratelimit.ActionPlace],
			Cancel:         rules[ratelimit.ActionCancel],
			Default:        rules[ratelimit.ActionDefault],
			MinRestingTime: ratelimit.DefaultMinRestingTime,
		},
		Fees: fees,
		Engine: EngineConfig{
			CircuitBreakerWindow:       engine.DefaultBreakerWindow,
			CircuitBreakerThresholdPct: engine.DefaultBreakerThresholdPct,
			InversionHaltAfter:         engine.DefaultInversionHaltAfter,
			InversionCheckInterval:     engine.DefaultInversionCheckInterval,
		},
		Publisher: PublisherConfig{
			Enabled:           true,
			L1Interval:        pub.L1Interval,
			L2Interval:        pub.L2Interval,
			L3Interval:        pub.L3Interval,
			HeartbeatInterval: pub.HeartbeatInterval,
			BatchWindow:       pub.BatchWindow,
			L2Levels:          pub.L2Levels,
			BucketCapacity:    pub.BucketCapacity,
			BucketRate:        pub.BucketRate,
			AckTimeout:        pub.AckTimeout,
			AckRetries:        pub.AckRetries,
		},
		Persistence: PersistenceConfig{
			QueueSize:     writer.QueueSize,
			BatchSize:     writer.BatchSize,
			FlushInterval: writer.FlushInterval,
			MaxRetries:    writer.MaxRetries,
			OpTimeout:     writer.OpTimeout,
		},
		CommitReveal: CommitRevealConfig{TTL: 10 * time.Minute},
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr: empty"))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q", c.Database.Driver))
	}
	if len(c.Markets) == 0 {
		errs = append(errs, errors.New("markets: at least one market is required"))
	}
	seen := make(map[string]struct{}, len(c.Markets))
	for i, m := range c.Markets {
		if !validation.ValidMarketID(m.ID) {
			errs = append(errs, fmt.Errorf("markets[%d].id: malformed %q", i, m.ID))
		}
		if _, dup := seen[m.ID]; dup {
			errs = append(errs, fmt.Errorf("markets[%d].id: duplicate %s", i, m.ID))
		}
		seen[m.ID] = struct{}{}
		tick, err := m.Tick()
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("markets[%d].tick_size: %w", i, err))
		case tick <= 0 || fixedpoint.Scale%tick != 0 || tick%depth.TickScale != 0:
			errs = append(errs, fmt.Errorf("markets[%d].tick_size: %s must be positive, divide 1 and be a multiple of %s",
				i, tick, fixedpoint.Amount(depth.TickScale)))
		}
	}
	if _, err := c.RiskConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := engine.FeeScheduleFromConfig(c.Fees); err != nil {
		errs = append(errs, fmt.Errorf("fees: %w", err))
	}
	for name, r := range map[string]ratelimit.Rule{"place": c.RateLimits.Place, "cancel": c.RateLimits.Cancel, "default": c.RateLimits.Default} {
		if r.Burst <= 0 || r.RefillRate <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s: burst and refill_rate must be positive", name))
		}
	}
	if c.Engine.CircuitBreakerThresholdPct <= 0 {
		errs = append(errs, errors.New("engine.circuit_breaker_threshold_pct: must be positive"))
	}
	if c.Publisher.Enabled && (c.Publisher.L1Interval <= 0 || c.Publisher.L2Interval <= 0 || c.Publisher.L3Interval <= 0) {
		errs = append(errs, errors.New("publisher: tier intervals must be positive"))
	}
	return errors.Join(errs...)
}

// RiskConfig builds the risk engine ceilings.
func (c *Config) RiskConfig() (*risk.RiskConfig, error) {
	rc := risk.NewRiskConfig()
	// viper lowercases map keys.
	for tier, raw := range c.Risk.TierCaps {
		ceiling, err := fixedpoint.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("risk.tier_caps.%s: %w", tier, err)
		}
		rc.SetTierCap(risk.Tier(strings.ToUpper(tier)), ceiling)
	}
	if c.Risk.MarketCap != "" {
		ceiling, err := fixedpoint.Parse(c.Risk.MarketCap)
		if err != nil {
			return nil, fmt.Errorf("risk.market_cap: %w", err)
		}
		rc.SetMarketCap(ceiling)
	}
	if c.Risk.StressDivisor > 0 {
		rc.StressDivisor = c.Risk.StressDivisor
	}
	for _, id := range c.Risk.ExemptAccounts {
		rc.AddExemptAccount(id)
	}
	return rc, nil
}

// RateLimitRules returns the limiter budgets keyed by action class.
func (c *Config) RateLimitRules() map[ratelimit.ActionClass]ratelimit.Rule {
	return map[ratelimit.ActionClass]ratelimit.Rule{
		ratelimit.ActionPlace:   c.RateLimits.Place,
		ratelimit.ActionCancel:  c.RateLimits.Cancel,
		ratelimit.ActionDefault: c.RateLimits.Default,
	}
}

// EngineConfig returns the engine settings for market m.
func (c *Config) EngineConfig(m MarketConfig) (engine.Config, error) {
	tick, err := m.Tick()
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		MarketID:                   m.ID,
		TickSize:                   tick,
		CircuitBreakerWindow:       c.Engine.CircuitBreakerWindow,
		CircuitBreakerThresholdPct: c.Engine.CircuitBreakerThresholdPct,
		InversionHaltAfter:         c.Engine.InversionHaltAfter,
		DisableSelfHeal:            c.Engine.DisableSelfHeal,
	}, nil
}

func (c *Config) PublisherConfig() publisher.Config {
	p := c.Publisher
	cfg := publisher.DefaultConfig()
	cfg.L1Interval, cfg.L2Interval, cfg.L3Interval = p.L1Interval, p.L2Interval, p.L3Interval
	cfg.HeartbeatInterval = p.HeartbeatInterval
	cfg.BatchWindow = p.BatchWindow
	cfg.L2Levels = p.L2Levels
	cfg.BucketCapacity, cfg.BucketRate = p.BucketCapacity, p.BucketRate
	cfg.AckTimeout, cfg.AckRetries = p.AckTimeout, p.AckRetries
	return cfg
}

func (c *Config) WriterConfig() persistence.WriterConfig {
	p := c.Persistence
	return persistence.WriterConfig{
		QueueSize:     p.QueueSize,
		BatchSize:     p.BatchSize,
		FlushInterval: p.FlushInterval,
		MaxRetries:    p.MaxRetries,
		OpTimeout:     p.OpTimeout,
	}
}
