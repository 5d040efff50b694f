// Package config loads the consensus engine configuration from file and environment.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/atlas-desktop/signal-consensus/internal/api"
	"github.com/atlas-desktop/signal-consensus/internal/cache"
	"github.com/atlas-desktop/signal-consensus/internal/data"
	"github.com/atlas-desktop/signal-consensus/internal/learning"
	"github.com/atlas-desktop/signal-consensus/internal/orchestrator"
	"github.com/atlas-desktop/signal-consensus/internal/outcome"
	"github.com/atlas-desktop/signal-consensus/internal/publish"
	"github.com/atlas-desktop/signal-consensus/internal/regime"
	"github.com/atlas-desktop/signal-consensus/internal/signals"
	"github.com/atlas-desktop/signal-consensus/internal/store"
)

// EnvPrefix prefixes every environment override, e.g. CONSENSUS_STORE_DSN.
const EnvPrefix = "CONSENSUS"

// Config represents the complete application configuration
type Config struct {
	Logging     LoggingConfig           `mapstructure:"logging"`
	Scan        orchestrator.ScanConfig `mapstructure:"scan"`
	Aggregation signals.Config          `mapstructure:"aggregation"`
	Regime      regime.Config           `mapstructure:"regime"`
	Outcome     outcome.Config          `mapstructure:"outcome"`
	Weighting   learning.Config         `mapstructure:"weighting"`
	Bots        []signals.Registration  `mapstructure:"bots"`
	MarketData  MarketDataConfig        `mapstructure:"market_data"`
	Store       StoreConfig             `mapstructure:"store"`
	Redis       cache.RedisConfig       `mapstructure:"redis"`
	Kafka       publish.KafkaConfig     `mapstructure:"kafka"`
	Server      api.ServerConfig        `mapstructure:"server"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MarketDataConfig configures the candle providers. DataDir, when set, is
// consulted after the exchange fails.
type MarketDataConfig struct {
	data.BinanceConfig `mapstructure:",squash"`
	DataDir            string `mapstructure:"data_dir"`
	Offline            bool   `mapstructure:"offline"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver               string `mapstructure:"driver"`
	store.PostgresConfig `mapstructure:",squash"`
}

// New returns a viper instance with defaults and environment overrides set.
// Callers may bind command-line flags to it before calling LoadWith.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration from path (optional) and environment variables.
func Load(path string) (*Config, error) {
	return LoadWith(New(), path)
}

// LoadWith reads configuration into v and validates the result.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	for i := range cfg.Bots {
		cfg.Bots[i].StrategyType = signals.ParseStrategyType(string(cfg.Bots[i].StrategyType))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	scan := orchestrator.DefaultScanConfig()
	v.SetDefault("scan.assets", scan.Assets)
	v.SetDefault("scan.interval", scan.Interval)
	v.SetDefault("scan.timeframe", string(scan.Timeframe))
	v.SetDefault("scan.lookback", scan.Lookback)
	v.SetDefault("scan.workers", scan.Workers)
	v.SetDefault("scan.queue_size", scan.QueueSize)
	v.SetDefault("scan.task_timeout", scan.TaskTimeout)
	v.SetDefault("scan.signal_timeout", scan.SignalTimeout)

	agg := signals.DefaultConfig()
	v.SetDefault("aggregation.min_confidence", agg.MinConfidence)
	v.SetDefault("aggregation.max_confidence", agg.MaxConfidence)
	v.SetDefault("aggregation.trend_multiplier", agg.TrendMultiplier)
	v.SetDefault("aggregation.range_multiplier", agg.RangeMultiplier)
	v.SetDefault("aggregation.consensus_threshold", agg.ConsensusThreshold)
	v.SetDefault("aggregation.consensus_slope", agg.ConsensusSlope)
	v.SetDefault("aggregation.contrarian_threshold", agg.ContrarianThreshold)
	v.SetDefault("aggregation.contrarian_slope", agg.ContrarianSlope)
	v.SetDefault("aggregation.contrarian_min_bots", agg.ContrarianMinBots)
	v.SetDefault("aggregation.confidence_scope", string(agg.ConfidenceScope))
	v.SetDefault("aggregation.default_leverage.avg", agg.DefaultLeverage.Avg)
	v.SetDefault("aggregation.default_leverage.min", agg.DefaultLeverage.Min)
	v.SetDefault("aggregation.default_leverage.max", agg.DefaultLeverage.Max)

	rg := regime.DefaultConfig()
	v.SetDefault("regime.sma_weight", rg.SMAWeight)
	v.SetDefault("regime.momentum_weight", rg.MomentumWeight)
	v.SetDefault("regime.trend_strength_weight", rg.TrendStrengthWeight)
	v.SetDefault("regime.structure_weight", rg.StructureWeight)
	v.SetDefault("regime.sma_threshold", rg.SMAThreshold)
	v.SetDefault("regime.momentum_threshold", rg.MomentumThreshold)
	v.SetDefault("regime.momentum_saturation", rg.MomentumSaturation)
	v.SetDefault("regime.trend_strength_threshold", rg.TrendStrengthThreshold)
	v.SetDefault("regime.regime_threshold", rg.RegimeThreshold)
	v.SetDefault("regime.momentum_lookback", rg.MomentumLookback)
	v.SetDefault("regime.structure_lookback", rg.StructureLookback)

	out := outcome.DefaultConfig()
	v.SetDefault("outcome.window", out.Window)
	v.SetDefault("outcome.interval", out.Interval)
	v.SetDefault("outcome.timeframe", string(out.Timeframe))
	v.SetDefault("outcome.batch_size", out.BatchSize)

	w := learning.DefaultConfig()
	v.SetDefault("weighting.interval", w.Interval)
	v.SetDefault("weighting.lookback", w.Lookback)
	v.SetDefault("weighting.min_resolved", w.MinResolved)
	v.SetDefault("weighting.high_accuracy", w.HighAccuracy)
	v.SetDefault("weighting.high_slope", w.HighSlope)
	v.SetDefault("weighting.ceiling", w.Ceiling)
	v.SetDefault("weighting.low_accuracy", w.LowAccuracy)
	v.SetDefault("weighting.low_slope", w.LowSlope)
	v.SetDefault("weighting.floor", w.Floor)
	v.SetDefault("weighting.profit_threshold", w.ProfitThreshold)
	v.SetDefault("weighting.profit_adjustment", w.ProfitAdjustment)
	v.SetDefault("weighting.decay", w.Decay)
	v.SetDefault("weighting.min_weight", w.MinWeight)
	v.SetDefault("weighting.max_weight", w.MaxWeight)

	md := data.DefaultBinanceConfig()
	v.SetDefault("market_data.base_url", md.BaseURL)
	v.SetDefault("market_data.timeout", md.Timeout)
	v.SetDefault("market_data.requests_per_sec", md.RequestsPerSec)
	v.SetDefault("market_data.burst", md.Burst)
	v.SetDefault("market_data.page_limit", md.PageLimit)
	v.SetDefault("market_data.breaker_failures", md.BreakerFailures)
	v.SetDefault("market_data.breaker_cooldown", md.BreakerCooldown)
	v.SetDefault("market_data.data_dir", "")
	v.SetDefault("market_data.offline", false)

	pg := store.DefaultPostgresConfig()
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_open_conns", pg.MaxOpenConns)
	v.SetDefault("store.max_idle_conns", pg.MaxIdleConns)
	v.SetDefault("store.conn_max_lifetime", pg.ConnMaxLifetime)
	v.SetDefault("store.query_timeout", pg.QueryTimeout)
	v.SetDefault("store.migrate", pg.Migrate)

	rc := cache.DefaultRedisConfig()
	v.SetDefault("redis.enabled", rc.Enabled)
	v.SetDefault("redis.addr", rc.Addr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", rc.DB)
	v.SetDefault("redis.key_prefix", rc.KeyPrefix)
	v.SetDefault("redis.dial_timeout", rc.DialTimeout)
	v.SetDefault("redis.lock_ttl", rc.LockTTL)

	kc := publish.DefaultKafkaConfig()
	v.SetDefault("kafka.enabled", kc.Enabled)
	v.SetDefault("kafka.brokers", kc.Brokers)
	v.SetDefault("kafka.topic", kc.Topic)
	v.SetDefault("kafka.compression", kc.Compression)
	v.SetDefault("kafka.max_attempts", kc.MaxAttempts)
	v.SetDefault("kafka.batch_timeout", kc.BatchTimeout)
	v.SetDefault("kafka.write_timeout", kc.WriteTimeout)
	v.SetDefault("kafka.required_acks", kc.RequiredAcks)

	sc := api.DefaultServerConfig()
	v.SetDefault("server.host", sc.Host)
	v.SetDefault("server.port", sc.Port)
	v.SetDefault("server.websocket_path", sc.WebSocketPath)
	v.SetDefault("server.read_timeout", sc.ReadTimeout)
	v.SetDefault("server.write_timeout", sc.WriteTimeout)
	v.SetDefault("server.max_connections", sc.MaxConnections)
	v.SetDefault("server.allowed_origins", sc.AllowedOrigins)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be one of: console, json")
	}

	if c.Scan.Interval < time.Minute {
		return fmt.Errorf("scan.interval must be at least 1 minute")
	}
	if c.Scan.Lookback < 1 {
		return fmt.Errorf("scan.lookback must be at least 1")
	}
	if c.Scan.Workers < 1 {
		return fmt.Errorf("scan.workers must be at least 1")
	}
	for _, asset := range c.Scan.Assets {
		if strings.TrimSpace(asset) == "" {
			return fmt.Errorf("scan.assets must not contain empty symbols")
		}
	}

	a := c.Aggregation
	if a.MinConfidence < 1 || a.MaxConfidence > 10 || a.MinConfidence > a.MaxConfidence {
		return fmt.Errorf("aggregation confidence gate must satisfy 1 <= min_confidence <= max_confidence <= 10")
	}
	if a.ConfidenceScope != signals.ScopeConsensus && a.ConfidenceScope != signals.ScopeAll {
		return fmt.Errorf("aggregation.confidence_scope must be one of: consensus, all")
	}
	if a.ConsensusThreshold <= 0 || a.ConsensusThreshold > 1 || a.ContrarianThreshold <= 0 || a.ContrarianThreshold > 1 {
		return fmt.Errorf("aggregation boost thresholds must be in (0, 1]")
	}

	r := c.Regime
	if sum := r.SMAWeight + r.MomentumWeight + r.TrendStrengthWeight + r.StructureWeight; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("regime vote weights must sum to 1, got %.4f", sum)
	}
	if r.RegimeThreshold <= 0 || r.RegimeThreshold > 1 {
		return fmt.Errorf("regime.regime_threshold must be in (0, 1]")
	}
	if r.MomentumSaturation <= 0 {
		return fmt.Errorf("regime.momentum_saturation must be positive")
	}
	if r.MomentumLookback < 1 || r.StructureLookback < 3 {
		return fmt.Errorf("regime lookbacks must satisfy momentum_lookback >= 1 and structure_lookback >= 3")
	}

	if c.Outcome.Window <= 0 {
		return fmt.Errorf("outcome.window must be positive")
	}
	if c.Outcome.Interval < time.Minute {
		return fmt.Errorf("outcome.interval must be at least 1 minute")
	}

	w := c.Weighting
	if w.MinResolved < 1 {
		return fmt.Errorf("weighting.min_resolved must be at least 1")
	}
	if w.Decay < 0 || w.Decay >= 1 {
		return fmt.Errorf("weighting.decay must be in [0, 1)")
	}
	if w.MinWeight <= 0 || w.MinWeight > w.MaxWeight {
		return fmt.Errorf("weighting clamp must satisfy 0 < min_weight <= max_weight")
	}
	if w.LowAccuracy > w.HighAccuracy {
		return fmt.Errorf("weighting.low_accuracy must not exceed weighting.high_accuracy")
	}

	seen := make(map[string]bool, len(c.Bots))
	for i, b := range c.Bots {
		if b.Name == "" {
			return fmt.Errorf("bots[%d].name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("bots[%d].name %q is duplicated", i, b.Name)
		}
		seen[b.Name] = true
	}

	if c.MarketData.Offline && c.MarketData.DataDir == "" {
		return fmt.Errorf("market_data.data_dir is required when market_data.offline is set")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required when store.driver is postgres")
		}
	default:
		return fmt.Errorf("store.driver must be one of: memory, postgres")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	return nil
}
