package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"krakenbot/internal/logging"
	"krakenbot/internal/models"
)

// DefaultPath is read when KRAKENBOT_CONFIG is not set.
const DefaultPath = "config.yaml"

type Config struct {
	Logging       logging.Config                       `json:"logging" yaml:"logging"`
	Database      DatabaseConfig                       `json:"database" yaml:"database"`
	Redis         RedisConfig                          `json:"redis" yaml:"redis"`
	Engine        EngineConfig                         `json:"engine" yaml:"engine"`
	Exchanges     map[string]ExchangeConfig            `json:"exchanges" yaml:"exchanges" validate:"dive"`
	SmartGuard    models.SmartGuardConfig              `json:"smart_guard" yaml:"smart_guard"`
	PairOverrides map[string]models.SmartGuardOverride `json:"pair_overrides" yaml:"pair_overrides"`
	Regime        RegimeConfig                         `json:"regime" yaml:"regime"`
	Spread        SpreadConfig                         `json:"spread" yaml:"spread"`
	MTF           MTFConfig                            `json:"mtf" yaml:"mtf"`
	Scorer        ScorerConfig                         `json:"scorer" yaml:"scorer"`
	Breaker       BreakerConfig                        `json:"breaker" yaml:"breaker"`
	Notification  NotificationConfig                   `json:"notification" yaml:"notification"`
	Sync          SyncConfig                           `json:"sync" yaml:"sync"`
	Kafka         KafkaConfig                          `json:"kafka" yaml:"kafka"`
	API           APIConfig                            `json:"api" yaml:"api"`
	Vault         VaultConfig                          `json:"vault" yaml:"vault"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host" default:"localhost"`
	Port     int    `json:"port" yaml:"port" default:"5432"`
	User     string `json:"user" yaml:"user" default:"krakenbot"`
	Password string `json:"-" yaml:"password"`
	Database string `json:"database" yaml:"database" default:"krakenbot"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode" default:"disable"`
	MaxConns int32  `json:"max_conns" yaml:"max_conns" default:"10"`
}

// RedisConfig holds Redis configuration for the TTL caches
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Address  string `json:"address" yaml:"address" default:"localhost:6379"`
	Password string `json:"-" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size" default:"10"`
}

// EngineConfig controls the evaluation loop
type EngineConfig struct {
	Exchange       string        `json:"exchange" yaml:"exchange" default:"kraken" validate:"required"`
	Pairs          []string      `json:"pairs" yaml:"pairs" default:"[\"BTC/USD\",\"ETH/USD\"]" validate:"min=1"`
	Strategy       string        `json:"strategy" yaml:"strategy" default:"momentum"`
	QuoteAsset     string        `json:"quote_asset" yaml:"quote_asset" default:"USD"`
	Interval       time.Duration `json:"interval" yaml:"interval" default:"1m"`
	OHLCInterval   int           `json:"ohlc_interval" yaml:"ohlc_interval" default:"5"`
	CallTimeout    time.Duration `json:"call_timeout" yaml:"call_timeout" default:"10s"`
	PairTimeout    time.Duration `json:"pair_timeout" yaml:"pair_timeout" default:"45s"`
	MaxConcurrent  int           `json:"max_concurrent" yaml:"max_concurrent" default:"4" validate:"min=1"`
	ReserveUsd     float64       `json:"reserve_usd" yaml:"reserve_usd" validate:"gte=0"`
	MaxLotsPerPair int           `json:"max_lots_per_pair" yaml:"max_lots_per_pair" default:"1" validate:"min=1"`
	DryRun         bool          `json:"dry_run" yaml:"dry_run" default:"true"`
	PaperBalance   float64       `json:"paper_balance" yaml:"paper_balance" default:"1000"`
}

// Markup modes for secondary venues.
const (
	MarkupNone    = "none"
	MarkupFixed   = "fixed"
	MarkupDynamic = "dynamic"
)

// ExchangeConfig holds per-venue trading constants
type ExchangeConfig struct {
	Primary        bool               `json:"primary" yaml:"primary"`
	MinOrderUsd    float64            `json:"min_order_usd" yaml:"min_order_usd" default:"10" validate:"gte=0"`
	TakerFeePct    float64            `json:"taker_fee_pct" yaml:"taker_fee_pct" default:"0.26"`
	MarkupMode     string             `json:"markup_mode" yaml:"markup_mode" default:"none" validate:"oneof=none fixed dynamic"`
	MarkupPct      float64            `json:"markup_pct" yaml:"markup_pct"`
	MarkupAlpha    float64            `json:"markup_alpha" yaml:"markup_alpha" default:"0.2" validate:"gt=0,lte=1"`
	MaxMarkupPct   float64            `json:"max_markup_pct" yaml:"max_markup_pct" default:"2"`
	DustThresholds map[string]float64 `json:"dust_thresholds" yaml:"dust_thresholds"`
	DefaultDust    float64            `json:"default_dust" yaml:"default_dust" default:"0.00001"`
	AssetAliases   map[string]string  `json:"asset_aliases" yaml:"asset_aliases"`
}

// UnmarshalYAML applies the field defaults before decoding, so values set
// explicitly in the file, zero included, are kept.
func (e *ExchangeConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain ExchangeConfig
	var p plain
	if err := defaults.Set(&p); err != nil {
		return err
	}
	if err := value.Decode(&p); err != nil {
		return err
	}
	if len(p.DustThresholds) > 0 {
		dust := make(map[string]float64, len(p.DustThresholds))
		for asset, v := range p.DustThresholds {
			dust[strings.ToUpper(asset)] = v
		}
		p.DustThresholds = dust
	}
	*e = ExchangeConfig(p)
	return nil
}

// DustThreshold returns the dust limit for asset on this venue.
func (e ExchangeConfig) DustThreshold(asset string) float64 {
	if v, ok := e.DustThresholds[strings.ToUpper(asset)]; ok {
		return v
	}
	return e.DefaultDust
}

// RegimeConfig controls regime confirmation and the regime router
type RegimeConfig struct {
	Enabled             bool           `json:"enabled" yaml:"enabled" default:"true"`
	RouterEnabled       bool           `json:"router_enabled" yaml:"router_enabled" default:"true"`
	ConfirmScans        int            `json:"confirm_scans" yaml:"confirm_scans" default:"3" validate:"min=1"`
	MinHold             time.Duration  `json:"min_hold" yaml:"min_hold" default:"20m"`
	ADXHardExit         float64        `json:"adx_hard_exit" yaml:"adx_hard_exit" default:"19"`
	NotifyCooldown      time.Duration  `json:"notify_cooldown" yaml:"notify_cooldown" default:"60m"`
	CacheTTL            time.Duration  `json:"cache_ttl" yaml:"cache_ttl" default:"5m"`
	MinSignalsOverrides map[string]int `json:"min_signals_overrides" yaml:"min_signals_overrides"`
}

// SpreadConfig holds the entry spread gate
type SpreadConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled" default:"true"`
	TrendMaxPct      float64       `json:"trend_max_pct" yaml:"trend_max_pct" default:"0.8"`
	RangeMaxPct      float64       `json:"range_max_pct" yaml:"range_max_pct" default:"0.4"`
	TransitionMaxPct float64       `json:"transition_max_pct" yaml:"transition_max_pct" default:"0.5"`
	CapPct           float64       `json:"cap_pct" yaml:"cap_pct" default:"1.5"`
	FloorPct         float64       `json:"floor_pct" yaml:"floor_pct" default:"0.05"`
	AlertsEnabled    bool          `json:"alerts_enabled" yaml:"alerts_enabled" default:"true"`
	AlertCooldown    time.Duration `json:"alert_cooldown" yaml:"alert_cooldown" default:"15m"`
}

// MTFConfig holds multi-timeframe analysis settings
type MTFConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled" default:"true"`
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl" default:"5m"`
	Candles  int           `json:"candles" yaml:"candles" default:"50" validate:"min=20"`
}

// ScorerConfig holds the external ML score filter
type ScorerConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Command  string        `json:"command" yaml:"command" default:"python3"`
	Args     []string      `json:"args" yaml:"args" default:"[\"ml/trainer.py\"]"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout" default:"5s"`
	MinScore float64       `json:"min_score" yaml:"min_score" default:"0.55" validate:"gte=0,lte=1"`
}

// BreakerConfig halts new entries after losing exits
type BreakerConfig struct {
	Enabled              bool          `json:"enabled" yaml:"enabled"`
	MaxConsecutiveLosses int           `json:"max_consecutive_losses" yaml:"max_consecutive_losses" default:"4" validate:"min=1"`
	MaxLossPerHourPct    float64       `json:"max_loss_per_hour_pct" yaml:"max_loss_per_hour_pct" default:"3" validate:"gt=0"`
	MaxDailyLossPct      float64       `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct" default:"6" validate:"gt=0"`
	MaxEntriesPerHour    int           `json:"max_entries_per_hour" yaml:"max_entries_per_hour" default:"12" validate:"min=1"`
	Cooldown             time.Duration `json:"cooldown" yaml:"cooldown" default:"30m"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled" yaml:"enabled"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"-" yaml:"bot_token"`
	ChatID   string `json:"chat_id" yaml:"chat_id"`
}

// SyncConfig controls the scheduled trade import
type SyncConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Exchanges     []string      `json:"exchanges" yaml:"exchanges"`
	Scope         string        `json:"scope" yaml:"scope" default:"spot"`
	Interval      time.Duration `json:"interval" yaml:"interval" default:"5m"`
	Overlap       time.Duration `json:"overlap" yaml:"overlap" default:"10m"`
	Lookback      time.Duration `json:"lookback" yaml:"lookback" default:"168h"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout" default:"2m"`
	MaxConcurrent int           `json:"max_concurrent" yaml:"max_concurrent" default:"2" validate:"min=1"`
}

// KafkaConfig controls the optional event export
type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers" default:"[\"localhost:9092\"]"`
	Topic   string   `json:"topic" yaml:"topic" default:"krakenbot.events"`
}

// APIConfig holds the admin HTTP server configuration
type APIConfig struct {
	Enabled         bool          `json:"enabled" yaml:"enabled" default:"true"`
	Host            string        `json:"host" yaml:"host" default:"0.0.0.0"`
	Port            int           `json:"port" yaml:"port" default:"8080" validate:"min=1,max=65535"`
	AllowedOrigins  []string      `json:"allowed_origins" yaml:"allowed_origins" default:"[\"*\"]"`
	AuthEnabled     bool          `json:"auth_enabled" yaml:"auth_enabled"`
	JWTSecret       string        `json:"-" yaml:"jwt_secret"`
	TokenTTL        time.Duration `json:"token_ttl" yaml:"token_ttl" default:"12h"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" default:"10s"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address" default:"http://localhost:8200"`
	Token      string `json:"-" yaml:"token"`
	MountPath  string `json:"mount_path" yaml:"mount_path" default:"secret"`
	SecretPath string `json:"secret_path" yaml:"secret_path" default:"krakenbot"`
}

// Load reads .env, applies defaults, then the config file (KRAKENBOT_CONFIG or
// config.yaml) and environment overrides, then validates. A missing file is
// not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := loadFromFile(getEnvOrDefault("KRAKENBOT_CONFIG", DefaultPath))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return finish(cfg)
}

// LoadFile is Load for an explicit path; a missing file is an error.
func LoadFile(path string) (*Config, error) {
	cfg, err := loadFromFile(path)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := ensureExchanges(cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	for i, p := range cfg.Engine.Pairs {
		cfg.Engine.Pairs[i] = normalizePair(p)
	}
	overrides, err := normalizeKeys(cfg.PairOverrides, "pair_overrides")
	if err != nil {
		return nil, err
	}
	cfg.PairOverrides = overrides
	minSignals, err := normalizeKeys(cfg.Regime.MinSignalsOverrides, "regime.min_signals_overrides")
	if err != nil {
		return nil, err
	}
	cfg.Regime.MinSignalsOverrides = minSignals

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for pair := range cfg.PairOverrides {
		if !cfg.HasPair(pair) {
			logging.WithComponent("config").Warn("SMART_GUARD override for a pair that is not traded", "pair", pair)
		}
	}
	return cfg, nil
}

// HasPair reports whether pair is in engine.pairs.
func (c *Config) HasPair(pair string) bool {
	pair = normalizePair(pair)
	for _, p := range c.Engine.Pairs {
		if p == pair {
			return true
		}
	}
	return false
}

// Default returns the built-in configuration without reading files or the
// environment.
func Default() *Config {
	cfg := &Config{}
	_ = defaults.Set(cfg)
	_ = ensureExchanges(cfg)
	return cfg
}

// ensureExchanges adds the primary venue when the file has no block for it.
// Venue blocks read from a file are defaulted while decoding.
func ensureExchanges(cfg *Config) error {
	if cfg.Exchanges == nil {
		cfg.Exchanges = map[string]ExchangeConfig{}
	}
	if _, ok := cfg.Exchanges[cfg.Engine.Exchange]; !ok {
		primary := ExchangeConfig{Primary: true}
		if err := defaults.Set(&primary); err != nil {
			return err
		}
		cfg.Exchanges[cfg.Engine.Exchange] = primary
	}
	return nil
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for pair, n := range c.Regime.MinSignalsOverrides {
		if n < 1 || n > 10 {
			return fmt.Errorf("invalid config: min_signals_overrides[%s]=%d outside [1,10]", pair, n)
		}
	}
	if c.API.AuthEnabled && c.API.JWTSecret == "" {
		return fmt.Errorf("invalid config: api.auth_enabled requires api.jwt_secret")
	}
	return nil
}

// SmartGuardFor returns the global SMART_GUARD config with the pair override applied.
func (c *Config) SmartGuardFor(pair string) models.SmartGuardConfig {
	o, ok := c.PairOverrides[pair]
	if !ok {
		return c.SmartGuard
	}
	return c.SmartGuard.Apply(&o)
}

// Exchange returns the config for a venue, falling back to defaults.
func (c *Config) Exchange(name string) ExchangeConfig {
	if ex, ok := c.Exchanges[name]; ok {
		return ex
	}
	var ex ExchangeConfig
	_ = defaults.Set(&ex)
	return ex
}

// applyEnvOverrides applies environment variable overrides to the config.
// Secrets are normally only set here or from Vault.
func applyEnvOverrides(cfg *Config) {
	// Logging config
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)
	cfg.Logging.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.Logging.JSONFormat)
	cfg.Logging.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.Logging.IncludeFile)

	// Database config
	cfg.Database.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.Database.Enabled)
	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.Database.SSLMode)

	// Redis config
	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)

	// Engine config
	cfg.Engine.DryRun = getEnvBoolOrDefault("TRADING_DRY_RUN", cfg.Engine.DryRun)
	cfg.Engine.Interval = getEnvDurationOrDefault("ENGINE_INTERVAL", cfg.Engine.Interval)
	if pairs := os.Getenv("ENGINE_PAIRS"); pairs != "" {
		cfg.Engine.Pairs = splitList(pairs)
	}

	// Notification config
	cfg.Notification.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.Notification.Enabled)
	cfg.Notification.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.Notification.Telegram.Enabled)
	cfg.Notification.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Notification.Telegram.BotToken)
	cfg.Notification.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.Notification.Telegram.ChatID)

	// Scorer config
	cfg.Scorer.Enabled = getEnvBoolOrDefault("SCORER_ENABLED", cfg.Scorer.Enabled)
	cfg.Scorer.MinScore = getEnvFloatOrDefault("SCORER_MIN_SCORE", cfg.Scorer.MinScore)

	// Kafka config
	cfg.Kafka.Enabled = getEnvBoolOrDefault("KAFKA_ENABLED", cfg.Kafka.Enabled)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}

	// API config
	cfg.API.Port = getEnvIntOrDefault("WEB_PORT", cfg.API.Port)
	cfg.API.AuthEnabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.API.AuthEnabled)
	cfg.API.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.API.JWTSecret)

	// Vault config
	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
}

// loadFromFile returns a defaulted config with the file laid over it. Defaults
// go first so an explicit false in the file survives. JSON files parse too,
// since JSON is valid YAML. On a read error the defaulted config is still
// returned alongside the error.
func loadFromFile(filename string) (*Config, error) {
	config := &Config{}
	if err := defaults.Set(config); err != nil {
		return nil, fmt.Errorf("error applying config defaults: %w", err)
	}

	file, err := os.ReadFile(filename)
	if err != nil {
		return config, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(file, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

func normalizePair(p string) string {
	return strings.ToUpper(strings.TrimSpace(p))
}

// normalizeKeys upper-cases the pair keys of m. Two spellings of the same pair
// are a config error.
func normalizeKeys[V any](m map[string]V, field string) (map[string]V, error) {
	if len(m) == 0 {
		return m, nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		pair := normalizePair(k)
		if _, dup := out[pair]; dup {
			return nil, fmt.Errorf("invalid config: %s has %s more than once", field, pair)
		}
		out[pair] = v
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
