package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"tradeguard/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
	Accounts    []AccountConfig   `mapstructure:"accounts"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Guardian    GuardianConfig    `mapstructure:"guardian"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig covers the fast shared store holding positions, pause states,
// and market-data cache entries.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ExchangeConfig parameterises the futures REST boundary.
type ExchangeConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RecvWindowMS   int64         `mapstructure:"recv_window_ms"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// AccountConfig holds per-account exchange credentials. Risk rules live in
// the relational store, not here.
type AccountConfig struct {
	ID        string `mapstructure:"id"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// CoordinatorConfig bounds the multi-account dispatch fan-out.
type CoordinatorConfig struct {
	DispatchTimeout   time.Duration `mapstructure:"dispatch_timeout"`
	ProtectiveRetries int           `mapstructure:"protective_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
}

// GuardianConfig tunes guardian actions and the reconciliation sweep.
type GuardianConfig struct {
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	StateRetryDelay    time.Duration `mapstructure:"state_retry_delay"`
	ActionTimeout      time.Duration `mapstructure:"action_timeout"`
	SweepStartupDelay  time.Duration `mapstructure:"sweep_startup_delay"`
	SweepAlignToBucket bool          `mapstructure:"sweep_align_to_bucket"`
}

// CacheConfig holds per-fact freshness budgets for the market-data cache.
type CacheConfig struct {
	MarkPriceTTL time.Duration `mapstructure:"mark_price_ttl"`
	OrderBookTTL time.Duration `mapstructure:"order_book_ttl"`
	KlinesTTL    time.Duration `mapstructure:"klines_ttl"`
	FiltersTTL   time.Duration `mapstructure:"filters_ttl"`
	BracketsTTL  time.Duration `mapstructure:"brackets_ttl"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRADEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tradeguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.dial_timeout", "3s")
	v.SetDefault("redis.read_timeout", "2s")
	v.SetDefault("redis.write_timeout", "2s")

	v.SetDefault("exchange.base_url", "https://fapi.binance.com")
	v.SetDefault("exchange.request_timeout", "5s")
	v.SetDefault("exchange.recv_window_ms", int64(5000))
	v.SetDefault("exchange.user_agent", "tradeguard/1.0")

	v.SetDefault("coordinator.dispatch_timeout", "15s")
	v.SetDefault("coordinator.protective_retries", 3)
	v.SetDefault("coordinator.retry_backoff", "500ms")

	v.SetDefault("guardian.sweep_interval", "1m")
	v.SetDefault("guardian.state_retry_delay", "250ms")
	v.SetDefault("guardian.action_timeout", "10s")
	v.SetDefault("guardian.sweep_startup_delay", "5s")
	v.SetDefault("guardian.sweep_align_to_bucket", true)

	v.SetDefault("cache.mark_price_ttl", "30s")
	v.SetDefault("cache.order_book_ttl", "30s")
	v.SetDefault("cache.klines_ttl", "60s")
	v.SetDefault("cache.filters_ttl", "6h")
	v.SetDefault("cache.brackets_ttl", "6h")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Coordinator.DispatchTimeout <= 0 {
		return fmt.Errorf("coordinator.dispatch_timeout must be greater than zero")
	}
	if c.Coordinator.ProtectiveRetries < 0 {
		return fmt.Errorf("coordinator.protective_retries cannot be negative")
	}
	if c.Guardian.SweepInterval <= 0 {
		return fmt.Errorf("guardian.sweep_interval must be greater than zero")
	}
	if c.Exchange.RequestTimeout <= 0 {
		return fmt.Errorf("exchange.request_timeout must be greater than zero")
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	for _, acct := range c.Accounts {
		if acct.ID == "" {
			return fmt.Errorf("accounts entries require a non-empty id")
		}
		if _, dup := seen[acct.ID]; dup {
			return fmt.Errorf("duplicate account id %q", acct.ID)
		}
		seen[acct.ID] = struct{}{}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Account looks up credentials for an account id.
func (c *Config) Account(id string) (AccountConfig, bool) {
	for _, acct := range c.Accounts {
		if acct.ID == id {
			return acct, true
		}
	}
	return AccountConfig{}, false
}
