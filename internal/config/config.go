package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/InfiniteCode-Org/market-checker/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Export   ExportConfig   `mapstructure:"export"`
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

// FeedConfig covers the streaming price feed connection.
type FeedConfig struct {
	WSURL                string        `mapstructure:"ws_url"`
	BufferSize           int           `mapstructure:"buffer_size"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
}

// MonitorConfig governs the watch-registry refresh and the safety-net sweep.
type MonitorConfig struct {
	RefreshInterval          time.Duration `mapstructure:"refresh_interval"`
	SweepInterval            time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize           int           `mapstructure:"sweep_batch_size"`
	MaxConcurrentResolutions int           `mapstructure:"max_concurrent_resolutions"`
	ResolveRatePerSec        float64       `mapstructure:"resolve_rate_per_sec"`
	AdvisoryLockKey          int64         `mapstructure:"advisory_lock_key"`
	RecoverResolvingAfter    time.Duration `mapstructure:"recover_resolving_after"`
}

// ResolverConfig covers on-chain resolution.
type ResolverConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	ChainID         int64         `mapstructure:"chain_id"`
	SignerKeys      []string      `mapstructure:"signer_keys"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	GasLimit        uint64        `mapstructure:"gas_limit"`
}

// NotifyConfig defines downstream notification routing.
type NotifyConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 通知参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MARKETCHECKER")
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
	v.SetDefault("app.name", "marketchecker")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("feed.buffer_size", 256)
	v.SetDefault("feed.handshake_timeout", "10s")
	v.SetDefault("feed.reconnect_base_delay", "1s")
	v.SetDefault("feed.reconnect_max_delay", "1m")
	v.SetDefault("feed.reconnect_max_attempts", 10)

	v.SetDefault("monitor.refresh_interval", "1m")
	v.SetDefault("monitor.sweep_interval", "1m")
	v.SetDefault("monitor.sweep_batch_size", 50)
	v.SetDefault("monitor.max_concurrent_resolutions", 8)
	v.SetDefault("monitor.resolve_rate_per_sec", 0.0)
	v.SetDefault("monitor.advisory_lock_key", int64(0x6d6b6368))
	v.SetDefault("monitor.recover_resolving_after", "10m")

	v.SetDefault("resolver.chain_id", int64(1))
	v.SetDefault("resolver.request_timeout", "30s")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
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
	if c.Monitor.RefreshInterval <= 0 {
		return fmt.Errorf("monitor.refresh_interval must be greater than zero")
	}
	if c.Monitor.SweepInterval <= 0 {
		return fmt.Errorf("monitor.sweep_interval must be greater than zero")
	}
	if c.Monitor.SweepBatchSize <= 0 {
		return fmt.Errorf("monitor.sweep_batch_size must be greater than zero")
	}
	if c.Monitor.ResolveRatePerSec < 0 {
		return fmt.Errorf("monitor.resolve_rate_per_sec cannot be negative")
	}
	if c.Monitor.RecoverResolvingAfter < 0 {
		return fmt.Errorf("monitor.recover_resolving_after cannot be negative")
	}
	if c.Feed.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("feed.reconnect_max_attempts must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" {
			return fmt.Errorf("notify.telegram.bot_token 必须配置")
		}
		if c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("notify.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ValidateForRun checks the fields the long-running service cannot start
// without. These are fatal at startup, not recoverable at runtime.
func (c *Config) ValidateForRun() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required to run the monitor")
	}
	if c.Feed.WSURL == "" {
		return fmt.Errorf("feed.ws_url is required to run the monitor")
	}
	if c.Resolver.RPCURL == "" {
		return fmt.Errorf("resolver.rpc_url is required to run the monitor")
	}
	if c.Resolver.ContractAddress == "" {
		return fmt.Errorf("resolver.contract_address is required to run the monitor")
	}
	if len(c.Resolver.SignerKeys) == 0 {
		return fmt.Errorf("resolver.signer_keys must contain at least one key")
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
