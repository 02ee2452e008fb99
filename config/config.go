// Package config loads engine configuration from a YAML file with
// environment variable overrides (STRAT_ prefix, e.g. STRAT_REDIS_ADDR).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all engine configuration.
type Config struct {
	// HTTP API and stream listener.
	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Strategy record store.
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	// Historical tick database for backtests.
	TickDBPath string `mapstructure:"tick_db_path"`

	// Websocket tick feed for live sessions.
	TickFeedURL string `mapstructure:"tick_feed_url"`

	// Trade journal database.
	JournalPath string `mapstructure:"journal_path"`

	// Root directory for per-session JSONL persistence.
	PersistRoot string `mapstructure:"persist_root"`

	// Session eviction window in minutes.
	SessionTTLMin int `mapstructure:"session_ttl_min"`

	// Broker selects the order gateway: "paper" or "smartapi".
	Broker string `mapstructure:"broker"`

	// Paper gateway slippage in basis points.
	PaperSlippageBps int `mapstructure:"paper_slippage_bps"`

	SmartAPI struct {
		BaseURL    string `mapstructure:"base_url"`
		APIKey     string `mapstructure:"api_key"`
		ClientCode string `mapstructure:"client_code"`
		PIN        string `mapstructure:"pin"`
		TOTPSecret string `mapstructure:"totp_secret"`
	} `mapstructure:"smartapi"`

	Notify struct {
		WebhookURL    string `mapstructure:"webhook_url"`
		TelegramToken string `mapstructure:"telegram_token"`
		TelegramChat  string `mapstructure:"telegram_chat"`
	} `mapstructure:"notify"`

	LogLevel string `mapstructure:"log_level"`
}

// Load reads the config file (if present) and applies env overrides.
// A missing file is not an error; defaults plus env are enough to run
// a paper-broker engine.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("tick_db_path", "data/ticks.db")
	v.SetDefault("tick_feed_url", "ws://localhost:9001/ws")
	v.SetDefault("journal_path", "data/trades.db")
	v.SetDefault("persist_root", "data/sessions")
	v.SetDefault("session_ttl_min", 60)
	v.SetDefault("broker", "paper")
	v.SetDefault("paper_slippage_bps", 0)
	v.SetDefault("smartapi.base_url", "https://apiconnect.angelone.in")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("STRAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("engine")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Broker {
	case "paper":
	case "smartapi":
		if c.SmartAPI.APIKey == "" || c.SmartAPI.ClientCode == "" ||
			c.SmartAPI.PIN == "" || c.SmartAPI.TOTPSecret == "" {
			return fmt.Errorf("config: smartapi broker requires api_key, client_code, pin and totp_secret")
		}
	default:
		return fmt.Errorf("config: unknown broker %q", c.Broker)
	}
	if c.SessionTTLMin <= 0 {
		return fmt.Errorf("config: session_ttl_min must be positive")
	}
	return nil
}
