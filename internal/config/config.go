package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	ClinicTimezone  string        `mapstructure:"CLINIC_TIMEZONE"`
	RefreshInterval time.Duration `mapstructure:"REFRESH_INTERVAL"`
	WidenOnEmpty    bool          `mapstructure:"WIDEN_ON_EMPTY"`
	WidenLimit      int           `mapstructure:"WIDEN_LIMIT"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	TelegramToken   string        `mapstructure:"TELEGRAM_TOKEN"`
	TelegramChatID  int64         `mapstructure:"TELEGRAM_CHAT_ID"`
	WebhookURL      string        `mapstructure:"WEBHOOK_URL"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
}

var envKeys = []string{
	"PORT",
	"ENV",
	"LOG_LEVEL",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"CORS_ORIGINS",
	"CLINIC_TIMEZONE",
	"REFRESH_INTERVAL",
	"WIDEN_ON_EMPTY",
	"WIDEN_LIMIT",
	"BODY_LIMIT",
	"TELEGRAM_TOKEN",
	"TELEGRAM_CHAT_ID",
	"WEBHOOK_URL",
	"REQUEST_TIMEOUT",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	// A missing .env file is fine; the process environment still applies.
	_ = godotenv.Load(".env")

	v := viper.New()
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "5000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("CLINIC_TIMEZONE", "Local")
	v.SetDefault("REFRESH_INTERVAL", "15m")
	v.SetDefault("WIDEN_ON_EMPTY", true)
	v.SetDefault("WIDEN_LIMIT", 50)
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("REQUEST_TIMEOUT", "0s")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper splits the env value on commas but leaves the surrounding spaces.
	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	if len(cfg.CORSOrigins) == 0 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = splitList(origins)
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development), console logging enabled")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// TelegramEnabled reports whether status-change notifications should be sent.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// Location resolves CLINIC_TIMEZONE. "Local" and "" map to the process zone.
func (c *Config) Location() (*time.Location, error) {
	if c.ClinicTimezone == "" || c.ClinicTimezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("load CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("REFRESH_INTERVAL must be positive, got %s", c.RefreshInterval)
	}
	if c.WidenLimit < 1 || c.WidenLimit > 500 {
		return fmt.Errorf("WIDEN_LIMIT must be between 1 and 500, got %d", c.WidenLimit)
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be at least 1, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS (%d), got %d", c.DBMaxConns, c.DBMinConns)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative, got %s", c.RequestTimeout)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive, got %g and %d", c.RateLimitRPS, c.RateLimitBurst)
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("WEBHOOK_URL must be an absolute http(s) URL, got %q", c.WebhookURL)
		}
	}

	// Telegram settings only make sense as a pair.
	if (c.TelegramToken == "") != (c.TelegramChatID == 0) {
		return fmt.Errorf("TELEGRAM_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}

	return nil
}
