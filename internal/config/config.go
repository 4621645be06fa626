package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// Processing-state tracker backing. Empty RedisAddr keeps the tracker
	// in-process; set it when running more than one instance.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	StateTTLHours int    `mapstructure:"STATE_TTL_HOURS"`

	// Extraction oracle.
	GeminiAPIKey    string `mapstructure:"GEMINI_API_KEY"`
	OracleModel     string `mapstructure:"ORACLE_MODEL"`
	OracleTimeoutMS int    `mapstructure:"ORACLE_TIMEOUT_MS"`

	MinSourceTextLen int      `mapstructure:"MIN_SOURCE_TEXT_LEN"`
	CORSOrigins      []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("STATE_TTL_HOURS", 72)
	v.SetDefault("ORACLE_MODEL", "gemini-2.5-flash")
	v.SetDefault("ORACLE_TIMEOUT_MS", 45000)
	v.SetDefault("MIN_SOURCE_TEXT_LEN", 20)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_ADDR")
	v.BindEnv("REDIS_PASSWORD")
	v.BindEnv("STATE_TTL_HOURS")
	v.BindEnv("GEMINI_API_KEY")
	v.BindEnv("ORACLE_MODEL")
	v.BindEnv("ORACLE_TIMEOUT_MS")
	v.BindEnv("MIN_SOURCE_TEXT_LEN")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// OracleTimeout returns the per-pipeline extraction timeout.
func (c *Config) OracleTimeout() time.Duration {
	return time.Duration(c.OracleTimeoutMS) * time.Millisecond
}

// StateTTL returns how long tracker entries live in a shared store.
func (c *Config) StateTTL() time.Duration {
	return time.Duration(c.StateTTLHours) * time.Hour
}

// Validate checks that the configuration is safe to run. Outside development
// the oracle key must be set, since every chart pipeline depends on it.
func (c *Config) Validate() error {
	if !c.IsDev() && c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required when ENV=%q", c.Env)
	}
	if c.OracleTimeoutMS <= 0 {
		return fmt.Errorf("ORACLE_TIMEOUT_MS must be positive, got %d", c.OracleTimeoutMS)
	}
	if c.MinSourceTextLen < 0 {
		return fmt.Errorf("MIN_SOURCE_TEXT_LEN must not be negative, got %d", c.MinSourceTextLen)
	}
	return nil
}
