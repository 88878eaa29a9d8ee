package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Provider exposes the script subsystem settings.
type Provider interface {
	IsEnabled() bool
	IsAutoReloadEnabled() bool
	IsBytecodeCacheEnabled() bool
	GetScriptPath() string
	GetRequirePath() string
	GetRequireCPath() string
	GetAutoReloadInterval() time.Duration
	GetEngine() string
	GetMaxExecutionTime() time.Duration
}

// Config holds all configuration for the application.
type Config struct {
	Enabled             bool
	AutoReload          bool
	BytecodeCache       bool
	ScriptPath          string `validate:"required"`
	RequirePath         string
	RequireCPath        string
	AutoReloadIntervalS int           `validate:"min=1"`
	Engine              string        `validate:"required,oneof=tengo"`
	MaxExecutionTime    time.Duration `validate:"gt=0"`
	LogFormat           string        `validate:"omitempty,oneof=text json"`
	LogLevel            string        `validate:"omitempty,oneof=debug info warn error"`
}

// Default returns the configuration used when no environment is set.
func Default() *Config {
	return &Config{
		ScriptPath:          "lua_scripts",
		AutoReloadIntervalS: 1,
		Engine:              "tengo",
		MaxExecutionTime:    5 * time.Second,
		LogFormat:           "text",
		LogLevel:            "debug",
	}
}

var validate = validator.New()

// Load reads a .env file when present, then environment variables, and
// validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}

	cfg := Default()

	var err error
	if cfg.Enabled, err = envBool("SCRIPT_ENABLED", cfg.Enabled); err != nil {
		return nil, err
	}
	if cfg.AutoReload, err = envBool("SCRIPT_AUTORELOAD", cfg.AutoReload); err != nil {
		return nil, err
	}
	if cfg.BytecodeCache, err = envBool("SCRIPT_BYTECODE_CACHE", cfg.BytecodeCache); err != nil {
		return nil, err
	}
	if cfg.AutoReloadIntervalS, err = envInt("SCRIPT_AUTORELOAD_INTERVAL", cfg.AutoReloadIntervalS); err != nil {
		return nil, err
	}
	if cfg.MaxExecutionTime, err = envDuration("SCRIPT_MAX_EXECUTION_TIME", cfg.MaxExecutionTime); err != nil {
		return nil, err
	}

	cfg.ScriptPath = envString("SCRIPT_PATH", cfg.ScriptPath)
	cfg.RequirePath = envString("SCRIPT_REQUIRE_PATH", cfg.RequirePath)
	cfg.RequireCPath = envString("SCRIPT_REQUIRE_CPATH", cfg.RequireCPath)
	cfg.Engine = envString("SCRIPT_ENGINE", cfg.Engine)
	cfg.LogFormat = envString("LOG_FORMAT", cfg.LogFormat)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func envInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func (c *Config) IsEnabled() bool { return c.Enabled }
func (c *Config) IsAutoReloadEnabled() bool { return c.AutoReload }
func (c *Config) IsBytecodeCacheEnabled() bool { return c.BytecodeCache }
func (c *Config) GetScriptPath() string { return c.ScriptPath }
func (c *Config) GetRequirePath() string { return c.RequirePath }
func (c *Config) GetRequireCPath() string { return c.RequireCPath }
func (c *Config) GetEngine() string { return c.Engine }

// GetAutoReloadInterval returns the reload debounce interval.
func (c *Config) GetAutoReloadInterval() time.Duration {
	return time.Duration(c.AutoReloadIntervalS) * time.Second
}

func (c *Config) GetMaxExecutionTime() time.Duration { return c.MaxExecutionTime }
