package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/ent0n29/stepwise/internal/eventbus"
	"github.com/ent0n29/stepwise/internal/identity"
	"github.com/ent0n29/stepwise/internal/logging"
	"github.com/ent0n29/stepwise/internal/model"
	"github.com/ent0n29/stepwise/internal/tools"
)

// EnvPrefix marks the environment variables that override file settings.
const EnvPrefix = "STEPWISE_"

const maxConfigFileSize = 1 << 20

// Config contains all runtime settings for the orchestration service.
type Config struct {
	HTTP     HTTPConfig      `koanf:"http"`
	Database DatabaseConfig  `koanf:"database"`
	Bus      eventbus.Config `koanf:"bus"`
	Model    model.Config    `koanf:"model"`
	Tools    tools.Config    `koanf:"tools"`
	Auth     AuthConfig      `koanf:"auth"`
	Log      logging.Config  `koanf:"log"`
	Metrics  MetricsConfig   `koanf:"metrics"`
	Prompts  PromptsConfig   `koanf:"prompts"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	AllowAnyOrigin  bool          `koanf:"allow_any_origin"`
}

type DatabaseConfig struct {
	// URL selects the Postgres stores. Empty runs on in-memory stores.
	URL string `koanf:"url"`
}

// AuthConfig verifies bearer tokens. DevUserID serves every request as one fixed user when no
// JWT secret is configured; it exists for local runs only.
type AuthConfig struct {
	identity.Config `koanf:",squash"`
	DevUserID       string `koanf:"dev_user_id"`
}

type MetricsConfig struct {
	Namespace string `koanf:"namespace"`
	Enabled   bool   `koanf:"enabled"`
}

type PromptsConfig struct {
	// Path points at a YAML file overriding the embedded system prompts.
	Path string `koanf:"path"`
}

// Load reads the optional YAML file at path, then STEPWISE_ environment overrides, then
// applies defaults and validates the result.
//
// Environment names map to keys by splitting the section on the first underscore and nested
// keys on double underscores:
//
//	STEPWISE_HTTP_ADDR                -> http.addr
//	STEPWISE_MODEL_DEFAULT__API_KEY   -> model.default.api_key
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path = strings.TrimSpace(path); path != "" {
		content, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + strings.ReplaceAll(parts[1], "__", ".")
}

func readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return content, nil
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Bus.Driver == "" {
		cfg.Bus.Driver = eventbus.DriverMemory
	}
	if cfg.Bus.ThinkingPace == 0 {
		cfg.Bus.ThinkingPace = 100 * time.Millisecond
	}
	if cfg.Model.Default.Provider == "" {
		cfg.Model.Default.Provider = model.ProviderMock
	}
	if cfg.Tools.FetchTimeout == 0 {
		cfg.Tools.FetchTimeout = 30 * time.Second
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "neuralagent"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "stepwise"
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.ShutdownTimeout < time.Second {
		errs = append(errs, errors.New("http.shutdown_timeout must be at least 1s"))
	}
	switch strings.ToLower(c.Bus.Driver) {
	case eventbus.DriverNone, eventbus.DriverMemory:
	case eventbus.DriverRedis, eventbus.DriverNATS, eventbus.DriverAMQP:
		if strings.TrimSpace(c.Bus.URL) == "" {
			errs = append(errs, fmt.Errorf("bus.url is required for driver %q", c.Bus.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.driver %q is not supported", c.Bus.Driver))
	}
	if c.Bus.ThinkingPace < 0 {
		errs = append(errs, errors.New("bus.thinking_pace must be >= 0"))
	}
	if c.Tools.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("tools.max_body_bytes must be >= 0"))
	}
	if strings.TrimSpace(c.Auth.Secret) == "" && strings.TrimSpace(c.Auth.DevUserID) == "" {
		errs = append(errs, errors.New("auth.jwt_secret or auth.dev_user_id is required"))
	}
	return errors.Join(errs...)
}
