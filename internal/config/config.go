package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultListen is the address the server binds to.
	DefaultListen = "127.0.0.1:8750"

	// DefaultDocument is the shared credential document.
	DefaultDocument = "nativemessaging.json"

	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"

	// DefaultSweepInterval is how often expired credentials are removed.
	DefaultSweepInterval = 10 * time.Minute

	// DefaultRegisterPerMinute limits client registrations per IP.
	DefaultRegisterPerMinute = 10

	// DefaultAuthFailuresPerMinute limits failed API authentications per IP.
	DefaultAuthFailuresPerMinute = 30

	envPrefix = "MCPLINK_"
)

// Config is the process configuration of the mcplink binary.
type Config struct {
	Listen        string        `yaml:"listen,omitempty"`    // Address to bind (default: 127.0.0.1:8750)
	Issuer        string        `yaml:"issuer,omitempty"`    // Public base URL (default: http://<listen>)
	Document      string        `yaml:"document,omitempty"`  // Path of the credential document
	LogLevel      string        `yaml:"log_level,omitempty"` // debug, info, warn or error
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`

	Bridge          BridgeConfig          `yaml:"bridge,omitempty"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit,omitempty"`
	Instrumentation InstrumentationConfig `yaml:"instrumentation,omitempty"`
}

// BridgeConfig configures the process bridge.
type BridgeConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout,omitempty"` // Zero waits as long as the caller does
	ToolPrefix  string        `yaml:"tool_prefix,omitempty"`  // Default: mcp_mcplink_local_
	UnlockToken string        `yaml:"unlock_token,omitempty"` // Default: derived from host and user
}

// RateLimitConfig configures per-IP rate limits.
type RateLimitConfig struct {
	RegisterPerMinute     int `yaml:"register_per_minute,omitempty"`
	AuthFailuresPerMinute int `yaml:"auth_failures_per_minute,omitempty"` // Zero disables the limit
}

// InstrumentationConfig toggles OpenTelemetry.
type InstrumentationConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:        DefaultListen,
		Document:      DefaultDocument,
		LogLevel:      DefaultLogLevel,
		SweepInterval: DefaultSweepInterval,
		RateLimit: RateLimitConfig{
			RegisterPerMinute:     DefaultRegisterPerMinute,
			AuthFailuresPerMinute: DefaultAuthFailuresPerMinute,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies MCPLINK_*
// environment overrides. A missing file is not an error. Variables from a
// .env file in the working directory are loaded first without replacing ones
// already set.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("error loading config from %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("LISTEN", &c.Listen)
	str("ISSUER", &c.Issuer)
	str("DOCUMENT", &c.Document)
	str("LOG_LEVEL", &c.LogLevel)
	str("TOOL_PREFIX", &c.Bridge.ToolPrefix)
	str("UNLOCK_TOKEN", &c.Bridge.UnlockToken)

	durations := map[string]*time.Duration{
		"SWEEP_INTERVAL": &c.SweepInterval,
		"CALL_TIMEOUT":   &c.Bridge.CallTimeout,
	}
	for name, dst := range durations {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = d
	}

	if v, ok := lookup(envPrefix + "REGISTER_PER_MINUTE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREGISTER_PER_MINUTE: %w", envPrefix, err)
		}
		c.RateLimit.RegisterPerMinute = n
	}
	if v, ok := lookup(envPrefix + "AUTH_FAILURES_PER_MINUTE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sAUTH_FAILURES_PER_MINUTE: %w", envPrefix, err)
		}
		c.RateLimit.AuthFailuresPerMinute = n
	}
	if v, ok := lookup(envPrefix + "INSTRUMENTATION"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sINSTRUMENTATION: %w", envPrefix, err)
		}
		c.Instrumentation.Enabled = b
	}
	return nil
}

// Validate fills derived defaults and rejects unusable values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Document == "" {
		c.Document = DefaultDocument
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Issuer == "" {
		c.Issuer = "http://" + c.Listen
	}
	c.Issuer = strings.TrimRight(c.Issuer, "/")

	u, err := url.Parse(c.Issuer)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("issuer must be an absolute http(s) URL, got %q", c.Issuer)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval)
	}
	if c.Bridge.CallTimeout < 0 {
		return fmt.Errorf("bridge.call_timeout must not be negative, got %s", c.Bridge.CallTimeout)
	}
	if c.RateLimit.RegisterPerMinute < 0 {
		return fmt.Errorf("rate_limit.register_per_minute must not be negative, got %d", c.RateLimit.RegisterPerMinute)
	}
	if c.RateLimit.AuthFailuresPerMinute < 0 {
		return fmt.Errorf("rate_limit.auth_failures_per_minute must not be negative, got %d", c.RateLimit.AuthFailuresPerMinute)
	}
	return nil
}
