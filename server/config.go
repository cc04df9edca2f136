package server

import (
	"log/slog"
	"time"
)

// Token lifetime classes selectable on the consent page.
const (
	LifetimeWeek    = "week"
	LifetimeMonth   = "month"
	LifetimeYear    = "year"
	LifetimeForever = "forever"
)

// RefreshPolicy decides how a refresh grant commits its changes.
type RefreshPolicy string

const (
	// RefreshLastWriterWins saves unconditionally. Two concurrent refreshes
	// with the same refresh token may both succeed; the pointer written last
	// is the one that stays live.
	RefreshLastWriterWins RefreshPolicy = "last_writer_wins"

	// RefreshVersionChecked saves only if the document is unchanged since it
	// was loaded, and fails the refresh with invalid_grant otherwise. It needs
	// a store implementing storage.ConditionalSaver.
	RefreshVersionChecked RefreshPolicy = "version_checked"
)

// Config holds authorization engine configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// TokenLifetimes maps lifetime classes to access token lifetimes in seconds.
	// Default: week=604800, month=2592000, year=31536000, forever=315360000
	TokenLifetimes map[string]int64

	// DefaultTokenLifetime is used for unknown or missing lifetime classes.
	// Default: "year"
	DefaultTokenLifetime string

	// RefreshPolicy selects the refresh commit policy.
	// Default: RefreshLastWriterWins
	RefreshPolicy RefreshPolicy

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int
}

// defaultTokenLifetimes are the access token lifetimes offered to the user.
var defaultTokenLifetimes = map[string]int64{
	LifetimeWeek:    604800,
	LifetimeMonth:   2592000,
	LifetimeYear:    31536000,
	LifetimeForever: 315360000,
}

// LifetimeOptions lists the lifetime classes in display order.
var LifetimeOptions = []string{LifetimeWeek, LifetimeMonth, LifetimeYear, LifetimeForever}

// applyDefaults fills in zero values
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600
	}
	if len(config.TokenLifetimes) == 0 {
		config.TokenLifetimes = make(map[string]int64, len(defaultTokenLifetimes))
		for k, v := range defaultTokenLifetimes {
			config.TokenLifetimes[k] = v
		}
	}
	if _, ok := config.TokenLifetimes[config.DefaultTokenLifetime]; !ok {
		if config.DefaultTokenLifetime != "" {
			logger.Warn("Unknown default token lifetime, using year", "lifetime", config.DefaultTokenLifetime)
		}
		config.DefaultTokenLifetime = LifetimeYear
		if _, ok := config.TokenLifetimes[LifetimeYear]; !ok {
			config.TokenLifetimes[LifetimeYear] = defaultTokenLifetimes[LifetimeYear]
		}
	}
	switch config.RefreshPolicy {
	case RefreshLastWriterWins, RefreshVersionChecked:
	case "":
		config.RefreshPolicy = RefreshLastWriterWins
	default:
		logger.Warn("Unknown refresh policy, using last_writer_wins", "policy", config.RefreshPolicy)
		config.RefreshPolicy = RefreshLastWriterWins
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	return config
}

// ResolveLifetime normalizes a lifetime class and returns it with its
// duration. Unknown classes resolve to DefaultTokenLifetime.
func (c *Config) ResolveLifetime(key string) (string, time.Duration) {
	if secs, ok := c.TokenLifetimes[key]; ok {
		return key, time.Duration(secs) * time.Second
	}
	return c.DefaultTokenLifetime, time.Duration(c.TokenLifetimes[c.DefaultTokenLifetime]) * time.Second
}

// CodeTTL returns the authorization code lifetime.
func (c *Config) CodeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}
