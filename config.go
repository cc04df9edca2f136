package oauth

import (
	"log/slog"
	"strings"

	"github.com/ragtag/mcplink/instrumentation"
	"github.com/ragtag/mcplink/server"
)

// Endpoint paths relative to the issuer.
const (
	PathRegister         = "/oauth2/register"
	PathAuthorize        = "/oauth2/authorize"
	PathAuthorizeApprove = "/oauth2/authorize_approve"
	PathToken            = "/oauth2/token"
	PathIntrospect       = "/oauth2/introspect"
	PathRevoke           = "/oauth2/revoke"
	PathMetadata         = "/.well-known/oauth-authorization-server"
)

// Config holds the OAuth handler configuration
type Config struct {
	// Engine configures token lifetimes, the refresh policy and proxy trust.
	// Engine.Issuer is the public base URL used in metadata.
	Engine server.Config

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// Instrumentation enables OpenTelemetry metrics and traces (optional)
	Instrumentation *instrumentation.Instrumentation
}

// RateLimitConfig holds per-IP rate limiting configuration
type RateLimitConfig struct {
	// RegistrationPerMinute limits POST /oauth2/register per client IP.
	// Default: 10
	RegistrationPerMinute int

	// TokenPerMinute limits POST /oauth2/token per client IP.
	// Default: 60
	TokenPerMinute int

	// Disabled turns rate limiting off.
	Disabled bool
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.RateLimit.RegistrationPerMinute <= 0 {
		c.RateLimit.RegistrationPerMinute = 10
	}
	if c.RateLimit.TokenPerMinute <= 0 {
		c.RateLimit.TokenPerMinute = 60
	}
	c.Engine.Issuer = strings.TrimRight(c.Engine.Issuer, "/")
}

// endpoint joins the issuer and an endpoint path.
func endpoint(issuer, path string) string {
	return strings.TrimRight(issuer, "/") + path
}
