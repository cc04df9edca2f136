package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth Flow Metrics
	ClientRegistered     metric.Int64Counter
	AuthorizationStarted metric.Int64Counter
	CodeIssued           metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	ExpiredSwept         metric.Int64Counter

	// Security Metrics
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	RefreshConflicts     metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageLockFallback       metric.Int64Counter
	StorageClientsCount       metric.Int64ObservableGauge
	StorageCodesCount         metric.Int64ObservableGauge
	StorageAccessTokensCount  metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge

	// Bridge Metrics
	BridgeToolCallsTotal   metric.Int64Counter
	BridgeToolCallDuration metric.Float64Histogram
	BridgeBackendState     metric.Int64Counter
	BridgeToolsRegistered  metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	bridgeMeter := inst.Meter("bridge")

	counters := []struct {
		meter metric.Meter
		dst   *metric.Int64Counter
		name  string
		desc  string
		unit  string
	}{
		{httpMeter, &m.HTTPRequestsTotal, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{serverMeter, &m.ClientRegistered, "oauth.client.registered", "Number of clients registered", "{client}"},
		{serverMeter, &m.AuthorizationStarted, "oauth.authorization.started", "Number of consent pages rendered", "{flow}"},
		{serverMeter, &m.CodeIssued, "oauth.code.issued", "Number of authorization codes issued", "{code}"},
		{serverMeter, &m.CodeExchanged, "oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}"},
		{serverMeter, &m.TokenRefreshed, "oauth.token.refreshed", "Number of access tokens refreshed", "{refresh}"},
		{serverMeter, &m.TokenRevoked, "oauth.token.revoked", "Number of tokens revoked", "{revocation}"},
		{serverMeter, &m.ExpiredSwept, "oauth.expired.swept", "Number of expired codes and tokens removed", "{entry}"},
		{securityMeter, &m.RateLimitExceeded, "oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}"},
		{securityMeter, &m.PKCEValidationFailed, "oauth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}"},
		{securityMeter, &m.CodeReuseDetected, "oauth.code.reuse_detected", "Number of redemptions of unknown or consumed codes", "{attempt}"},
		{securityMeter, &m.RefreshConflicts, "oauth.token.refresh_conflicts", "Number of refreshes rejected by the version check", "{conflict}"},
		{securityMeter, &m.AuditEventsTotal, "oauth.audit.events.total", "Total number of audit events", "{event}"},
		{storageMeter, &m.StorageOperationTotal, "storage.operation.total", "Total number of storage operations", "{operation}"},
		{storageMeter, &m.StorageLockFallback, "storage.lock.fallback", "Number of critical sections run without the document lock", "{fallback}"},
		{bridgeMeter, &m.BridgeToolCallsTotal, "bridge.tool_calls.total", "Total number of bridged tool calls", "{call}"},
		{bridgeMeter, &m.BridgeBackendState, "bridge.backend.state_changes", "Number of backend state transitions", "{transition}"},
		{bridgeMeter, &m.BridgeToolsRegistered, "bridge.tools.registered", "Number of tools registered from backends", "{tool}"},
	}
	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	histograms := []struct {
		meter metric.Meter
		dst   *metric.Float64Histogram
		name  string
		desc  string
	}{
		{httpMeter, &m.HTTPRequestDuration, "oauth.http.request.duration", "HTTP request duration in milliseconds"},
		{storageMeter, &m.StorageOperationDuration, "storage.operation.duration", "Storage operation duration in milliseconds"},
		{bridgeMeter, &m.BridgeToolCallDuration, "bridge.tool_call.duration", "Bridged tool call duration in milliseconds"},
	}
	for _, h := range histograms {
		histogram, err := h.meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("ms"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
		*h.dst = histogram
	}

	gauges := []struct {
		dst  *metric.Int64ObservableGauge
		name string
		desc string
	}{
		{&m.StorageClientsCount, "storage.clients.count", "Number of registered clients"},
		{&m.StorageCodesCount, "storage.authorization_codes.count", "Number of pending authorization codes"},
		{&m.StorageAccessTokensCount, "storage.access_tokens.count", "Number of stored access tokens"},
		{&m.StorageRefreshTokensCount, "storage.refresh_tokens.count", "Number of stored refresh tokens"},
	}
	for _, g := range gauges {
		gauge, err := storageMeter.Int64ObservableGauge(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.dst = gauge
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context) {
	m.ClientRegistered.Add(ctx, 1)
}

// RecordAuthorizationStarted records a rendered consent page
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeIssued records an authorization code issued after approval
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID, lifetime string) {
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("token_lifetime", lifetime),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenRefresh records a token refresh operation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID, policy string) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("policy", policy),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, tokenType string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
	))
}

// RecordExpiredSwept records entries removed by an expiry sweep
func (m *Metrics) RecordExpiredSwept(ctx context.Context, codes, accessTokens int) {
	if codes > 0 {
		m.ExpiredSwept.Add(ctx, int64(codes), metric.WithAttributes(attribute.String("kind", "authorization_code")))
	}
	if accessTokens > 0 {
		m.ExpiredSwept.Add(ctx, int64(accessTokens), metric.WithAttributes(attribute.String("kind", "access_token")))
	}
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records a redemption attempt for an unknown code
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordRefreshConflict records a refresh rejected by the version check
func (m *Metrics) RecordRefreshConflict(ctx context.Context) {
	m.RefreshConflicts.Add(ctx, 1)
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordLockFallback records a critical section that ran without the lock file
func (m *Metrics) RecordLockFallback(ctx context.Context) {
	m.StorageLockFallback.Add(ctx, 1)
}

// RecordBridgeToolCall records a tool call forwarded to a backend
func (m *Metrics) RecordBridgeToolCall(ctx context.Context, server, result string, durationMs float64) {
	m.BridgeToolCallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("result", result),
	))
	m.BridgeToolCallDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("server", server),
	))
}

// RecordBackendState records a backend state transition
func (m *Metrics) RecordBackendState(ctx context.Context, server, state string) {
	m.BridgeBackendState.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("state", state),
	))
}

// RecordToolsRegistered records tools discovered on a backend
func (m *Metrics) RecordToolsRegistered(ctx context.Context, server string, count int) {
	m.BridgeToolsRegistered.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("server", server),
	))
}
