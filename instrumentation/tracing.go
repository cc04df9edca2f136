package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never put access tokens, refresh tokens, authorization codes
// or API keys in traces or metrics. Only metadata such as token types, lifetime
// classes and validation results.
const (
	// OAuth flow attributes - SAFE to use for metadata only
	AttrClientID      = "oauth.client_id"      // Client identifier (non-secret)
	AttrScope         = "oauth.scope"          // Requested scope
	AttrPKCEMethod    = "oauth.pkce.method"    // PKCE method used (S256)
	AttrGrantType     = "oauth.grant_type"     // OAuth grant type
	AttrTokenLifetime = "oauth.token_lifetime" //nolint:gosec // Lifetime class (week, month, ...) - NOT a token
	AttrRefreshPolicy = "oauth.refresh_policy" // Refresh commit policy

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	// Bridge attributes
	AttrBridgeServer    = "bridge.server"
	AttrBridgeTool      = "bridge.tool"
	AttrBridgeRequestID = "bridge.request_id"
	AttrBridgeResult    = "bridge.result"

	// Security attributes
	AttrClientIP = "security.client_ip"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
// This is a convenience wrapper that safely handles nil spans
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
// This is a convenience wrapper that safely handles nil spans
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds common OAuth flow attributes to a span (nil-safe)
func AddOAuthFlowAttributes(span trace.Span, clientID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddPKCEAttributes adds PKCE-related attributes to a span (nil-safe)
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddBridgeAttributes adds bridged tool call attributes to a span (nil-safe)
func AddBridgeAttributes(span trace.Span, server, tool string, requestID int64) {
	SetSpanAttributes(span,
		attribute.String(AttrBridgeServer, server),
		attribute.String(AttrBridgeTool, tool),
		attribute.Int64(AttrBridgeRequestID, requestID),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds the client IP to a span (nil-safe).
// Check ShouldLogClientIPs before calling.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
