// Package instrumentation provides OpenTelemetry instrumentation for mcplink.
//
// Metrics and traces are produced for every layer: the OAuth HTTP handlers,
// the authorization server engine, the document stores and the process
// bridge. When Config.Enabled is false no-op providers are used and
// recording costs nothing.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "mcplink",
//		ServiceVersion: version,
//		Enabled:        true,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
// The default SDK providers have no exporter attached. Pass MeterProvider or
// TracerProvider in Config to export to a backend of your choice.
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// OAuth Flows:
//   - oauth.client.registered
//   - oauth.authorization.started{client_id}
//   - oauth.code.issued{client_id, token_lifetime}
//   - oauth.code.exchanged{client_id, pkce_method}
//   - oauth.token.refreshed{client_id, policy}
//   - oauth.token.revoked{token_type}
//   - oauth.expired.swept{kind}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.token.refresh_conflicts
//   - oauth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.lock.fallback
//   - storage.clients.count, storage.authorization_codes.count,
//     storage.access_tokens.count, storage.refresh_tokens.count
//
// Bridge:
//   - bridge.tool_calls.total{server, result}
//   - bridge.tool_call.duration{server}
//   - bridge.backend.state_changes{server, state}
//   - bridge.tools.registered{server}
//
// # Security
//
// Token values, authorization codes and API keys are never recorded. Client
// IP addresses are only attached to spans when Config.LogClientIPs is set.
package instrumentation
