package security

// Event type constants for security audit logging.
const (
	// Client registration

	// EventClientRegistered is logged when a client registers dynamically
	EventClientRegistered = "client_registered"

	// EventClientRegistrationRejected is logged when a registration request is refused
	EventClientRegistrationRejected = "client_registration_rejected"

	// Authorization flow

	// EventConsentShown is logged when the consent page is rendered
	EventConsentShown = "consent_shown"

	// EventConsentDenied is logged when the resource owner rejects a request
	EventConsentDenied = "consent_denied"

	// EventAuthorizationCodeIssued is logged when a code is minted after approval
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when an unknown or already
	// redeemed code is presented
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventInvalidRedirect is logged when a redirect_uri is not registered
	EventInvalidRedirect = "invalid_redirect"

	// Token lifecycle

	// EventTokenIssued is logged when an access/refresh pair is minted
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token mints a new access token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked
	EventTokenRevoked = "token_revoked"

	// EventRefreshConflict is logged when a version-checked refresh loses a race
	EventRefreshConflict = "refresh_conflict"

	// Violations

	// EventAuthFailure is logged when authentication fails
	EventAuthFailure = "auth_failure"

	// EventPKCEValidationFailed is logged when a code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"
)
