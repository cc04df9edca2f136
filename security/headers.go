package security

import (
	"net/http"
	"net/url"
)

const (
	// apiCSP applies to JSON and redirect responses: nothing may load.
	apiCSP = "default-src 'none'; frame-ancestors 'none'"

	// consentCSP lets the consent page use its inline stylesheet and post
	// its form back to this origin.
	consentCSP = "default-src 'none'; style-src 'unsafe-inline'; form-action 'self'; frame-ancestors 'none'; base-uri 'none'"
)

// SetSecurityHeaders sets the headers every OAuth response carries. issuer is
// the public base URL; HSTS is only sent when it is https.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	setHeaders(w, issuer, apiCSP)
}

// SetConsentPageHeaders is SetSecurityHeaders for the HTML consent page.
func SetConsentPageHeaders(w http.ResponseWriter, issuer string) {
	setHeaders(w, issuer, consentCSP)
}

func setHeaders(w http.ResponseWriter, issuer, csp string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", csp)
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(issuer); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Tokens and codes must never be cached
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}
