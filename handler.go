package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/ragtag/mcplink/instrumentation"
	"github.com/ragtag/mcplink/pkce"
	"github.com/ragtag/mcplink/security"
	"github.com/ragtag/mcplink/server"
)

// maxRegistrationBody bounds the JSON body of a registration request.
const maxRegistrationBody = 64 << 10

// Handler serves the OAuth endpoints over the authorization engine.
type Handler struct {
	server  *server.Server
	config  *Config
	logger  *slog.Logger
	tracer  trace.Tracer // OpenTelemetry tracer for HTTP layer
	metrics *instrumentation.Metrics

	registerLimiter *security.RateLimiter
	tokenLimiter    *security.RateLimiter
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, cfg *Config) *Handler {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.applyDefaults()

	h := &Handler{
		server: srv,
		config: cfg,
		logger: cfg.Logger,
	}

	// Initialize tracer if instrumentation is enabled
	if cfg.Instrumentation != nil {
		h.tracer = cfg.Instrumentation.Tracer("http")
		h.metrics = cfg.Instrumentation.Metrics()
	}

	if !cfg.RateLimit.Disabled {
		h.registerLimiter = security.NewRateLimiter(security.RateLimitConfig{
			Name:            "register",
			PerMinute:       cfg.RateLimit.RegistrationPerMinute,
			Logger:          cfg.Logger,
			Instrumentation: cfg.Instrumentation,
		})
		h.tokenLimiter = security.NewRateLimiter(security.RateLimitConfig{
			Name:            "token",
			PerMinute:       cfg.RateLimit.TokenPerMinute,
			Logger:          cfg.Logger,
			Instrumentation: cfg.Instrumentation,
		})
	}

	return h
}

// RegisterRoutes mounts every OAuth endpoint on mux. Unknown paths under
// /oauth2/ answer 404 through the same gate.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(PathRegister, h.route("register", http.MethodPost, h.ServeClientRegistration))
	mux.Handle(PathAuthorize, h.route("authorization", http.MethodGet, h.ServeAuthorization))
	mux.Handle(PathAuthorizeApprove, h.route("authorization_approve", http.MethodPost, h.ServeAuthorizationApproval))
	mux.Handle(PathToken, h.route("token", http.MethodPost, h.ServeToken))
	mux.Handle(PathIntrospect, h.route("introspection", http.MethodPost, h.ServeTokenIntrospection))
	mux.Handle(PathRevoke, h.route("revocation", http.MethodPost, h.ServeTokenRevocation))
	mux.Handle(PathMetadata, h.route("authorization_server_metadata", http.MethodGet, h.ServeAuthorizationServerMetadata))
	mux.Handle("/oauth2/", h.route("unknown", "", http.NotFound))
}

// statusRecorder captures the status code for metrics and panic recovery.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.status = http.StatusOK
		r.wroteHeader = true
	}
	return r.ResponseWriter.Write(b)
}

// route wraps an endpoint with the enabled gate, the method check, panic
// recovery, tracing and HTTP metrics. An empty method accepts any method.
func (h *Handler) route(endpoint, method string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		// Early 404 and 405 answers need these too
		security.SetSecurityHeaders(rec, h.server.Config.Issuer)

		ctx := r.Context()
		var span trace.Span
		if h.tracer != nil {
			ctx, span = h.tracer.Start(ctx, "oauth.http."+endpoint)
			defer span.End()
			r = r.WithContext(ctx)
		}

		defer func() {
			if p := recover(); p != nil {
				h.logger.Error("Panic in OAuth handler",
					"endpoint", endpoint,
					"panic", p,
					"stack", string(debug.Stack()))
				if !rec.wroteHeader {
					h.writeError(rec, ErrServerError("Internal server error"))
				} else {
					rec.status = http.StatusInternalServerError
				}
			}
			h.recordHTTPMetrics(endpoint, r.Method, rec.status, startTime)
			instrumentation.AddHTTPAttributes(span, r.Method, endpoint, rec.status)
			if rec.status >= http.StatusInternalServerError {
				instrumentation.SetSpanError(span, http.StatusText(rec.status))
			}
		}()

		if err := h.server.RequireEnabled(ctx); err != nil {
			if errors.Is(err, server.ErrDisabled) {
				http.NotFound(rec, r)
				return
			}
			h.logger.Error("Failed to load OAuth state", "endpoint", endpoint, "error", err)
			instrumentation.RecordError(span, err)
			h.writeError(rec, ErrServerError("Failed to load configuration"))
			return
		}

		if method != "" && r.Method != method {
			rec.Header().Set("Allow", method)
			http.Error(rec, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		fn(rec, r)
	})
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, _ *http.Request) {
	issuer := h.server.Config.Issuer
	authMethods := []string{
		server.TokenEndpointAuthMethodNone,
		server.TokenEndpointAuthMethodBasic,
		server.TokenEndpointAuthMethodPost,
	}

	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                                    issuer,
		AuthorizationEndpoint:                     endpoint(issuer, PathAuthorize),
		TokenEndpoint:                             endpoint(issuer, PathToken),
		RegistrationEndpoint:                      endpoint(issuer, PathRegister),
		RevocationEndpoint:                        endpoint(issuer, PathRevoke),
		IntrospectionEndpoint:                     endpoint(issuer, PathIntrospect),
		ScopesSupported:                           []string{server.ScopeOfflineAccess},
		ResponseTypesSupported:                    []string{server.ResponseTypeCode},
		GrantTypesSupported:                       []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported:         authMethods,
		RevocationEndpointAuthMethodsSupported:    authMethods,
		IntrospectionEndpointAuthMethodsSupported: authMethods,
		CodeChallengeMethodsSupported:             []string{pkce.MethodS256},
	})
}

// ServeClientRegistration handles RFC 7591 dynamic client registration.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	if !h.allow(w, r, h.registerLimiter, clientIP) {
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBody)).Decode(&req); err != nil {
		h.writeError(w, ErrInvalidRequest("Invalid JSON body"))
		return
	}

	client, err := h.server.RegisterClient(r.Context(), server.RegistrationRequest{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	}, clientIP)
	if err != nil {
		h.writeEngineError(w, "Client registration failed", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientIDIssuedAt:        client.ClientIDIssuedAt,
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		CreatedAt:               client.CreatedAt.Format(time.RFC3339),
	})
}

// ServeAuthorization validates an authorization request and renders the
// consent page.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &server.AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Scope:               q.Get("scope"),
	}
	clientIP := h.clientIP(r)

	client, err := h.server.ValidateAuthorizationRequest(r.Context(), req, clientIP)
	if err != nil {
		h.writeAuthorizationError(w, r, req, err)
		return
	}

	h.server.Auditor.LogEvent(security.Event{
		Type:      security.EventConsentShown,
		ClientID:  client.ClientID,
		IPAddress: clientIP,
		RequestID: security.GetRequestID(r.Context()),
	})
	if err := h.renderConsent(w, client, req); err != nil {
		h.logger.Error("Failed to render consent page", "client_id", client.ClientID, "error", err)
		h.writeError(w, ErrServerError("Failed to render consent page"))
	}
}

// ServeAuthorizationApproval handles the consent form submission.
func (h *Handler) ServeAuthorizationApproval(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	req := &server.AuthorizationRequest{
		ResponseType:        server.ResponseTypeCode,
		ClientID:            r.PostFormValue("client_id"),
		RedirectURI:         r.PostFormValue("redirect_uri"),
		State:               r.PostFormValue("state"),
		CodeChallenge:       r.PostFormValue("code_challenge"),
		CodeChallengeMethod: r.PostFormValue("code_challenge_method"),
		Scope:               r.PostFormValue("scope"),
	}
	clientIP := h.clientIP(r)

	// The redirect target must be verified before anything is sent to it
	if _, err := h.server.LookupClient(r.Context(), req.ClientID, req.RedirectURI); err != nil {
		h.writeAuthorizationError(w, r, req, err)
		return
	}

	if !strings.EqualFold(r.PostFormValue("approved"), "true") {
		h.logger.Info("User denied authorization", "client_id", req.ClientID)
		h.server.Auditor.LogEvent(security.Event{
			Type:      security.EventConsentDenied,
			ClientID:  req.ClientID,
			IPAddress: clientIP,
		})
		h.redirect(w, r, req.RedirectURI, url.Values{
			"error":             {ErrorCodeAccessDenied},
			"error_description": {"The user denied the request"},
		}, req.State)
		return
	}

	code, err := h.server.IssueAuthorizationCode(r.Context(), req, r.PostFormValue("token_lifetime"), clientIP)
	if err != nil {
		h.writeAuthorizationError(w, r, req, err)
		return
	}

	h.redirect(w, r, req.RedirectURI, url.Values{"code": {code}}, req.State)
}

// ServeToken handles the token endpoint for both supported grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	if !h.allow(w, r, h.tokenLimiter, clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	var (
		token *oauth2.Token
		err   error
	)
	grantType := r.PostFormValue("grant_type")
	clientID := r.PostFormValue("client_id")

	switch grantType {
	case server.GrantTypeAuthorizationCode:
		token, err = h.server.ExchangeAuthorizationCode(r.Context(),
			r.PostFormValue("code"),
			clientID,
			r.PostFormValue("redirect_uri"),
			r.PostFormValue("code_verifier"),
			clientIP)
	case server.GrantTypeRefreshToken:
		token, err = h.server.RefreshAccessToken(r.Context(), r.PostFormValue("refresh_token"), clientID, clientIP)
	default:
		h.writeError(w, ErrUnsupportedGrantType("Grant type "+grantType+" not supported"))
		return
	}

	if err != nil {
		h.logger.Warn("Token request failed", "grant_type", grantType, "client_id", clientID, "error", err)
		if errors.Is(err, server.ErrInvalidGrant) {
			h.server.Auditor.LogAuthFailure("", clientID, clientIP, grantType)
		}
		h.writeEngineError(w, "Token request failed", err)
		return
	}

	h.writeTokenResponse(w, token)
}

// ServeTokenIntrospection implements RFC 7662. It always answers 200.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	inactive := IntrospectionResponse{Active: false}

	if err := r.ParseForm(); err != nil {
		h.writeJSON(w, http.StatusOK, inactive)
		return
	}
	token := r.PostFormValue("token")
	if token == "" {
		h.writeJSON(w, http.StatusOK, inactive)
		return
	}

	info, err := h.server.Introspect(r.Context(), token)
	if err != nil {
		h.logger.Error("Token introspection failed", "error", err)
		h.writeJSON(w, http.StatusOK, inactive)
		return
	}

	h.writeJSON(w, http.StatusOK, IntrospectionResponse{
		Active:    info.Active,
		ClientID:  info.ClientID,
		TokenType: info.TokenType,
		Scope:     info.Scope,
		Exp:       info.Exp,
		Iat:       info.Iat,
	})
}

// ServeTokenRevocation implements RFC 7009. It always answers 200 with an
// empty body, whether or not the token existed.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if err := r.ParseForm(); err == nil {
		if token := r.PostFormValue("token"); token != "" {
			if err := h.server.Revoke(r.Context(), token, h.clientIP(r)); err != nil {
				h.logger.Error("Token revocation failed", "error", err)
			}
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// allow applies a per-IP rate limit. It returns false after writing a 429.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, limiter *security.RateLimiter, clientIP string) bool {
	if limiter.Allow(r.Context(), clientIP) {
		return true
	}

	h.server.Auditor.LogRateLimitExceeded(clientIP, r.URL.Path)
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrRateLimitExceeded("Rate limit exceeded. Please try again later."))
	return false
}

// writeAuthorizationError sends redirectable errors back to the client's
// verified redirect_uri and answers everything else directly.
func (h *Handler) writeAuthorizationError(w http.ResponseWriter, r *http.Request, req *server.AuthorizationRequest, err error) {
	var serr *server.Error
	if errors.As(err, &serr) && serr.Redirectable {
		h.redirect(w, r, req.RedirectURI, url.Values{
			"error":             {serr.Code},
			"error_description": {serr.Description},
		}, req.State)
		return
	}
	h.writeEngineError(w, "Authorization request failed", err)
}

// redirect sends a 302 to target with params appended to its query.
func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, target string, params url.Values, state string) {
	if state != "" {
		params.Set("state", state)
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, appendQuery(target, params), http.StatusFound)
}

func appendQuery(target string, params url.Values) string {
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + params.Encode()
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *oauth2.Token) {
	scope, _ := token.Extra("scope").(string)
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    token.Type(),
		ExpiresIn:    token.ExpiresIn,
		RefreshToken: token.RefreshToken,
		Scope:        scope,
	})
}

// writeEngineError logs internal failures in full and answers with the
// mapped OAuth error.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	oerr := toOAuthError(err)
	if oerr.Status >= http.StatusInternalServerError {
		h.logger.Error(message, "error", err)
	}
	h.writeError(w, oerr)
}

func (h *Handler) writeError(w http.ResponseWriter, oerr *OAuthError) {
	h.writeJSON(w, oerr.Status, ErrorResponse{
		Error:            oerr.Code,
		ErrorDescription: oerr.Description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.metrics == nil {
		return
	}
	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.metrics.RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}
