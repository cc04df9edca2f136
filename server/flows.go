package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/ragtag/mcplink/instrumentation"
	"github.com/ragtag/mcplink/pkce"
	"github.com/ragtag/mcplink/security"
	"github.com/ragtag/mcplink/storage"
)

const (
	// ScopeOfflineAccess is the only scope the server understands.
	ScopeOfflineAccess = "offline_access"

	// TokenTypeBearer is the token_type of every access token.
	TokenTypeBearer = "Bearer"

	// TokenTypeRefresh is reported by introspection for refresh tokens.
	TokenTypeRefresh = "refresh_token"
)

// AuthorizationRequest carries the parameters of an authorization request,
// both when it is first shown to the user and when the user approves it.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
}

// Introspection is the RFC 7662 view of a token.
type Introspection struct {
	Active    bool
	ClientID  string
	TokenType string
	Scope     string
	Exp       int64
	Iat       int64
}

// RequireEnabled returns ErrDisabled when the document's OAuth gate is off.
func (s *Server) RequireEnabled(ctx context.Context) error {
	enabled, err := s.Enabled(ctx)
	if err != nil {
		return err
	}
	if !enabled {
		return ErrDisabled
	}
	return nil
}

// LookupClient returns the client if it exists and has redirectURI
// registered. Its errors are never redirectable.
func (s *Server) LookupClient(ctx context.Context, clientID, redirectURI string) (*storage.Client, error) {
	doc, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return lookupClient(doc, clientID, redirectURI)
}

func lookupClient(doc *storage.Document, clientID, redirectURI string) (*storage.Client, error) {
	client, ok := doc.OAuth.Clients[clientID]
	if !ok || clientID == "" {
		return nil, newError(ErrorCodeInvalidClient, "unknown client_id")
	}
	if !client.HasRedirectURI(redirectURI) {
		return nil, newError(ErrorCodeInvalidRequest, "redirect_uri is not registered for this client")
	}
	return client, nil
}

// checkAuthorizationRequest validates req in the order that keeps unverified
// redirect targets safe: client and redirect_uri first, then the checks whose
// failures may be sent back to the client.
func checkAuthorizationRequest(doc *storage.Document, req *AuthorizationRequest) (*storage.Client, error) {
	client, err := lookupClient(doc, req.ClientID, req.RedirectURI)
	if err != nil {
		return nil, err
	}
	if req.ResponseType != ResponseTypeCode {
		return nil, redirectError(ErrorCodeUnsupportedResponseType, "response_type must be %q", ResponseTypeCode)
	}
	if req.CodeChallenge == "" {
		return nil, redirectError(ErrorCodeInvalidRequest, "code_challenge is required")
	}
	if !pkce.ValidMethod(req.CodeChallengeMethod) {
		return nil, redirectError(ErrorCodeInvalidRequest, "code_challenge_method must be %s", pkce.MethodS256)
	}
	if req.Scope != "" && req.Scope != ScopeOfflineAccess {
		return nil, redirectError(ErrorCodeInvalidScope, "unsupported scope %q", req.Scope)
	}
	return client, nil
}

// ValidateAuthorizationRequest checks an incoming authorization request
// before the consent page is rendered.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req *AuthorizationRequest, clientIP string) (client *storage.Client, err error) {
	ctx, span := s.startSpan(ctx, "oauth.server.validate_authorization")
	defer func() { endSpan(span, err) }()
	if span != nil {
		instrumentation.AddOAuthFlowAttributes(span, req.ClientID, req.Scope)
		instrumentation.AddPKCEAttributes(span, req.CodeChallengeMethod)
	}

	doc, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	client, err = checkAuthorizationRequest(doc, req)
	if err != nil {
		s.logRejectedAuthorization(req, clientIP, err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordAuthorizationStarted(ctx, req.ClientID)
	}
	return client, nil
}

// IssueAuthorizationCode mints a code for an approved request. The request
// is validated again against the current document because the consent form
// round-trips through the user agent.
func (s *Server) IssueAuthorizationCode(ctx context.Context, req *AuthorizationRequest, lifetime, clientIP string) (code string, err error) {
	ctx, span := s.startSpan(ctx, "oauth.server.issue_code")
	defer func() { endSpan(span, err) }()

	lifetime, _ = s.Config.ResolveLifetime(lifetime)
	if span != nil {
		instrumentation.AddOAuthFlowAttributes(span, req.ClientID, req.Scope)
		span.SetAttributes(attribute.String(instrumentation.AttrTokenLifetime, lifetime))
	}

	err = storage.Update(ctx, s.store, func(doc *storage.Document) (bool, error) {
		if _, err := checkAuthorizationRequest(doc, req); err != nil {
			return false, err
		}

		now := s.now()
		code = pkce.GenerateToken(tokenBytes)
		doc.OAuth.AuthorizationCodes[code] = &storage.AuthorizationCode{
			ClientID:            req.ClientID,
			RedirectURI:         req.RedirectURI,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: req.CodeChallengeMethod,
			Scope:               req.Scope,
			TokenLifetime:       lifetime,
			ExpiresAt:           storage.NewUnixTime(now.Add(s.Config.CodeTTL())),
			CreatedAt:           now.UTC(),
		}
		return true, nil
	})
	if err != nil {
		s.logRejectedAuthorization(req, clientIP, err)
		return "", err
	}

	s.Logger.Info("Issued authorization code", "client_id", req.ClientID, "token_lifetime", lifetime)
	s.Auditor.LogCodeIssued(req.ClientID, clientIP, lifetime)
	if s.metrics != nil {
		s.metrics.RecordCodeIssued(ctx, req.ClientID, lifetime)
	}
	return code, nil
}

func (s *Server) logRejectedAuthorization(req *AuthorizationRequest, clientIP string, err error) {
	var oerr *Error
	if !errors.As(err, &oerr) {
		return
	}
	s.Logger.Warn("Authorization request rejected",
		"client_id", req.ClientID,
		"error", oerr.Code,
		"error_description", oerr.Description)
	if !oerr.Redirectable {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			ClientID:  req.ClientID,
			IPAddress: clientIP,
			Details:   map[string]any{"error": oerr.Code},
		})
	}
}

// ExchangeAuthorizationCode redeems a code for an access and refresh token.
// Lookup, checks and deletion of the code happen in one critical section, so
// a code yields tokens at most once.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, verifier, clientIP string) (token *oauth2.Token, err error) {
	ctx, span := s.startSpan(ctx, "oauth.server.exchange_code")
	defer func() { endSpan(span, err) }()
	if span != nil {
		span.SetAttributes(
			attribute.String(instrumentation.AttrGrantType, GrantTypeAuthorizationCode),
			attribute.String(instrumentation.AttrClientID, clientID),
		)
	}

	if _, _, err := s.SweepExpired(ctx); err != nil {
		s.Logger.Warn("Lazy sweep failed", "error", err)
	}

	var (
		grant    storage.AuthorizationCode
		access   string
		refresh  string
		lifetime time.Duration
		issuedAt time.Time
	)
	err = s.store.WithLock(ctx, func(ctx context.Context) error {
		doc, err := s.store.Load(ctx)
		if err != nil {
			return err
		}

		ac, ok := doc.OAuth.AuthorizationCodes[code]
		if !ok || code == "" {
			if s.redeemed.seen(code) {
				s.reportCodeReuse(ctx, clientID, clientIP)
			}
			return newError(ErrorCodeInvalidGrant, "authorization code not found")
		}

		now := s.now()
		if ac.Expired(now) {
			delete(doc.OAuth.AuthorizationCodes, code)
			if err := s.store.Save(ctx, doc); err != nil {
				return err
			}
			return newError(ErrorCodeInvalidGrant, "authorization code expired")
		}
		if ac.ClientID != clientID {
			return newError(ErrorCodeInvalidGrant, "client_id does not match the authorization code")
		}
		if ac.RedirectURI != redirectURI {
			return newError(ErrorCodeInvalidGrant, "redirect_uri does not match the authorization code")
		}
		if !pkce.Verify(verifier, ac.CodeChallenge) {
			s.reportPKCEFailure(ctx, ac, clientIP)
			return newError(ErrorCodeInvalidGrant, "code_verifier does not match the code challenge")
		}

		var lifetimeKey string
		lifetimeKey, lifetime = s.Config.ResolveLifetime(ac.TokenLifetime)
		access = pkce.GenerateToken(tokenBytes)
		refresh = pkce.GenerateToken(tokenBytes)
		issuedAt = now

		doc.OAuth.AccessTokens[access] = &storage.AccessToken{
			ClientID:      ac.ClientID,
			Scope:         ac.Scope,
			ExpiresAt:     storage.NewUnixTime(now.Add(lifetime)),
			TokenLifetime: lifetimeKey,
			CreatedAt:     now.UTC(),
		}
		doc.OAuth.RefreshTokens[refresh] = &storage.RefreshToken{
			ClientID:      ac.ClientID,
			Scope:         ac.Scope,
			AccessToken:   access,
			TokenLifetime: lifetimeKey,
			CreatedAt:     now.UTC(),
		}
		grant = *ac
		grant.TokenLifetime = lifetimeKey
		delete(doc.OAuth.AuthorizationCodes, code)
		return s.store.Save(ctx, doc)
	})
	if err != nil {
		return nil, err
	}
	s.redeemed.add(code, issuedAt.Add(s.Config.CodeTTL()))

	s.Logger.Info("Exchanged authorization code", "client_id", clientID, "token_lifetime", grant.TokenLifetime)
	s.Auditor.LogTokenIssued(clientID, clientIP, grant.Scope)
	if s.metrics != nil {
		s.metrics.RecordCodeExchange(ctx, clientID, grant.CodeChallengeMethod)
	}
	return newToken(access, refresh, grant.Scope, lifetime, issuedAt), nil
}

// RefreshAccessToken replaces the access token linked to refreshToken. The
// refresh token itself is not rotated.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID, clientIP string) (token *oauth2.Token, err error) {
	ctx, span := s.startSpan(ctx, "oauth.server.refresh")
	defer func() { endSpan(span, err) }()
	if span != nil {
		span.SetAttributes(
			attribute.String(instrumentation.AttrGrantType, GrantTypeRefreshToken),
			attribute.String(instrumentation.AttrClientID, clientID),
			attribute.String(instrumentation.AttrRefreshPolicy, string(s.Config.RefreshPolicy)),
		)
	}

	var (
		scope    string
		access   string
		lifetime time.Duration
		issuedAt time.Time
	)
	err = s.store.WithLock(ctx, func(ctx context.Context) error {
		doc, err := s.store.Load(ctx)
		if err != nil {
			return err
		}
		loadedRevision := doc.OAuth.Revision

		rt, ok := doc.OAuth.RefreshTokens[refreshToken]
		if !ok || refreshToken == "" {
			return newError(ErrorCodeInvalidGrant, "refresh token not found")
		}
		if rt.ClientID != clientID {
			return newError(ErrorCodeInvalidGrant, "client_id does not match the refresh token")
		}

		now := s.now()
		var lifetimeKey string
		lifetimeKey, lifetime = s.Config.ResolveLifetime(rt.TokenLifetime)

		delete(doc.OAuth.AccessTokens, rt.AccessToken)
		access = pkce.GenerateToken(tokenBytes)
		doc.OAuth.AccessTokens[access] = &storage.AccessToken{
			ClientID:      rt.ClientID,
			Scope:         rt.Scope,
			ExpiresAt:     storage.NewUnixTime(now.Add(lifetime)),
			TokenLifetime: lifetimeKey,
			CreatedAt:     now.UTC(),
		}

		refreshedAt := now.UTC()
		rt.AccessToken = access
		rt.TokenLifetime = lifetimeKey
		rt.RefreshedAt = &refreshedAt
		rt.Version++

		scope = rt.Scope
		issuedAt = now
		return s.commitRefresh(ctx, doc, loadedRevision)
	})
	if errors.Is(err, storage.ErrRevisionConflict) {
		s.reportRefreshConflict(ctx, clientID, clientIP)
		return nil, newError(ErrorCodeInvalidGrant, "refresh token was used concurrently")
	}
	if err != nil {
		return nil, err
	}

	s.Logger.Info("Refreshed access token", "client_id", clientID, "policy", s.Config.RefreshPolicy)
	s.Auditor.LogTokenRefreshed(clientID, clientIP, string(s.Config.RefreshPolicy))
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(ctx, clientID, string(s.Config.RefreshPolicy))
	}
	return newToken(access, refreshToken, scope, lifetime, issuedAt), nil
}

// commitRefresh saves a refreshed document according to the refresh policy.
func (s *Server) commitRefresh(ctx context.Context, doc *storage.Document, loadedRevision int64) error {
	if s.Config.RefreshPolicy != RefreshVersionChecked {
		return s.store.Save(ctx, doc)
	}
	cs, ok := s.store.(storage.ConditionalSaver)
	if !ok {
		return fmt.Errorf("store does not support conditional saves")
	}
	return cs.SaveIfRevision(ctx, doc, loadedRevision)
}

// Introspect reports the state of token. Unknown tokens are inactive, not an
// error.
func (s *Server) Introspect(ctx context.Context, token string) (info *Introspection, err error) {
	ctx, span := s.startSpan(ctx, "oauth.server.introspect")
	defer func() { endSpan(span, err) }()

	doc, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	if at, ok := doc.OAuth.AccessTokens[token]; ok && token != "" {
		return &Introspection{
			Active:    !at.Expired(s.now()),
			ClientID:  at.ClientID,
			TokenType: TokenTypeBearer,
			Scope:     at.Scope,
			Exp:       int64(at.ExpiresAt),
			Iat:       at.CreatedAt.Unix(),
		}, nil
	}
	if rt, ok := doc.OAuth.RefreshTokens[token]; ok && token != "" {
		return &Introspection{
			Active:    true,
			ClientID:  rt.ClientID,
			TokenType: TokenTypeRefresh,
			Scope:     rt.Scope,
		}, nil
	}
	return &Introspection{Active: false}, nil
}

// Revoke deletes token whichever kind it is. Revoking a refresh token also
// revokes its current access token. Unknown tokens are ignored.
func (s *Server) Revoke(ctx context.Context, token, clientIP string) (err error) {
	ctx, span := s.startSpan(ctx, "oauth.server.revoke")
	defer func() { endSpan(span, err) }()

	var clientID, tokenType string
	err = storage.Update(ctx, s.store, func(doc *storage.Document) (bool, error) {
		changed := false
		if at, ok := doc.OAuth.AccessTokens[token]; ok {
			delete(doc.OAuth.AccessTokens, token)
			clientID, tokenType = at.ClientID, "access_token"
			changed = true
		}
		if rt, ok := doc.OAuth.RefreshTokens[token]; ok {
			delete(doc.OAuth.RefreshTokens, token)
			delete(doc.OAuth.AccessTokens, rt.AccessToken)
			clientID, tokenType = rt.ClientID, "refresh_token"
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return err
	}
	if tokenType == "" {
		return nil
	}

	s.Logger.Info("Revoked token", "client_id", clientID, "token_type", tokenType)
	s.Auditor.LogTokenRevoked(clientID, clientIP, tokenType)
	if s.metrics != nil {
		s.metrics.RecordTokenRevocation(ctx, tokenType)
	}
	return nil
}

// SweepExpired deletes expired authorization codes and access tokens.
// Refresh tokens never expire and are left alone.
func (s *Server) SweepExpired(ctx context.Context) (codes, tokens int, err error) {
	now := s.now()
	err = storage.Update(ctx, s.store, func(doc *storage.Document) (bool, error) {
		for k, c := range doc.OAuth.AuthorizationCodes {
			if c.Expired(now) {
				delete(doc.OAuth.AuthorizationCodes, k)
				codes++
			}
		}
		for k, t := range doc.OAuth.AccessTokens {
			if t.Expired(now) {
				delete(doc.OAuth.AccessTokens, k)
				tokens++
			}
		}
		return codes+tokens > 0, nil
	})
	if err != nil {
		return 0, 0, err
	}
	s.redeemed.prune(now)

	if codes+tokens > 0 {
		s.Logger.Debug("Swept expired credentials", "codes", codes, "access_tokens", tokens)
		if s.metrics != nil {
			s.metrics.RecordExpiredSwept(ctx, codes, tokens)
		}
	}
	return codes, tokens, nil
}

func (s *Server) reportCodeReuse(ctx context.Context, clientID, clientIP string) {
	s.Logger.Warn("Authorization code reuse detected", "client_id", clientID, "client_ip", clientIP)
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeReuseDetected,
		ClientID:  clientID,
		IPAddress: clientIP,
	})
	if s.metrics != nil {
		s.metrics.RecordCodeReuseDetected(ctx)
	}
}

func (s *Server) reportPKCEFailure(ctx context.Context, ac *storage.AuthorizationCode, clientIP string) {
	s.Logger.Warn("PKCE validation failed", "client_id", ac.ClientID)
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventPKCEValidationFailed,
		ClientID:  ac.ClientID,
		IPAddress: clientIP,
		Details:   map[string]any{"method": ac.CodeChallengeMethod},
	})
	if s.metrics != nil {
		s.metrics.RecordPKCEValidationFailed(ctx, ac.CodeChallengeMethod)
	}
}

func (s *Server) reportRefreshConflict(ctx context.Context, clientID, clientIP string) {
	s.Logger.Warn("Refresh rejected after concurrent update", "client_id", clientID)
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventRefreshConflict,
		ClientID:  clientID,
		IPAddress: clientIP,
	})
	if s.metrics != nil {
		s.metrics.RecordRefreshConflict(ctx)
	}
}

func newToken(access, refresh, scope string, lifetime time.Duration, issuedAt time.Time) *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  access,
		TokenType:    TokenTypeBearer,
		RefreshToken: refresh,
		Expiry:       issuedAt.Add(lifetime),
		ExpiresIn:    int64(lifetime / time.Second),
	}
	if scope = strings.TrimSpace(scope); scope != "" {
		token = token.WithExtra(map[string]any{"scope": scope})
	}
	return token
}

// redeemedCodes remembers fingerprints of codes that were already exchanged
// until they would have expired anyway, so a second redemption attempt can be
// told apart from a made-up code.
type redeemedCodes struct {
	mu    sync.Mutex
	codes map[string]time.Time
}

func newRedeemedCodes() *redeemedCodes {
	return &redeemedCodes{codes: make(map[string]time.Time)}
}

func (r *redeemedCodes) add(code string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes[fingerprint(code)] = until
}

func (r *redeemedCodes) seen(code string) bool {
	if code == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.codes[fingerprint(code)]
	return ok
}

func (r *redeemedCodes) prune(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, until := range r.codes {
		if !until.After(now) {
			delete(r.codes, k)
		}
	}
}

func fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
