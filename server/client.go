package server

import (
	"context"
	"net/url"
	"strings"

	"github.com/ragtag/mcplink/pkce"
	"github.com/ragtag/mcplink/security"
	"github.com/ragtag/mcplink/storage"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic is advertised in metadata only
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost is advertised in metadata only
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// Grant and response types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
)

// DefaultClientName is used when a registration omits client_name.
const DefaultClientName = "Unnamed Client"

// RegistrationRequest is the input of dynamic client registration.
// TokenEndpointAuthMethod is accepted but ignored: every client is public.
type RegistrationRequest struct {
	ClientName              string
	RedirectURIs            []string
	TokenEndpointAuthMethod string
}

// RegisterClient creates a public client.
func (s *Server) RegisterClient(ctx context.Context, req RegistrationRequest, clientIP string) (client *storage.Client, err error) {
	ctx, span := s.startSpan(ctx, "oauth.server.register_client")
	defer func() { endSpan(span, err) }()

	if err := s.validateRedirectURIs(req.RedirectURIs, clientIP); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.ClientName)
	if name == "" {
		name = DefaultClientName
	}

	now := s.now()
	client = &storage.Client{
		ClientID:                pkce.GenerateToken(tokenBytes),
		ClientName:              name,
		RedirectURIs:            append([]string(nil), req.RedirectURIs...),
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
		GrantTypes:              []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		ResponseTypes:           []string{ResponseTypeCode},
		ClientIDIssuedAt:        now.Unix(),
		CreatedAt:               now.UTC(),
	}

	err = storage.Update(ctx, s.store, func(doc *storage.Document) (bool, error) {
		doc.OAuth.Clients[client.ClientID] = client
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("Registered new client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"redirect_uris", len(client.RedirectURIs),
		"client_ip", clientIP)
	s.Auditor.LogClientRegistered(client.ClientID, client.ClientName, clientIP)
	if s.metrics != nil {
		s.metrics.RecordClientRegistration(ctx)
	}
	return client, nil
}

// validateRedirectURIs requires at least one URI, each absolute and without
// a fragment (RFC 6749 section 3.1.2).
func (s *Server) validateRedirectURIs(uris []string, clientIP string) error {
	reject := func(e *Error) error {
		s.Logger.Warn("Client registration rejected", "reason", e.Description, "client_ip", clientIP)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventClientRegistrationRejected,
			IPAddress: clientIP,
			Details:   map[string]any{"reason": e.Code},
		})
		return e
	}

	if len(uris) == 0 {
		return reject(newError(ErrorCodeInvalidRequest, "redirect_uris is required"))
	}
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			return reject(newError(ErrorCodeInvalidRedirectURI, "redirect_uri must be an absolute URI: %q", raw))
		}
		if u.Fragment != "" || strings.Contains(raw, "#") {
			return reject(newError(ErrorCodeInvalidRedirectURI, "redirect_uri must not contain a fragment: %q", raw))
		}
	}
	return nil
}
