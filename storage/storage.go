// Package storage defines the credential document and the Store interface used
// to persist OAuth clients, authorization codes, and tokens.
package storage

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	// ErrRevisionConflict is returned by ConditionalSaver when the persisted
	// document changed since it was loaded.
	ErrRevisionConflict = errors.New("storage: document revision conflict")

	// ErrStoreClosed is returned by stores that have been shut down.
	ErrStoreClosed = errors.New("storage: store closed")
)

// Store persists the whole credential document.
// Callers perform load-mutate-save sequences inside WithLock so that
// concurrent requests (and other processes sharing the document) never lose
// updates.
type Store interface {
	// Load reads the current document. A missing document is not an error;
	// it yields an empty document with OAuth disabled.
	Load(ctx context.Context) (*Document, error)

	// Save replaces the persisted document and bumps its revision.
	Save(ctx context.Context, doc *Document) error

	// WithLock runs fn while holding the store's exclusive lock.
	WithLock(ctx context.Context, fn func(ctx context.Context) error) error
}

// ConditionalSaver is implemented by stores that support optimistic
// concurrency. SaveIfRevision saves doc only if the persisted revision still
// equals expected, and returns ErrRevisionConflict otherwise.
type ConditionalSaver interface {
	SaveIfRevision(ctx context.Context, doc *Document, expected int64) error
}

// Update is a convenience for the load-mutate-save cycle. fn reports whether it
// changed the document; the document is only saved when it did.
func Update(ctx context.Context, s Store, fn func(doc *Document) (bool, error)) error {
	return s.WithLock(ctx, func(ctx context.Context) error {
		doc, err := s.Load(ctx)
		if err != nil {
			return err
		}
		changed, err := fn(doc)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return s.Save(ctx, doc)
	})
}

// Client is a dynamically registered public client (RFC 7591).
type Client struct {
	ClientID                string    `json:"client_id"`
	ClientName              string    `json:"client_name"`
	RedirectURIs            []string  `json:"redirect_uris"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	ClientIDIssuedAt        int64     `json:"client_id_issued_at"`
	CreatedAt               time.Time `json:"created_at"`
}

// HasRedirectURI reports whether uri exactly matches one of the registered URIs.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// DisplayName returns the client name, falling back to the client ID.
func (c *Client) DisplayName() string {
	if c.ClientName != "" {
		return c.ClientName
	}
	return c.ClientID
}

// AuthorizationCode is issued on user approval and redeemed exactly once.
type AuthorizationCode struct {
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Scope               string    `json:"scope"`
	TokenLifetime       string    `json:"token_lifetime"`
	ExpiresAt           UnixTime  `json:"expires_at"`
	CreatedAt           time.Time `json:"created_at"`
}

// Expired reports whether now is strictly past the code's expiry.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return c.ExpiresAt.Time().Before(now)
}

// AccessToken is an opaque bearer token with a fixed expiry.
type AccessToken struct {
	ClientID      string    `json:"client_id"`
	Scope         string    `json:"scope"`
	ExpiresAt     UnixTime  `json:"expires_at"`
	TokenLifetime string    `json:"token_lifetime_key"`
	CreatedAt     time.Time `json:"created_at"`
}

// Expired reports whether now is strictly past the token's expiry.
func (t *AccessToken) Expired(now time.Time) bool {
	return t.ExpiresAt.Time().Before(now)
}

// RefreshToken never expires. AccessToken points at the single live access
// token minted from it; Version increments on every refresh.
type RefreshToken struct {
	ClientID      string     `json:"client_id"`
	Scope         string     `json:"scope"`
	AccessToken   string     `json:"access_token"`
	TokenLifetime string     `json:"token_lifetime_key"`
	CreatedAt     time.Time  `json:"created_at"`
	RefreshedAt   *time.Time `json:"refreshed_at,omitempty"`
	Version       int64      `json:"version,omitempty"`
}

// AuthorizedUser is an entry in the static API-key table.
// APIKeyHash, when set, is a bcrypt hash and takes precedence over APIKey.
type AuthorizedUser struct {
	APIKey     string `json:"api_key,omitempty"`
	APIKeyHash string `json:"api_key_hash,omitempty"`
}

// BackendConfig describes a local child process exposing tools over stdio.
type BackendConfig struct {
	Enabled       bool              `json:"enabled"`
	Command       string            `json:"command"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	AIDescription string            `json:"ai_description,omitempty"`
}
