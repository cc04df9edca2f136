package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ragtag/mcplink/security"
	"github.com/ragtag/mcplink/storage"
)

// Authentication methods reported in Principal.Method.
const (
	MethodOAuth       = "oauth"
	MethodAPIKey      = "api_key"
	MethodBasic       = "basic"
	MethodURLParams   = "url_params"
	MethodBearerBasic = "bearer_basic"
	MethodHostUUID    = "host_uuid"
)

// URL parameters accepted by the URL parameter scheme.
const (
	ParamUser     = "user"
	ParamUsername = "username"
	ParamAPIKey   = "RAGTAG_API_KEY"
)

var (
	// ErrNotAuthenticated is returned when no credential matches.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrTokenExpired is returned for a known OAuth access token past its expiry.
	ErrTokenExpired = errors.New("access token expired")
)

// Principal is the authenticated caller.
type Principal struct {
	// Name is the OAuth client's name or the authorized user's name.
	Name string

	// Method is one of the Method* constants.
	Method string

	// ClientID is set for OAuth principals.
	ClientID string
}

// Validator checks credentials against the store. The authorized users table
// is cached until ReloadUsers; OAuth tokens are read from the store on every
// call.
type Validator struct {
	store    storage.Store
	logger   *slog.Logger
	auditor  *security.Auditor
	failures *security.RateLimiter

	mu     sync.RWMutex
	users  map[string]storage.AuthorizedUser
	loaded bool

	// now is overridden in tests
	now func() time.Time
}

// NewValidator creates a validator over store.
func NewValidator(store storage.Store, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// SetAuditor sets the security auditor used for failed attempts.
func (v *Validator) SetAuditor(a *security.Auditor) {
	v.auditor = a
}

// SetFailureLimiter makes Middleware answer 429 to a client IP, before any
// credential check, once it has spent its budget of failed attempts.
func (v *Validator) SetFailureLimiter(l *security.RateLimiter) {
	v.failures = l
}

// ReloadUsers refreshes the cached authorized users table from the store.
func (v *Validator) ReloadUsers(ctx context.Context) error {
	doc, err := v.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	users, err := doc.AuthorizedUsers()
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.users = users
	v.loaded = true
	v.mu.Unlock()

	v.logger.Debug("Reloaded authorized users", "count", len(users))
	return nil
}

func (v *Validator) usersTable(ctx context.Context) (map[string]storage.AuthorizedUser, error) {
	v.mu.RLock()
	users, loaded := v.users, v.loaded
	v.mu.RUnlock()
	if loaded {
		return users, nil
	}

	if err := v.ReloadUsers(ctx); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.users, nil
}

// ValidateBearer resolves a bearer credential. OAuth access tokens are
// checked first, then the plain API keys of the authorized users. Hashed keys
// need the user name and are only reachable through the user:key schemes.
func (v *Validator) ValidateBearer(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrNotAuthenticated
	}

	doc, err := v.store.Load(ctx)
	if err != nil {
		return Principal{}, fmt.Errorf("load document: %w", err)
	}

	if at, ok := doc.OAuth.AccessTokens[token]; ok {
		if at.Expired(v.now()) {
			return Principal{}, ErrTokenExpired
		}
		name := at.ClientID
		if client, ok := doc.OAuth.Clients[at.ClientID]; ok {
			name = client.DisplayName()
		}
		return Principal{Name: name, Method: MethodOAuth, ClientID: at.ClientID}, nil
	}

	users, err := v.usersTable(ctx)
	if err != nil {
		return Principal{}, err
	}
	// Sorted so that duplicate keys always resolve to the same user
	for _, name := range sortedNames(users) {
		if plainKeyMatches(users[name], token) {
			return Principal{Name: name, Method: MethodAPIKey}, nil
		}
	}
	return Principal{}, ErrNotAuthenticated
}

// Authenticate applies the supported schemes to r in order.
func (v *Validator) Authenticate(r *http.Request) (Principal, error) {
	ctx := r.Context()

	q := r.URL.Query()
	user := q.Get(ParamUser)
	if user == "" {
		user = q.Get(ParamUsername)
	}
	if key := q.Get(ParamAPIKey); user != "" && key != "" {
		return v.checkUser(ctx, user, key, MethodURLParams)
	}

	if header := r.Header.Get("Authorization"); header != "" {
		scheme, credential, _ := strings.Cut(header, " ")
		switch {
		case strings.EqualFold(scheme, "Basic"):
			user, key, ok := r.BasicAuth()
			if !ok {
				return Principal{}, ErrNotAuthenticated
			}
			return v.checkUser(ctx, user, key, MethodBasic)

		case strings.EqualFold(scheme, "Bearer"):
			credential = strings.TrimSpace(credential)
			p, err := v.ValidateBearer(ctx, credential)
			if err == nil || !errors.Is(err, ErrNotAuthenticated) {
				return p, err
			}
			user, key, ok := decodeUserKey(credential)
			if !ok {
				return Principal{}, ErrNotAuthenticated
			}
			return v.checkUser(ctx, user, key, MethodBearerBasic)

		default:
			return Principal{}, ErrNotAuthenticated
		}
	}

	if key, ok := hostUUID(r.Host); ok {
		users, err := v.usersTable(ctx)
		if err != nil {
			return Principal{}, err
		}
		for _, name := range sortedNames(users) {
			if sameUUID(users[name].APIKey, key) {
				return Principal{Name: name, Method: MethodHostUUID}, nil
			}
		}
	}

	return Principal{}, ErrNotAuthenticated
}

func (v *Validator) checkUser(ctx context.Context, name, key, method string) (Principal, error) {
	users, err := v.usersTable(ctx)
	if err != nil {
		return Principal{}, err
	}
	user, ok := users[name]
	if !ok || !keyMatches(user, key) {
		return Principal{}, ErrNotAuthenticated
	}
	return Principal{Name: name, Method: method}, nil
}

// keyMatches compares key against the user's bcrypt hash when present, and
// against the plain key otherwise.
func keyMatches(user storage.AuthorizedUser, key string) bool {
	if key == "" {
		return false
	}
	if user.APIKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(user.APIKeyHash), []byte(key)) == nil
	}
	return plainKeyMatches(user, key)
}

// plainKeyMatches never consults the bcrypt hash.
func plainKeyMatches(user storage.AuthorizedUser, key string) bool {
	if key == "" || user.APIKeyHash != "" || user.APIKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(user.APIKey), []byte(key)) == 1
}

func decodeUserKey(credential string) (user, key string, ok bool) {
	raw, err := base64.StdEncoding.DecodeString(credential)
	if err != nil {
		return "", "", false
	}
	user, key, ok = strings.Cut(string(raw), ":")
	if !ok || user == "" {
		return "", "", false
	}
	return user, key, true
}

// hostUUID extracts the UUID from a host of the form <uuid>-<rest>.
func hostUUID(host string) (string, bool) {
	const uuidLen = 36
	if len(host) <= uuidLen+1 || host[uuidLen] != '-' {
		return "", false
	}
	id, err := uuid.Parse(host[:uuidLen])
	if err != nil {
		return "", false
	}
	return id.String(), true
}

func sameUUID(apiKey, id string) bool {
	parsed, err := uuid.Parse(apiKey)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(parsed.String()), []byte(id)) == 1
}

func sortedNames(users map[string]storage.AuthorizedUser) []string {
	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GenerateAPIKey returns a new random API key.
func GenerateAPIKey() string {
	return uuid.NewString()
}

// HashAPIKey returns the bcrypt hash stored as api_key_hash.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
