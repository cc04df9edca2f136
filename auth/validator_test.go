package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ragtag/mcplink/internal/testutil"
	"github.com/ragtag/mcplink/storage"
)

const (
	aliceKey = "3f2b8c1e-9d4a-4c6b-8e7f-1a2b3c4d5e6f"
	bobKey   = "bob-secret"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// countingStore counts saves to prove validation never writes.
type countingStore struct {
	storage.Store
	saves atomic.Int32
}

func (s *countingStore) Save(ctx context.Context, doc *storage.Document) error {
	s.saves.Add(1)
	return s.Store.Save(ctx, doc)
}

func setupValidator(t *testing.T) (*Validator, *countingStore) {
	t.Helper()
	mem := testutil.NewStore(t, true)
	bobHash, err := HashAPIKey(bobKey)
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}

	testutil.SeedClient(t, mem, "client-1")
	testutil.Mutate(t, mem, func(doc *storage.Document) {
		doc.OAuth.AccessTokens["live-token"] = &storage.AccessToken{
			ClientID:  "client-1",
			ExpiresAt: storage.NewUnixTime(testEpoch.Add(time.Hour)),
		}
		doc.OAuth.AccessTokens["expired-token"] = &storage.AccessToken{
			ClientID:  "client-1",
			ExpiresAt: storage.NewUnixTime(testEpoch.Add(-time.Second)),
		}
		doc.OAuth.AccessTokens["orphan-token"] = &storage.AccessToken{
			ClientID:  "gone",
			ExpiresAt: storage.NewUnixTime(testEpoch.Add(time.Hour)),
		}
		if err := doc.SetAuthorizedUser("alice", storage.AuthorizedUser{APIKey: aliceKey}); err != nil {
			t.Fatalf("SetAuthorizedUser() error = %v", err)
		}
		if err := doc.SetAuthorizedUser("bob", storage.AuthorizedUser{APIKeyHash: bobHash}); err != nil {
			t.Fatalf("SetAuthorizedUser() error = %v", err)
		}
	})

	store := &countingStore{Store: mem}
	v := NewValidator(store, testutil.DiscardLogger())
	v.now = func() time.Time { return testEpoch }
	return v, store
}

func TestValidateBearer(t *testing.T) {
	v, store := setupValidator(t)

	tests := []struct {
		name    string
		token   string
		want    Principal
		wantErr error
	}{
		{
			name:  "oauth token",
			token: "live-token",
			want:  Principal{Name: testutil.TestClientName, Method: MethodOAuth, ClientID: "client-1"},
		},
		{
			name:  "oauth token of a deleted client",
			token: "orphan-token",
			want:  Principal{Name: "gone", Method: MethodOAuth, ClientID: "gone"},
		},
		{
			name:    "expired oauth token",
			token:   "expired-token",
			wantErr: ErrTokenExpired,
		},
		{
			name:  "plain api key",
			token: aliceKey,
			want:  Principal{Name: "alice", Method: MethodAPIKey},
		},
		{
			name:    "hashed api key without user name",
			token:   bobKey,
			wantErr: ErrNotAuthenticated,
		},
		{
			name:    "unknown",
			token:   "nope",
			wantErr: ErrNotAuthenticated,
		},
		{
			name:    "empty",
			token:   "",
			wantErr: ErrNotAuthenticated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValidateBearer(context.Background(), tt.token)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ValidateBearer() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateBearer() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ValidateBearer() = %+v, want %+v", got, tt.want)
			}
		})
	}

	if n := store.saves.Load(); n != 0 {
		t.Errorf("validation saved the document %d times", n)
	}
}

func TestValidateBearer_ExpiryIsNotExtended(t *testing.T) {
	v, store := setupValidator(t)

	if _, err := v.ValidateBearer(context.Background(), "live-token"); err != nil {
		t.Fatalf("ValidateBearer() error = %v", err)
	}

	doc := testutil.Snapshot(t, store)
	if got := doc.OAuth.AccessTokens["live-token"].ExpiresAt; got != storage.NewUnixTime(testEpoch.Add(time.Hour)) {
		t.Errorf("expires_at changed to %v", got.Time())
	}

	v.now = func() time.Time { return testEpoch.Add(2 * time.Hour) }
	if _, err := v.ValidateBearer(context.Background(), "live-token"); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("ValidateBearer() after expiry error = %v, want ErrTokenExpired", err)
	}
}

func TestValidateBearer_UnknownSkipsHashedKeys(t *testing.T) {
	mem := testutil.NewStore(t, true)
	hash, err := HashAPIKey("shared-secret")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}
	testutil.Mutate(t, mem, func(doc *storage.Document) {
		for i := range 20 {
			if err := doc.SetAuthorizedUser(fmt.Sprintf("user-%02d", i), storage.AuthorizedUser{APIKeyHash: hash}); err != nil {
				t.Fatalf("SetAuthorizedUser() error = %v", err)
			}
		}
	})
	v := NewValidator(mem, testutil.DiscardLogger())
	if err := v.ReloadUsers(context.Background()); err != nil {
		t.Fatalf("ReloadUsers() error = %v", err)
	}

	// Twenty bcrypt comparisons at the default cost take seconds
	start := time.Now()
	for range 5 {
		if _, err := v.ValidateBearer(context.Background(), "no-such-key"); !errors.Is(err, ErrNotAuthenticated) {
			t.Fatalf("ValidateBearer() error = %v, want ErrNotAuthenticated", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("five unknown bearers took %s", elapsed)
	}

	// The hashed key still works when the caller names the user
	req := httptest.NewRequest(http.MethodGet, "/tools", nil)
	req.SetBasicAuth("user-07", "shared-secret")
	p, err := v.Authenticate(req)
	if err != nil || p.Name != "user-07" {
		t.Errorf("Authenticate() = %+v, %v", p, err)
	}
}

func TestAuthenticate(t *testing.T) {
	basic := func(user, key string) string {
		return base64.StdEncoding.EncodeToString([]byte(user + ":" + key))
	}

	tests := []struct {
		name       string
		target     string
		authHeader string
		host       string
		wantName   string
		wantMethod string
		wantErr    error
	}{
		{
			name:       "url parameters",
			target:     "/tools?user=alice&RAGTAG_API_KEY=" + aliceKey,
			wantName:   "alice",
			wantMethod: MethodURLParams,
		},
		{
			name:       "url parameters with username",
			target:     "/tools?username=bob&RAGTAG_API_KEY=" + bobKey,
			wantName:   "bob",
			wantMethod: MethodURLParams,
		},
		{
			name:       "url parameters win over a valid header",
			target:     "/tools?user=alice&RAGTAG_API_KEY=wrong",
			authHeader: "Bearer live-token",
			wantErr:    ErrNotAuthenticated,
		},
		{
			name:       "basic",
			authHeader: "Basic " + basic("alice", aliceKey),
			wantName:   "alice",
			wantMethod: MethodBasic,
		},
		{
			name:       "basic with wrong key",
			authHeader: "Basic " + basic("alice", "wrong"),
			wantErr:    ErrNotAuthenticated,
		},
		{
			name:       "basic with a key of another user",
			authHeader: "Basic " + basic("alice", bobKey),
			wantErr:    ErrNotAuthenticated,
		},
		{
			name:       "bearer oauth",
			authHeader: "Bearer live-token",
			wantName:   testutil.TestClientName,
			wantMethod: MethodOAuth,
		},
		{
			name:       "bearer expired",
			authHeader: "Bearer expired-token",
			wantErr:    ErrTokenExpired,
		},
		{
			name:       "bearer api key",
			authHeader: "Bearer " + aliceKey,
			wantName:   "alice",
			wantMethod: MethodAPIKey,
		},
		{
			name:       "bearer with encoded user and key",
			authHeader: "Bearer " + basic("bob", bobKey),
			wantName:   "bob",
			wantMethod: MethodBearerBasic,
		},
		{
			name:       "bearer unknown",
			authHeader: "Bearer not-a-token",
			wantErr:    ErrNotAuthenticated,
		},
		{
			name:       "unsupported scheme",
			authHeader: "Digest abc",
			wantErr:    ErrNotAuthenticated,
		},
		{
			name:       "host uuid",
			host:       aliceKey + "-127-0-0-1.local.example.com:31173",
			wantName:   "alice",
			wantMethod: MethodHostUUID,
		},
		{
			name:       "host uuid in upper case",
			host:       "3F2B8C1E-9D4A-4C6B-8E7F-1A2B3C4D5E6F-localhost",
			wantName:   "alice",
			wantMethod: MethodHostUUID,
		},
		{
			name:    "host uuid unknown",
			host:    "00000000-0000-4000-8000-000000000000-localhost",
			wantErr: ErrNotAuthenticated,
		},
		{
			name:    "plain host",
			host:    "localhost:8080",
			wantErr: ErrNotAuthenticated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := setupValidator(t)
			target := tt.target
			if target == "" {
				target = "/tools"
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			if tt.host != "" {
				req.Host = tt.host
			}

			got, err := v.Authenticate(req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Authenticate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if got.Name != tt.wantName || got.Method != tt.wantMethod {
				t.Errorf("Authenticate() = %+v, want %s via %s", got, tt.wantName, tt.wantMethod)
			}
		})
	}
}

func TestReloadUsers(t *testing.T) {
	v, store := setupValidator(t)
	ctx := context.Background()

	if _, err := v.ValidateBearer(ctx, aliceKey); err != nil {
		t.Fatalf("ValidateBearer() error = %v", err)
	}

	testutil.Mutate(t, store, func(doc *storage.Document) {
		if err := doc.SetAuthorizedUser("carol", storage.AuthorizedUser{APIKey: "carol-key"}); err != nil {
			t.Fatalf("SetAuthorizedUser() error = %v", err)
		}
	})

	// The cached table does not know carol yet
	if _, err := v.ValidateBearer(ctx, "carol-key"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("ValidateBearer() before reload error = %v", err)
	}

	if err := v.ReloadUsers(ctx); err != nil {
		t.Fatalf("ReloadUsers() error = %v", err)
	}
	p, err := v.ValidateBearer(ctx, "carol-key")
	if err != nil {
		t.Fatalf("ValidateBearer() after reload error = %v", err)
	}
	if p.Name != "carol" {
		t.Errorf("Name = %q, want carol", p.Name)
	}
}

func TestGenerateAPIKey(t *testing.T) {
	a, b := GenerateAPIKey(), GenerateAPIKey()
	if a == b {
		t.Error("GenerateAPIKey() returned the same key twice")
	}
	if _, ok := hostUUID(a + "-localhost"); !ok {
		t.Errorf("GenerateAPIKey() = %q is not usable as a host UUID", a)
	}
}

func TestHashAPIKey(t *testing.T) {
	hash, err := HashAPIKey("k")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}
	if !keyMatches(storage.AuthorizedUser{APIKeyHash: hash}, "k") {
		t.Error("hash does not match its key")
	}
	// The hash wins over a plain key
	if keyMatches(storage.AuthorizedUser{APIKey: "plain", APIKeyHash: hash}, "plain") {
		t.Error("plain key accepted although a hash is set")
	}
	if keyMatches(storage.AuthorizedUser{}, "") {
		t.Error("empty key accepted")
	}
}
