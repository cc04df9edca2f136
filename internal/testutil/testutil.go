package testutil

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ragtag/mcplink/pkce"
	"github.com/ragtag/mcplink/storage"
	"github.com/ragtag/mcplink/storage/memory"
)

// Fixture values used across tests.
const (
	TestRedirectURI = "https://app.example.com/callback"
	TestClientName  = "Test Client"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewStore returns an in-memory store with the OAuth gate set to enabled.
func NewStore(t *testing.T, enabled bool) *memory.Store {
	t.Helper()
	doc := storage.NewDocument()
	doc.OAuth.Enabled = enabled
	s, err := memory.NewWithDocument(doc)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return s
}

// SeedClient writes a public client straight into the store.
func SeedClient(t *testing.T, s storage.Store, clientID string, redirectURIs ...string) *storage.Client {
	t.Helper()
	if len(redirectURIs) == 0 {
		redirectURIs = []string{TestRedirectURI}
	}
	client := &storage.Client{
		ClientID:                clientID,
		ClientName:              TestClientName,
		RedirectURIs:            redirectURIs,
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientIDIssuedAt:        time.Now().Unix(),
		CreatedAt:               time.Now().UTC(),
	}
	Mutate(t, s, func(doc *storage.Document) {
		doc.OAuth.Clients[clientID] = client
	})
	return client
}

// Mutate applies fn to the stored document and saves it.
func Mutate(t *testing.T, s storage.Store, fn func(doc *storage.Document)) {
	t.Helper()
	err := storage.Update(context.Background(), s, func(doc *storage.Document) (bool, error) {
		fn(doc)
		return true, nil
	})
	if err != nil {
		t.Fatalf("update document: %v", err)
	}
}

// Snapshot loads the stored document.
func Snapshot(t *testing.T, s storage.Store) *storage.Document {
	t.Helper()
	doc, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load document: %v", err)
	}
	return doc
}

// GeneratePKCEPair returns an S256 challenge and its verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = pkce.NewVerifier()
	return pkce.HashChallenge(verifier), verifier
}

// PostForm sends a form-encoded POST to handler and records the response.
func PostForm(handler http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
