package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ragtag/mcplink/bridge"
	"github.com/ragtag/mcplink/internal/testutil"
	"github.com/ragtag/mcplink/storage"
)

type noBackends struct{}

func (noBackends) Backends(context.Context) (map[string]storage.BackendConfig, error) {
	return map[string]storage.BackendConfig{}, nil
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"status":"ok"}` {
		t.Errorf("body = %s", body)
	}
}

func TestCallHandler(t *testing.T) {
	registry := bridge.NewRegistry(noBackends{}, testutil.DiscardLogger(), bridge.Options{})
	defer func() { _ = registry.Close() }()
	h := callHandler(registry, testutil.DiscardLogger())

	tests := []struct {
		name        string
		body        string
		wantStatus  int
		wantIsError bool
		wantText    string
	}{
		{name: "bad body", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "no target", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "unknown tool", body: `{"tool":"mcp_x"}`, wantStatus: http.StatusOK, wantIsError: true, wantText: "Unknown tool: mcp_x"},
		{name: "unknown server", body: `{"server":"files","arguments":{"operation":"readme"}}`, wantStatus: http.StatusOK, wantIsError: true, wantText: "Server files is not available."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tools/call", strings.NewReader(tt.body)))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var result bridge.ToolResult
			if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
				t.Fatalf("decode error = %v", err)
			}
			if result.IsError != tt.wantIsError || result.Text() != tt.wantText {
				t.Errorf("result = %+v (%q)", result, result.Text())
			}
		})
	}
}

func TestToolsHandler_Empty(t *testing.T) {
	registry := bridge.NewRegistry(noBackends{}, testutil.DiscardLogger(), bridge.Options{})
	defer func() { _ = registry.Close() }()

	rec := httptest.NewRecorder()
	toolsHandler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tools", nil))

	var body struct {
		Tools   []json.RawMessage `json:"tools"`
		Servers []json.RawMessage `json:"servers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(body.Tools) != 0 || len(body.Servers) != 0 {
		t.Errorf("expected empty listing, got %s", rec.Body.String())
	}
}
