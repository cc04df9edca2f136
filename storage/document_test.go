package storage

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

const sharedDocument = `{
  "mcpServers": {"ragtag": {"url": "http://localhost:8750/mcp"}},
  "settings": [
    {
      "oauth": {
        "enabled": true,
        "clients": {"c1": {"client_id": "c1", "redirect_uris": ["http://localhost:9/cb"], "client_id_issued_at": 1700000000}},
        "authorization_codes": {},
        "access_tokens": {"at": {"client_id": "c1", "expires_at": 1700003600.75, "token_lifetime_key": "week"}},
        "refresh_tokens": {}
      },
      "ragtag": {
        "theme": "dark",
        "authorized_users": {"alice": {"api_key": "k1"}, "note": "not a user"}
      },
      "local_mcpServers": {
        "files": {"enabled": true, "command": "files-server", "args": ["--root", "/tmp"]},
        "_comment": "disabled servers are kept for reference"
      },
      "editor": {"tabs": 4}
    },
    {"type": "ui", "fields": ["theme"]}
  ]
}`

func TestDocument_RoundTripPreservesSections(t *testing.T) {
	doc := NewDocument()
	if err := json.Unmarshal([]byte(sharedDocument), doc); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if !doc.OAuth.Enabled {
		t.Error("enabled gate not decoded")
	}
	if len(doc.OAuth.Clients) != 1 {
		t.Errorf("clients = %d, want 1", len(doc.OAuth.Clients))
	}
	if got := doc.OAuth.AccessTokens["at"].ExpiresAt; got != 1700003600.75 {
		t.Errorf("ExpiresAt = %v, want fractional seconds kept", got)
	}

	out, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var generic struct {
		MCPServers map[string]any   `json:"mcpServers"`
		Settings   []map[string]any `json:"settings"`
	}
	if err := json.Unmarshal(out, &generic); err != nil {
		t.Fatalf("re-decode error = %v", err)
	}
	if _, ok := generic.MCPServers["ragtag"]; !ok {
		t.Errorf("top-level key not preserved: %s", out)
	}
	if len(generic.Settings) != 2 || generic.Settings[1]["type"] != "ui" {
		t.Fatalf("settings entries not preserved: %s", out)
	}
	first := generic.Settings[0]
	editor, ok := first["editor"].(map[string]any)
	if !ok || editor["tabs"] != float64(4) {
		t.Errorf("unknown section not preserved: %v", first["editor"])
	}
	ragtag := first[SectionRagtag].(map[string]any)
	if ragtag["theme"] != "dark" {
		t.Errorf("ragtag.theme not preserved: %v", ragtag)
	}
	oauth := first[SectionOAuth].(map[string]any)
	if oauth["enabled"] != true {
		t.Errorf("oauth not written back into settings[0]: %v", oauth)
	}
	tokens := oauth["access_tokens"].(map[string]any)
	if exp := tokens["at"].(map[string]any)["expires_at"]; exp != 1700003600.75 {
		t.Errorf("expires_at = %v after round trip", exp)
	}
}

func TestDocument_Layouts(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		enabled bool
		wantErr bool
	}{
		{name: "empty object", input: `{}`},
		{name: "empty settings", input: `{"settings":[]}`},
		{name: "null settings", input: `{"settings":null}`},
		{name: "oauth in settings", input: `{"settings":[{"oauth":{"enabled":true}}]}`, enabled: true},
		{name: "top-level oauth is not read", input: `{"oauth":{"enabled":true}}`},
		{name: "settings not a list", input: `{"settings":{"oauth":{}}}`, wantErr: true},
		{name: "settings entry not an object", input: `{"settings":["x"]}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := NewDocument()
			err := json.Unmarshal([]byte(tt.input), doc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && doc.OAuth.Enabled != tt.enabled {
				t.Errorf("Enabled = %v, want %v", doc.OAuth.Enabled, tt.enabled)
			}
		})
	}
}

func TestDocument_NewDocumentLayout(t *testing.T) {
	out, err := json.Marshal(NewDocument())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.HasPrefix(string(out), `{"settings":[{"oauth":{"enabled":false`) {
		t.Errorf("Marshal() = %s", out)
	}
}

func TestDocument_AuthorizedUsers(t *testing.T) {
	doc := NewDocument()
	if err := json.Unmarshal([]byte(sharedDocument), doc); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	users, err := doc.AuthorizedUsers()
	if err != nil {
		t.Fatalf("AuthorizedUsers() error = %v", err)
	}
	if len(users) != 1 || users["alice"].APIKey != "k1" {
		t.Errorf("AuthorizedUsers() = %+v, want only alice", users)
	}

	if err := doc.SetAuthorizedUser("bob", AuthorizedUser{APIKeyHash: "$2a$10$x"}); err != nil {
		t.Fatalf("SetAuthorizedUser() error = %v", err)
	}
	users, _ = doc.AuthorizedUsers()
	if users["bob"].APIKeyHash != "$2a$10$x" || users["alice"].APIKey != "k1" {
		t.Errorf("AuthorizedUsers() after set = %+v", users)
	}

	raw, _ := doc.Section(SectionRagtag)
	if !strings.Contains(string(raw), `"theme":"dark"`) {
		t.Errorf("sibling key lost on SetAuthorizedUser: %s", raw)
	}
}

func TestDocument_Backends(t *testing.T) {
	doc := NewDocument()
	if err := json.Unmarshal([]byte(sharedDocument), doc); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	backends, err := doc.Backends()
	if err != nil {
		t.Fatalf("Backends() error = %v", err)
	}
	if len(backends) != 1 {
		t.Fatalf("Backends() = %+v, want one entry", backends)
	}
	files := backends["files"]
	if !files.Enabled || files.Command != "files-server" || len(files.Args) != 2 {
		t.Errorf("files backend = %+v", files)
	}

	if err := doc.SetBackend("echo", BackendConfig{Enabled: true, Command: "echo"}); err != nil {
		t.Fatalf("SetBackend() error = %v", err)
	}
	backends, _ = doc.Backends()
	if _, ok := backends["echo"]; !ok {
		t.Error("SetBackend() entry missing")
	}
}

func TestDocument_SetSectionRejectsOAuth(t *testing.T) {
	if err := NewDocument().SetSection(SectionOAuth, map[string]any{}); err == nil {
		t.Error("SetSection(oauth) should fail")
	}
}

func TestDocument_Clone(t *testing.T) {
	doc := NewDocument()
	doc.OAuth.Clients["c1"] = &Client{ClientID: "c1", RedirectURIs: []string{"http://x/cb"}}
	_ = doc.SetSection("editor", map[string]int{"tabs": 2})

	clone, err := doc.Clone()
	if err != nil {
		t.Fatalf("Clone() error = %v", err)
	}
	clone.OAuth.Clients["c1"].RedirectURIs[0] = "changed"

	if doc.OAuth.Clients["c1"].RedirectURIs[0] != "http://x/cb" {
		t.Error("Clone() shares client data")
	}
	if _, ok := clone.Section("editor"); !ok {
		t.Error("Clone() dropped preserved section")
	}
}

func TestExpiry(t *testing.T) {
	now := time.Unix(1000, 0)

	tests := []struct {
		name      string
		expiresAt UnixTime
		want      bool
	}{
		{name: "in the past", expiresAt: 999, want: true},
		{name: "fraction in the past", expiresAt: 999.5, want: true},
		{name: "exactly now", expiresAt: 1000, want: false},
		{name: "fraction in the future", expiresAt: 1000.25, want: false},
		{name: "in the future", expiresAt: 1001, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := &AuthorizationCode{ExpiresAt: tt.expiresAt}
			if got := code.Expired(now); got != tt.want {
				t.Errorf("code.Expired() = %v, want %v", got, tt.want)
			}
			tok := &AccessToken{ExpiresAt: tt.expiresAt}
			if got := tok.Expired(now); got != tt.want {
				t.Errorf("token.Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnixTime_Time(t *testing.T) {
	got := UnixTime(1700003600.75).Time()
	want := time.Unix(1700003600, 750_000_000)
	if !got.Equal(want) {
		t.Errorf("Time() = %v, want %v", got, want)
	}
	if NewUnixTime(want) != 1700003600 {
		t.Errorf("NewUnixTime() = %v, want whole seconds", NewUnixTime(want))
	}
}

func TestClient_Helpers(t *testing.T) {
	c := &Client{ClientID: "id", RedirectURIs: []string{"http://localhost:9/cb"}}
	if !c.HasRedirectURI("http://localhost:9/cb") {
		t.Error("exact redirect not matched")
	}
	if c.HasRedirectURI("http://localhost:9/cb/") {
		t.Error("redirect match must be exact")
	}
	if c.DisplayName() != "id" {
		t.Errorf("DisplayName() = %q, want client id fallback", c.DisplayName())
	}
}
