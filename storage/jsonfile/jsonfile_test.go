package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ragtag/mcplink/storage"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return New(filepath.Join(t.TempDir(), "config.json"), opts)
}

func TestStore_LoadMissingFile(t *testing.T) {
	s := newTestStore(t, Options{})

	doc, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if doc.OAuth.Enabled {
		t.Error("missing document must load with OAuth disabled")
	}
}

func TestStore_LoadEmptyFile(t *testing.T) {
	s := newTestStore(t, Options{})
	if err := os.WriteFile(s.Path(), []byte("  \n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestStore_LoadCorruptFile(t *testing.T) {
	s := newTestStore(t, Options{})
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Load(context.Background()); err == nil {
		t.Error("Load() of corrupt document should fail")
	}
}

func TestStore_LoadSharedLayout(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	const shared = `{
  "mcpServers": {"ragtag": {"url": "http://localhost:8750/mcp"}},
  "settings": [
    {
      "oauth": {"enabled": true, "clients": {"c1": {"client_id": "c1", "redirect_uris": ["http://localhost/cb"]}}},
      "ragtag": {"authorized_users": {"alice": {"api_key": "k1"}}},
      "local_mcpServers": {"files": {"enabled": true, "command": "files-server"}}
    },
    {"type": "ui"}
  ]
}`
	if err := os.WriteFile(s.Path(), []byte(shared), 0o600); err != nil {
		t.Fatal(err)
	}

	doc, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	users, err := doc.AuthorizedUsers()
	if err != nil {
		t.Fatalf("AuthorizedUsers() error = %v", err)
	}
	backends, err := doc.Backends()
	if err != nil {
		t.Fatalf("Backends() error = %v", err)
	}
	if !doc.OAuth.Enabled || len(doc.OAuth.Clients) != 1 || len(users) != 1 || len(backends) != 1 {
		t.Fatalf("enabled=%v clients=%d users=%d backends=%d", doc.OAuth.Enabled, len(doc.OAuth.Clients), len(users), len(backends))
	}

	if err := s.Save(ctx, doc); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	var onDisk struct {
		MCPServers map[string]json.RawMessage   `json:"mcpServers"`
		Settings   []map[string]json.RawMessage `json:"settings"`
	}
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("decode saved document: %v", err)
	}
	if len(onDisk.MCPServers) != 1 || len(onDisk.Settings) != 2 {
		t.Fatalf("saved layout changed: %s", raw)
	}
	for _, key := range []string{storage.SectionOAuth, storage.SectionRagtag, storage.SectionBackends} {
		if _, ok := onDisk.Settings[0][key]; !ok {
			t.Errorf("settings[0].%s missing after save", key)
		}
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	doc := storage.NewDocument()
	doc.OAuth.Enabled = true
	doc.OAuth.Clients["c1"] = &storage.Client{ClientID: "c1", RedirectURIs: []string{"http://localhost/cb"}}
	if err := doc.SetSection("editor", map[string]int{"tabs": 4}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, doc); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !loaded.OAuth.Enabled || loaded.OAuth.Clients["c1"] == nil {
		t.Errorf("loaded OAuth = %+v", loaded.OAuth)
	}
	if loaded.OAuth.Revision != 1 {
		t.Errorf("Revision = %d, want 1", loaded.OAuth.Revision)
	}
	if _, ok := loaded.Section("editor"); !ok {
		t.Error("preserved section lost")
	}

	// No temp files are left behind
	entries, _ := os.ReadDir(filepath.Dir(s.Path()))
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the document", len(entries))
	}
}

func TestStore_SaveIfRevision(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	a, _ := s.Load(ctx)
	b, _ := s.Load(ctx)

	if err := s.SaveIfRevision(ctx, a, 0); err != nil {
		t.Fatalf("SaveIfRevision() error = %v", err)
	}
	if err := s.SaveIfRevision(ctx, b, 0); !errors.Is(err, storage.ErrRevisionConflict) {
		t.Fatalf("SaveIfRevision() error = %v, want ErrRevisionConflict", err)
	}
}

func TestStore_WithLockSerializes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := storage.Update(ctx, s, func(doc *storage.Document) (bool, error) {
				id := "c" + strconv.Itoa(n)
				doc.OAuth.Clients[id] = &storage.Client{ClientID: id}
				return true, nil
			})
			if err != nil {
				t.Errorf("Update() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	doc, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := len(doc.OAuth.Clients); got != workers {
		t.Errorf("clients = %d, want %d", got, workers)
	}
	if _, err := os.Stat(s.lockPath); !os.IsNotExist(err) {
		t.Error("lock file left behind")
	}
}

func TestStore_LockFileHeldDuringCriticalSection(t *testing.T) {
	s := newTestStore(t, Options{})

	err := s.WithLock(context.Background(), func(ctx context.Context) error {
		b, err := os.ReadFile(s.lockPath)
		if err != nil {
			return err
		}
		info, err := parseLockInfo(b)
		if err != nil {
			return err
		}
		if info.PID != os.Getpid() {
			t.Errorf("lock pid = %d, want %d", info.PID, os.Getpid())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock() error = %v", err)
	}
}

func TestStore_BreaksStaleLock(t *testing.T) {
	s := newTestStore(t, Options{StaleAfter: time.Second, LockTimeout: 3 * time.Second})

	old := lockInfo{PID: os.Getpid(), Created: time.Now().Add(-time.Hour)}
	if err := os.WriteFile(s.lockPath, []byte(old.String()), 0o600); err != nil {
		t.Fatal(err)
	}

	ran := false
	err := s.WithLock(context.Background(), func(ctx context.Context) error {
		ran = true
		b, err := os.ReadFile(s.lockPath)
		if err != nil {
			return err
		}
		info, err := parseLockInfo(b)
		if err != nil {
			return err
		}
		if time.Since(info.Created) > time.Minute {
			t.Error("stale lock was not replaced")
		}
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("WithLock() error = %v, ran = %v", err, ran)
	}
}

func TestStore_BreaksCorruptLock(t *testing.T) {
	s := newTestStore(t, Options{LockTimeout: 3 * time.Second})
	if err := os.WriteFile(s.lockPath, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := s.WithLock(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("WithLock() error = %v", err)
	}
	if _, err := os.Stat(s.lockPath); !os.IsNotExist(err) {
		t.Error("lock file left behind")
	}
}

func TestStore_ProceedsWithoutLockOnTimeout(t *testing.T) {
	s := newTestStore(t, Options{LockTimeout: 200 * time.Millisecond, StaleAfter: time.Hour})

	// A fresh lock held by this (live) process is never considered stale
	held := lockInfo{PID: os.Getpid(), Created: time.Now()}
	if err := os.WriteFile(s.lockPath, []byte(held.String()), 0o600); err != nil {
		t.Fatal(err)
	}

	ran := false
	err := s.WithLock(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock() error = %v", err)
	}
	if !ran {
		t.Error("critical section did not run after lock timeout")
	}
	if _, err := os.Stat(s.lockPath); err != nil {
		t.Error("foreign lock file must not be removed on fallback")
	}
}

func TestStore_WithLockHonoursContext(t *testing.T) {
	s := newTestStore(t, Options{LockTimeout: 5 * time.Second, StaleAfter: time.Hour})
	held := lockInfo{PID: os.Getpid(), Created: time.Now()}
	if err := os.WriteFile(s.lockPath, []byte(held.String()), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := s.WithLock(ctx, func(ctx context.Context) error {
		t.Error("critical section ran with a cancelled context")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WithLock() error = %v, want DeadlineExceeded", err)
	}
}

func TestLockInfo_RoundTrip(t *testing.T) {
	in := lockInfo{PID: 4242, Created: time.Unix(1700000000, 500000000)}
	out, err := parseLockInfo([]byte(in.String()))
	if err != nil {
		t.Fatalf("parseLockInfo() error = %v", err)
	}
	if out.PID != in.PID || out.Created.Sub(in.Created).Abs() > time.Millisecond {
		t.Errorf("parseLockInfo() = %+v, want %+v", out, in)
	}

	for _, bad := range []string{"", "123", "abc\n1.0", "1\nxyz"} {
		if _, err := parseLockInfo([]byte(bad)); err == nil {
			t.Errorf("parseLockInfo(%q) should fail", bad)
		}
	}
}

func TestStore_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestStore(t, Options{})
	if err := s.Save(ctx, storage.NewDocument()); err != nil {
		t.Fatal(err)
	}

	changed := make(chan struct{}, 4)
	if err := s.Watch(ctx, func() { changed <- struct{}{} }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	// Our own save must not notify
	if err := s.Save(ctx, storage.NewDocument()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-changed:
		t.Fatal("own write triggered a change notification")
	case <-time.After(DefaultDebounceInterval + 300*time.Millisecond):
	}

	// An external edit must notify
	if err := os.WriteFile(s.Path(), []byte(`{"settings":[{"oauth":{"enabled":true}}]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("external write not reported")
	}
}
