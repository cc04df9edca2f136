package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ragtag/mcplink/instrumentation"
	"github.com/ragtag/mcplink/storage"
)

func TestStore_LoadEmpty(t *testing.T) {
	s := New()

	doc, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if doc.OAuth.Enabled {
		t.Error("new store must have OAuth disabled")
	}
	if doc.OAuth.Clients == nil || doc.OAuth.AccessTokens == nil {
		t.Error("maps must be initialized")
	}
}

func TestStore_LoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()

	doc, _ := s.Load(ctx)
	doc.OAuth.Clients["c1"] = &storage.Client{ClientID: "c1"}

	again, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := again.OAuth.Clients["c1"]; ok {
		t.Error("mutation without Save leaked into the store")
	}
}

func TestStore_SaveBumpsRevision(t *testing.T) {
	ctx := context.Background()
	s := New()

	doc, _ := s.Load(ctx)
	doc.OAuth.Enabled = true
	if err := s.Save(ctx, doc); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if doc.OAuth.Revision != 1 {
		t.Errorf("Revision = %d, want 1", doc.OAuth.Revision)
	}

	loaded, _ := s.Load(ctx)
	if !loaded.OAuth.Enabled || loaded.OAuth.Revision != 1 {
		t.Errorf("loaded = %+v, want enabled at revision 1", loaded.OAuth)
	}
}

func TestStore_SaveIfRevision(t *testing.T) {
	ctx := context.Background()
	s := New()

	first, _ := s.Load(ctx)
	second, _ := s.Load(ctx)
	base := first.OAuth.Revision

	first.OAuth.Clients["a"] = &storage.Client{ClientID: "a"}
	if err := s.SaveIfRevision(ctx, first, base); err != nil {
		t.Fatalf("SaveIfRevision() error = %v", err)
	}

	second.OAuth.Clients["b"] = &storage.Client{ClientID: "b"}
	err := s.SaveIfRevision(ctx, second, base)
	if !errors.Is(err, storage.ErrRevisionConflict) {
		t.Fatalf("SaveIfRevision() error = %v, want ErrRevisionConflict", err)
	}

	loaded, _ := s.Load(ctx)
	if _, ok := loaded.OAuth.Clients["b"]; ok {
		t.Error("conflicting save was applied")
	}
}

func TestStore_UpdateUnderContention(t *testing.T) {
	ctx := context.Background()
	s := New()

	const workers = 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := storage.Update(ctx, s, func(doc *storage.Document) (bool, error) {
				id := string(rune('a' + n))
				doc.OAuth.Clients[id] = &storage.Client{ClientID: id}
				return true, nil
			})
			if err != nil {
				t.Errorf("Update() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	doc, _ := s.Load(ctx)
	if got := len(doc.OAuth.Clients); got != workers {
		t.Errorf("clients = %d, want %d (lost update)", got, workers)
	}
}

func TestStore_SetInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	s := New()
	if err := s.SetInstrumentation(inst); err != nil {
		t.Fatalf("SetInstrumentation() error = %v", err)
	}

	ctx := context.Background()
	doc, _ := s.Load(ctx)
	doc.OAuth.AccessTokens["t"] = &storage.AccessToken{ClientID: "c"}
	if err := s.Save(ctx, doc); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if got := s.accessTokensCount.Load(); got != 1 {
		t.Errorf("accessTokensCount = %d, want 1", got)
	}
}
