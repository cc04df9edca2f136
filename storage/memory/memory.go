// Package memory provides an in-memory implementation of storage.Store.
// It is suitable for tests and for embedding the authorization engine in a
// process that does not need the document to outlive it.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ragtag/mcplink/instrumentation"
	"github.com/ragtag/mcplink/storage"
)

// Store keeps the document as an encoded snapshot, so every Load hands out an
// independent copy and callers cannot mutate shared state without Save.
type Store struct {
	lock sync.Mutex   // WithLock critical sections
	mu   sync.RWMutex // snapshot access

	snapshot []byte
	revision int64

	// counters for the storage size gauges
	clientsCount       atomic.Int64
	codesCount         atomic.Int64
	accessTokensCount  atomic.Int64
	refreshTokensCount atomic.Int64

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.Store            = (*Store)(nil)
	_ storage.ConditionalSaver = (*Store)(nil)
)

// New creates an empty store with OAuth disabled.
func New() *Store {
	s, _ := NewWithDocument(storage.NewDocument())
	return s
}

// NewWithDocument creates a store seeded with doc.
func NewWithDocument(doc *storage.Document) (*Store, error) {
	s := &Store{logger: slog.Default()}
	if err := s.put(doc); err != nil {
		return nil, err
	}
	s.revision = doc.OAuth.Revision
	return s, nil
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) error {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.mu.Unlock()

	if inst == nil {
		return nil
	}
	return inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.clientsCount.Load() },
		func() int64 { return s.codesCount.Load() },
		func() int64 { return s.accessTokensCount.Load() },
		func() int64 { return s.refreshTokensCount.Load() },
	)
}

// Load returns a copy of the stored document.
func (s *Store) Load(ctx context.Context) (*storage.Document, error) {
	_, span := s.startSpan(ctx, "load")
	defer s.endSpan(span)

	s.mu.RLock()
	snapshot := s.snapshot
	s.mu.RUnlock()

	doc := storage.NewDocument()
	if err := doc.UnmarshalJSON(snapshot); err != nil {
		instrumentation.RecordError(span.span, err)
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// Save replaces the stored document and bumps its revision.
func (s *Store) Save(ctx context.Context, doc *storage.Document) error {
	_, span := s.startSpan(ctx, "save")
	defer s.endSpan(span)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(doc)
}

// SaveIfRevision saves doc only if nothing else saved since it was loaded.
func (s *Store) SaveIfRevision(ctx context.Context, doc *storage.Document, expected int64) error {
	_, span := s.startSpan(ctx, "save_if_revision")
	defer s.endSpan(span)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revision != expected {
		instrumentation.SetSpanError(span.span, "revision conflict")
		return storage.ErrRevisionConflict
	}
	return s.saveLocked(doc)
}

// WithLock serializes fn against every other WithLock caller.
func (s *Store) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return fn(ctx)
}

func (s *Store) saveLocked(doc *storage.Document) error {
	doc.OAuth.Revision = s.revision + 1
	if err := s.putLocked(doc); err != nil {
		doc.OAuth.Revision = s.revision
		return err
	}
	s.revision = doc.OAuth.Revision
	return nil
}

func (s *Store) put(doc *storage.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(doc)
}

func (s *Store) putLocked(doc *storage.Document) error {
	b, err := doc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	s.snapshot = b

	s.clientsCount.Store(int64(len(doc.OAuth.Clients)))
	s.codesCount.Store(int64(len(doc.OAuth.AuthorizationCodes)))
	s.accessTokensCount.Store(int64(len(doc.OAuth.AccessTokens)))
	s.refreshTokensCount.Store(int64(len(doc.OAuth.RefreshTokens)))
	return nil
}

type opSpan struct {
	span      trace.Span
	operation string
	start     time.Time
}

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, *opSpan) {
	op := &opSpan{operation: operation, start: time.Now()}
	if s.tracer != nil {
		ctx, op.span = s.tracer.Start(ctx, "storage.memory."+operation)
		op.span.SetAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		)
	}
	return ctx, op
}

func (s *Store) endSpan(op *opSpan) {
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordStorageOperation(context.Background(), op.operation, "ok",
			float64(time.Since(op.start).Microseconds())/1000)
	}
	if op.span != nil {
		op.span.End()
	}
}
