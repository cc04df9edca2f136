// Package jsonfile implements storage.Store on top of a single JSON file.
//
// Concurrent writers (goroutines of this process and other processes sharing
// the file) are serialized with an advisory lock file created next to the
// document. Writes go to a temporary file which is renamed over the document,
// so readers never observe a partially written file.
package jsonfile

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ragtag/mcplink/instrumentation"
	"github.com/ragtag/mcplink/storage"
)

const (
	// DefaultLockTimeout bounds how long WithLock waits for the lock file.
	DefaultLockTimeout = 5 * time.Second

	// DefaultStaleAfter is the age after which a lock file is force-released.
	DefaultStaleAfter = 30 * time.Second

	defaultFileMode = 0o600
	lockSuffix      = ".lock"
)

// Options configures a Store.
type Options struct {
	// LockTimeout bounds lock acquisition. On timeout the critical section
	// runs without the file lock (the in-process mutex is still held).
	// Default: 5s
	LockTimeout time.Duration

	// StaleAfter is the lock age after which the lock is considered abandoned.
	// Default: 30s
	StaleAfter time.Duration

	// FileMode is used for the document and its lock file.
	// Default: 0600
	FileMode os.FileMode

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Store is a file-backed storage.Store.
type Store struct {
	path     string
	lockPath string
	opts     Options
	logger   *slog.Logger

	// mu serializes WithLock callers inside this process
	mu sync.Mutex

	digestMu  sync.Mutex
	lastWrite [sha256.Size]byte

	tracer trace.Tracer
}

// Compile-time interface checks
var (
	_ storage.Store            = (*Store)(nil)
	_ storage.ConditionalSaver = (*Store)(nil)
)

// New creates a store for the document at path. The file does not need to
// exist yet.
func New(path string, opts Options) *Store {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.FileMode == 0 {
		opts.FileMode = defaultFileMode
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store{
		path:     path,
		lockPath: path + lockSuffix,
		opts:     opts,
		logger:   opts.Logger.With("document", path),
	}
	if opts.Instrumentation != nil {
		s.tracer = opts.Instrumentation.Tracer("storage")
	}
	return s
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// Load reads and decodes the document. A missing or empty file yields an empty
// document with OAuth disabled.
func (s *Store) Load(ctx context.Context) (*storage.Document, error) {
	start := time.Now()
	_, span := s.startSpan(ctx, "load")
	defer span.End()

	doc, err := s.read()
	s.record("load", err, start)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	return doc, nil
}

// Save writes doc atomically and bumps its revision.
func (s *Store) Save(ctx context.Context, doc *storage.Document) error {
	start := time.Now()
	_, span := s.startSpan(ctx, "save")
	defer span.End()

	err := s.write(doc)
	s.record("save", err, start)
	instrumentation.RecordError(span, err)
	return err
}

// SaveIfRevision writes doc only if the file still carries the expected
// revision. Callers must hold the lock for the check to be meaningful.
func (s *Store) SaveIfRevision(ctx context.Context, doc *storage.Document, expected int64) error {
	start := time.Now()
	_, span := s.startSpan(ctx, "save_if_revision")
	defer span.End()

	current, err := s.read()
	if err != nil {
		s.record("save_if_revision", err, start)
		instrumentation.RecordError(span, err)
		return err
	}
	if current.OAuth.Revision != expected {
		s.record("save_if_revision", storage.ErrRevisionConflict, start)
		instrumentation.SetSpanError(span, "revision conflict")
		return storage.ErrRevisionConflict
	}

	err = s.write(doc)
	s.record("save_if_revision", err, start)
	instrumentation.RecordError(span, err)
	return err
}

// WithLock runs fn while holding the in-process mutex and the lock file.
// If the lock file cannot be acquired within LockTimeout, fn still runs and
// the fallback is logged; this mirrors the behaviour of the other programs
// that share the document.
func (s *Store) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acquire(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.logger.Warn("Proceeding without document lock", "lock", s.lockPath, "timeout", s.opts.LockTimeout, "error", err)
		if s.opts.Instrumentation != nil {
			s.opts.Instrumentation.Metrics().RecordLockFallback(ctx)
		}
		return fn(ctx)
	}
	defer s.release()

	return fn(ctx)
}

func (s *Store) read() (*storage.Document, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return storage.NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return storage.NewDocument(), nil
	}

	doc := storage.NewDocument()
	if err := json.Unmarshal(b, doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *Store) write(doc *storage.Document) error {
	doc.OAuth.Revision++
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		doc.OAuth.Revision--
		return fmt.Errorf("encode document: %w", err)
	}

	if err := writeFileAtomic(s.path, b, s.opts.FileMode); err != nil {
		doc.OAuth.Revision--
		return err
	}

	s.digestMu.Lock()
	s.lastWrite = sha256.Sum256(b)
	s.digestMu.Unlock()
	return nil
}

// writeFileAtomic writes data to a temporary file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte, mode os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create document directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace document: %w", err)
	}
	return nil
}

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	ctx, span := s.tracer.Start(ctx, "storage.jsonfile."+operation)
	span.SetAttributes(
		attribute.String(instrumentation.AttrStorageOperation, operation),
		attribute.String(instrumentation.AttrStorageType, "jsonfile"),
	)
	return ctx, span
}

func (s *Store) record(operation string, err error, start time.Time) {
	if s.opts.Instrumentation == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.opts.Instrumentation.Metrics().RecordStorageOperation(context.Background(), operation, result,
		float64(time.Since(start).Microseconds())/1000)
}
