package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ragtag/mcplink/instrumentation"
	"github.com/ragtag/mcplink/security"
	"github.com/ragtag/mcplink/storage"
)

// tokenBytes is the entropy of every client id, code and token.
const tokenBytes = 32

// Server implements the authorization engine over a storage.Store.
type Server struct {
	store   storage.Store
	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	metrics         *instrumentation.Metrics

	redeemed *redeemedCodes

	// now is overridden in tests
	now func() time.Time
}

// New creates a new authorization engine
func New(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)

	if config.RefreshPolicy == RefreshVersionChecked {
		if _, ok := store.(storage.ConditionalSaver); !ok {
			return nil, fmt.Errorf("refresh policy %q requires a store with conditional saves", config.RefreshPolicy)
		}
	}

	return &Server{
		store:    store,
		Config:   config,
		Logger:   logger,
		redeemed: newRedeemedCodes(),
		now:      time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation sets OpenTelemetry instrumentation for the engine
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
		s.metrics = inst.Metrics()
	}
}

// Store returns the underlying credential store.
func (s *Server) Store() storage.Store {
	return s.store
}

// Enabled reports the document's OAuth gate.
func (s *Server) Enabled(ctx context.Context) (bool, error) {
	doc, err := s.store.Load(ctx)
	if err != nil {
		return false, err
	}
	return doc.OAuth.Enabled, nil
}

// SetEnabled flips the OAuth gate.
func (s *Server) SetEnabled(ctx context.Context, enabled bool) error {
	return storage.Update(ctx, s.store, func(doc *storage.Document) (bool, error) {
		if doc.OAuth.Enabled == enabled {
			return false, nil
		}
		doc.OAuth.Enabled = enabled
		return true, nil
	})
}

func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	return s.tracer.Start(ctx, name)
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
}
