package oauth

import (
	"fmt"

	"github.com/ragtag/mcplink/security"
	"github.com/ragtag/mcplink/server"
	"github.com/ragtag/mcplink/storage"
)

// New builds the authorization engine over store together with its HTTP
// handler, audit log and rate limiters.
func New(store storage.Store, cfg *Config) (*Handler, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.applyDefaults()

	engineCfg := cfg.Engine
	srv, err := server.New(store, &engineCfg, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("create authorization engine: %w", err)
	}

	auditor := security.NewAuditor(cfg.Logger, cfg.EnableAuditLogging)
	if cfg.Instrumentation != nil {
		srv.SetInstrumentation(cfg.Instrumentation)
		auditor.SetInstrumentation(cfg.Instrumentation)
	}
	srv.SetAuditor(auditor)

	return NewHandler(srv, cfg), nil
}

// Engine returns the authorization engine behind the handler.
func (h *Handler) Engine() *server.Server {
	return h.server
}

// Close stops the rate limiter cleanup loops.
func (h *Handler) Close() {
	h.registerLimiter.Stop()
	h.tokenLimiter.Stop()
}
