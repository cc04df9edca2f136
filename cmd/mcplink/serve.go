package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	oauth "github.com/ragtag/mcplink"
	"github.com/ragtag/mcplink/auth"
	"github.com/ragtag/mcplink/bridge"
	"github.com/ragtag/mcplink/instrumentation"
	"github.com/ragtag/mcplink/internal/config"
	"github.com/ragtag/mcplink/security"
	"github.com/ragtag/mcplink/server"
	"github.com/ragtag/mcplink/storage/jsonfile"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server and the tool bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func newInstrumentation(cfg config.Config) (*instrumentation.Instrumentation, error) {
	return instrumentation.New(instrumentation.Config{
		ServiceName:    "mcplink",
		ServiceVersion: version,
		Enabled:        cfg.Instrumentation.Enabled,
	})
}

func newRegistry(cfg config.Config, store *jsonfile.Store, logger *slog.Logger, inst *instrumentation.Instrumentation) *bridge.Registry {
	return bridge.NewRegistry(bridge.DocumentSource{Store: store}, logger, bridge.Options{
		ToolPrefix:      cfg.Bridge.ToolPrefix,
		UnlockToken:     cfg.Bridge.UnlockToken,
		CallTimeout:     cfg.Bridge.CallTimeout,
		Instrumentation: inst,
	})
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	inst, err := newInstrumentation(cfg)
	if err != nil {
		return fmt.Errorf("set up instrumentation: %w", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	store := jsonfile.New(cfg.Document, jsonfile.Options{Logger: logger, Instrumentation: inst})

	handler, err := oauth.New(store, &oauth.Config{
		Engine: server.Config{Issuer: cfg.Issuer},
		RateLimit: oauth.RateLimitConfig{
			RegistrationPerMinute: cfg.RateLimit.RegisterPerMinute,
		},
		EnableAuditLogging: true,
		Logger:             logger,
		Instrumentation:    inst,
	})
	if err != nil {
		return err
	}
	defer handler.Close()

	sweeper, err := handler.Engine().StartSweeper(ctx, cfg.SweepInterval)
	if err != nil {
		return err
	}
	defer func() { _ = sweeper.Stop() }()

	validator := auth.NewValidator(store, logger)
	validator.SetAuditor(security.NewAuditor(logger, true))
	if n := cfg.RateLimit.AuthFailuresPerMinute; n > 0 {
		failures := security.NewRateLimiter(security.RateLimitConfig{
			Name:            "auth_failure",
			PerMinute:       n,
			Logger:          logger,
			Instrumentation: inst,
		})
		defer failures.Stop()
		validator.SetFailureLimiter(failures)
	}
	err = store.Watch(ctx, func() {
		if err := validator.ReloadUsers(ctx); err != nil {
			logger.Warn("Failed to reload authorized users", "error", err)
		}
	})
	if err != nil {
		logger.Warn("Document watch disabled; API key changes need a restart", "error", err)
	}

	registry := newRegistry(cfg, store, logger, inst)
	defer func() { _ = registry.Close() }()

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("GET /healthz", healthHandler)
	authenticated := auth.Middleware(validator, logger)
	mux.Handle("GET /tools", authenticated(toolsHandler(registry)))
	mux.Handle("POST /tools/call", authenticated(callHandler(registry, logger)))

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", cfg.Listen, "issuer", cfg.Issuer, "document", cfg.Document)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// toolsHandler lists the exposed tools and the unified per-server view.
func toolsHandler(registry *bridge.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"tools":   registry.Tools(r.Context()),
			"servers": registry.Servers(r.Context()),
		})
	})
}

type callRequest struct {
	// Tool is an exposed tool name, or empty when Server is set.
	Tool string `json:"tool"`

	// Server selects the unified per-server tool; Arguments then carry the
	// operation.
	Server string `json:"server"`

	Arguments map[string]any `json:"arguments"`
}

func callHandler(registry *bridge.Registry, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req callRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		principal, _ := auth.PrincipalFromContext(r.Context())
		logger.Info("Tool call", "principal", principal.Name, "method", principal.Method, "tool", req.Tool, "server", req.Server)

		var result bridge.ToolResult
		switch {
		case req.Server != "":
			result = registry.HandleOperation(r.Context(), req.Server, req.Arguments)
		case req.Tool != "":
			result = registry.Call(r.Context(), req.Tool, req.Arguments)
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tool or server is required"})
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
