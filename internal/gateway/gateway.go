// Package gateway is the main orchestrator that ties all components together.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentgate-dev/agentgate/internal/api"
	"github.com/agentgate-dev/agentgate/internal/auth"
	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/importer"
	"github.com/agentgate-dev/agentgate/internal/session"
	"github.com/agentgate-dev/agentgate/internal/store"
	"github.com/agentgate-dev/agentgate/internal/ws"
)

// Gateway is the main gateway process.
type Gateway struct {
	cfg      *config.Config
	store    store.Store
	auth     *auth.Service
	registry *session.Registry
	importer *importer.Importer
	api      *api.Server
	logger   *slog.Logger
}

// New creates a gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authSvc := auth.NewService(db, cfg.Auth)
	if err := authSvc.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	projectsDir, err := cfg.ProjectsDir()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	registry := session.NewRegistry()
	imp := importer.New(db, projectsDir, logger)

	chatCfg := session.ChatConfig{
		AgentCommand: cfg.Agent.Command,
		ProjectsDir:  projectsDir,
		ExtraEnv:     cfg.Agent.Env,
		TurnTimeout:  cfg.Session.TurnTimeout.Duration,
		KillGrace:    cfg.Session.KillGrace.Duration,
	}
	wsRouter := ws.New(authSvc, db, registry, chatCfg, ws.Config{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Session.MaxMessageBytes,
	}, logger)

	apiSrv := api.NewServer(db, authSvc, imp, wsRouter, projectsDir, cfg, logger)

	g := &Gateway{
		cfg:      cfg,
		store:    db,
		auth:     authSvc,
		registry: registry,
		importer: imp,
		api:      apiSrv,
		logger:   logger.With("component", "gateway"),
	}

	// Startup validation warnings.
	if cfg.Auth.InitialAdmin != nil &&
		cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
		logger.Warn("default admin credentials detected (admin/admin), change immediately in production")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return g, nil
}

// Run starts the gateway HTTP server and blocks until the context is
// canceled. On cancellation it drains the registry: in-flight turns are
// canceled, PTYs killed, temp dirs removed, then the store is closed.
func (g *Gateway) Run(ctx context.Context) error {
	// Initial catalog sync against the agent's on-disk tree.
	if report, err := g.importer.SyncAll(ctx, ""); err != nil {
		g.logger.Warn("initial project sync failed", "error", err)
	} else {
		g.logger.Info("initial project sync",
			"projects", report.ProjectsImported, "sessions", report.SessionsImported)
	}

	srv := &http.Server{
		Addr:              g.cfg.Server.Addr(),
		Handler:           g.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", g.cfg.Server.Addr())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("shutting down gateway gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}

		g.logger.Info("draining live sessions", "count", g.registry.Len())
		g.registry.Drain()

		g.logger.Info("closing store")
		_ = g.store.Close()
		g.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		g.registry.Drain()
		_ = g.store.Close()
		return err
	}
}
