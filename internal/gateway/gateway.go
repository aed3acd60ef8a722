// ABOUTME: Gateway wires store, hub, orchestrator, and coordinator into an HTTP server
// ABOUTME: Owns component lifecycle: construction, serving, and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cyberiad/cyberiad/internal/agents"
	"github.com/cyberiad/cyberiad/internal/auth"
	"github.com/cyberiad/cyberiad/internal/config"
	"github.com/cyberiad/cyberiad/internal/dedupe"
	"github.com/cyberiad/cyberiad/internal/hub"
	"github.com/cyberiad/cyberiad/internal/orchestrator"
	"github.com/cyberiad/cyberiad/internal/session"
	"github.com/cyberiad/cyberiad/internal/store"
)

// Gateway is the composed service: one store, one hub, one orchestrator, one
// coordinator, all torn down together.
type Gateway struct {
	config       *config.Config
	store        *store.SQLiteStore
	hub          *hub.Hub
	orchestrator *orchestrator.Orchestrator
	coordinator  *session.Coordinator
	registry     *agents.Registry
	verifier     *auth.JWTVerifier
	dedupe       *dedupe.Cache
	httpServer   *http.Server
	logger       *slog.Logger
}

// errGenerator stands in when no model provider is configured. Agent runs
// fail at invocation and post nothing; the human message flow is unaffected.
type errGenerator struct{}

func (errGenerator) Generate(context.Context, *agents.Request) (*agents.Response, error) {
	return nil, errors.New("no agent provider configured")
}

// New builds a gateway from configuration. The returned gateway owns every
// component and releases them in Shutdown.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	registry := agents.NewRegistry()
	if cfg.Agents.RolesPath != "" {
		if err := registry.LoadFile(cfg.Agents.RolesPath); err != nil {
			sqlStore.Close()
			return nil, fmt.Errorf("loading agent roles: %w", err)
		}
	}

	var gen agents.Generator
	if cfg.Agents.APIKey != "" {
		gen, err = agents.NewOpenAIGenerator(agents.OpenAIOptions{
			APIKey:  cfg.Agents.APIKey,
			BaseURL: cfg.Agents.BaseURL,
			Model:   cfg.Agents.Model,
		}, logger)
		if err != nil {
			sqlStore.Close()
			return nil, fmt.Errorf("creating generator: %w", err)
		}
	} else {
		gen = errGenerator{}
		logger.Warn("no agents.api_key configured, agent responses disabled")
	}

	liveHub := hub.New(sqlStore, hub.Options{
		SendTimeout: cfg.Hub.SendTimeout,
		SendRetries: cfg.Hub.SendRetries,
		BufferSize:  cfg.Hub.BufferSize,
	}, logger)

	orch := orchestrator.New(sqlStore, registry, gen, orchestrator.Options{
		MaxConcurrent: cfg.Agents.MaxConcurrent,
		InvokeTimeout: cfg.Agents.InvokeTimeout,
		ContextWindow: cfg.Agents.ContextWindow,
	}, logger)

	dedupeCache := dedupe.New(5*time.Minute, 100_000)

	coord := session.New(sqlStore, liveHub, orch, dedupeCache, logger)
	orch.SetPoster(coord)

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	g := &Gateway{
		config:       cfg,
		store:        sqlStore,
		hub:          liveHub,
		orchestrator: orch,
		coordinator:  coord,
		registry:     registry,
		verifier:     verifier,
		dedupe:       dedupeCache,
		logger:       logger.With("component", "gateway"),
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// routes assembles the HTTP mux. Health endpoints are unauthenticated;
// everything under /api requires a valid token.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	authed := auth.HTTPAuthMiddleware(g.store, g.verifier)

	mux.Handle("POST /api/threads", authed(http.HandlerFunc(g.handleCreateThread)))
	mux.Handle("GET /api/threads/{id}", authed(http.HandlerFunc(g.handleGetThread)))
	mux.Handle("POST /api/threads/{id}/status", authed(http.HandlerFunc(g.handleUpdateThreadStatus)))
	mux.Handle("POST /api/threads/{id}/participants", authed(http.HandlerFunc(g.handleAddParticipant)))
	mux.Handle("POST /api/threads/{id}/agents", authed(http.HandlerFunc(g.handleBindAgent)))
	mux.Handle("DELETE /api/threads/{id}/agents/{type}", authed(http.HandlerFunc(g.handleUnbindAgent)))

	mux.Handle("POST /api/threads/{id}/messages", authed(http.HandlerFunc(g.handlePostMessage)))
	mux.Handle("GET /api/threads/{id}/messages", authed(http.HandlerFunc(g.handleListMessages)))
	mux.Handle("PATCH /api/threads/{id}/messages/{msg}", authed(http.HandlerFunc(g.handleEditMessage)))
	mux.Handle("DELETE /api/threads/{id}/messages/{msg}", authed(http.HandlerFunc(g.handleDeleteMessage)))
	mux.Handle("POST /api/threads/{id}/read", authed(http.HandlerFunc(g.handleMarkRead)))

	mux.Handle("GET /api/threads/{id}/ws", authed(http.HandlerFunc(g.handleWebSocket)))

	mux.Handle("GET /api/agents/roles", authed(http.HandlerFunc(g.handleListRoles)))

	admin := auth.RequireAdminHTTP()
	mux.Handle("POST /api/users", authed(admin(http.HandlerFunc(g.handleCreateUser))))

	return mux
}

// Start serves HTTP until the context is canceled, then shuts down.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	g.logger.Info("gateway listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return g.Shutdown()
	}
}

// Shutdown drains connections and releases every component in dependency
// order: no new triggers, no new sessions, then the store.
func (g *Gateway) Shutdown() error {
	g.logger.Info("gateway shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.httpServer.Shutdown(ctx); err != nil {
		g.logger.Warn("http shutdown", "error", err)
	}

	g.orchestrator.Close()
	g.hub.Close()
	g.dedupe.Close()

	if err := g.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	g.logger.Info("gateway stopped")
	return nil
}
