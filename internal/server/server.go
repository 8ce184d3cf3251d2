// ABOUTME: Assembles the sightglass server: registry, relay, pool, bridge, and HTTP surface.
// ABOUTME: One Server instance owns all state; nothing is process-global.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sightglass-dev/sightglass/internal/agentproc"
	"github.com/sightglass-dev/sightglass/internal/auth"
	"github.com/sightglass-dev/sightglass/internal/bridge"
	"github.com/sightglass-dev/sightglass/internal/catalog"
	"github.com/sightglass-dev/sightglass/internal/channel"
	"github.com/sightglass-dev/sightglass/internal/config"
	"github.com/sightglass-dev/sightglass/internal/dedupe"
	"github.com/sightglass-dev/sightglass/internal/pool"
	"github.com/sightglass-dev/sightglass/internal/relay"
	"github.com/sightglass-dev/sightglass/internal/shutdown"
)

const (
	defaultIdempotencyTTL     = 10 * time.Minute
	defaultIdempotencyMaxSize = 1000
)

// Server is one running sightglass instance.
type Server struct {
	config *config.Config
	logger *slog.Logger

	registry    *channel.Registry
	binder      *relay.Binder
	router      *relay.Router
	pool        *pool.Pool
	bridge      *bridge.Bridge
	catalog     *catalog.Catalog
	idempotency *dedupe.Cache
	verifier    *auth.JWTVerifier
	coordinator *shutdown.Coordinator

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New builds a server from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	spawner := agentproc.NewSpawner(logger)
	return newServer(cfg, logger, spawner.Spawn)
}

// newServer is the injectable constructor; tests substitute spawn.
func newServer(cfg *config.Config, logger *slog.Logger, spawn pool.SpawnFunc) (*Server, error) {
	registry := channel.NewRegistry(logger)
	binder := relay.NewBinder(registry, logger)
	router := relay.NewRouter(registry, binder, logger)

	providerPool := pool.New(spawn, logger)
	chatBridge := bridge.New(providerPool, binder, spawn, logger)

	agentCatalog := catalog.Empty()
	if cfg.Agents.CatalogPath != "" {
		var err error
		agentCatalog, err = catalog.Load(cfg.Agents.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("loading agent catalog: %w", err)
		}
		logger.Info("agent catalog loaded", "path", cfg.Agents.CatalogPath, "agents", agentCatalog.Names())
	}

	ttl := cfg.Sessions.IdempotencyTTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		logger.Warn("no jwt_secret configured, API runs unauthenticated")
	}

	s := &Server{
		config:      cfg,
		logger:      logger.With("component", "server"),
		registry:    registry,
		binder:      binder,
		router:      router,
		pool:        providerPool,
		bridge:      chatBridge,
		catalog:     agentCatalog,
		idempotency: dedupe.New(ttl, defaultIdempotencyMaxSize),
		verifier:    verifier,
		coordinator: shutdown.New(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Development tool: connections come from local tooling and
			// browser extensions, not third-party origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.coordinator.Register("http-server", func(ctx context.Context) error {
		return s.httpServer.Shutdown(ctx)
	})
	s.coordinator.Register("channels", func(ctx context.Context) error {
		for _, ch := range registry.List() {
			ch.Close()
		}
		return nil
	})
	s.coordinator.Register("provider-pool", func(ctx context.Context) error {
		providerPool.Shutdown()
		return nil
	})
	s.coordinator.Register("idempotency-cache", func(ctx context.Context) error {
		s.idempotency.Close()
		return nil
	})

	return s, nil
}

// registerRoutes wires the HTTP surface. Health and docs are open; the API
// requires a bearer token when a JWT secret is configured.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)

	mux.HandleFunc("GET /channel", s.handleChannel)

	var verifier auth.TokenVerifier
	if s.verifier != nil {
		verifier = s.verifier
	}
	authMiddleware := auth.Middleware(verifier)

	mux.Handle("POST /api/sessions", authMiddleware(http.HandlerFunc(s.handleInitSession)))
	mux.Handle("DELETE /api/sessions/{id}", authMiddleware(http.HandlerFunc(s.handleCleanupSession)))
	mux.Handle("POST /api/chat", authMiddleware(http.HandlerFunc(s.handleChat)))
	mux.Handle("GET /api/channels", authMiddleware(http.HandlerFunc(s.handleListChannels)))
	mux.Handle("GET /api/agents", authMiddleware(http.HandlerFunc(s.handleListAgents)))

	s.registerDocsRoutes(mux)
}

// Start listens and serves until Shutdown or a fatal listen error.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Server.HTTPAddr, err)
	}

	s.logger.Info("http server listening", "addr", ln.Addr().String())

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown runs the coordinator's cleanup steps. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	return s.coordinator.Shutdown(ctx)
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 once an observer channel is bound: without one,
// relay and tool-catalog features are inert.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.binder.Observer(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no observer bound"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
