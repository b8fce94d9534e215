// ABOUTME: Gateway orchestrator wiring the store, registry, supervisor, and router
// ABOUTME: Manages the HTTP server, staleness sweeper, and graceful shutdown lifecycle

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/registry"
	"github.com/2389/relay-gateway/internal/relay"
	"github.com/2389/relay-gateway/internal/store"
)

// DefaultDispatchTimeout bounds a dispatch when the caller doesn't set one.
const DefaultDispatchTimeout = 60 * time.Second

// anonymousOwner is the shared owner ID used when auth is disabled.
const anonymousOwner = "anonymous"

// Gateway orchestrates the relay-gateway server components. It owns the
// HTTP server for agent sockets and the dispatch API, plus the
// background sweeper that ages out silent nodes.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *registry.Registry
	supervisor *relay.Supervisor
	router     *relay.Router
	verifier   *auth.JWTVerifier
	httpServer *http.Server
	logger     *slog.Logger

	// serverID identifies this gateway instance
	serverID string
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	reg := registry.New(s, cfg.Agents.HeartbeatTimeout, logger.With("component", "registry"))
	sup := relay.NewSupervisor(logger.With("component", "supervisor"))
	router := relay.NewRouter(reg, sup, logger.With("component", "router"))

	g := &Gateway{
		config:     cfg,
		store:      s,
		registry:   reg,
		supervisor: sup,
		router:     router,
		logger:     logger,
		serverID:   generateServerID(),
	}

	if cfg.Auth.JWTSecret != "" {
		g.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	g.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: g.routes(),
	}

	return g, nil
}

// routes builds the HTTP mux: health endpoints are open, the agent
// socket and dispatch API require a bearer token when auth is enabled.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	authed := func(h http.Handler) http.Handler {
		if g.verifier == nil {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				h.ServeHTTP(w, r.WithContext(auth.WithOwner(r.Context(), anonymousOwner)))
			})
		}
		return auth.Middleware(g.verifier)(h)
	}

	mux.Handle("/ws/agent", authed(http.HandlerFunc(g.handleAgentSocket)))
	mux.Handle("/api/dispatch", authed(http.HandlerFunc(g.handleDispatch)))
	mux.Handle("/api/nodes", authed(http.HandlerFunc(g.handleNodes)))
	return mux
}

// Run starts the HTTP server and the staleness sweeper, blocking until
// ctx is cancelled or the server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go g.sweepLoop(sweepCtx)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// sweepLoop periodically flips rows with stale heartbeats offline, so a
// node that died without disconnecting still disappears from listings.
func (g *Gateway) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(g.config.Agents.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := g.registry.SweepStale(ctx)
			if err != nil {
				g.logger.Warn("staleness sweep failed", "error", err)
				continue
			}
			if len(swept) > 0 {
				g.logger.Info("swept stale nodes", "count", len(swept))
			}
		}
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, disconnects agents, flips their rows
// offline, and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	for _, ch := range g.supervisor.Channels() {
		g.disconnectChannel(ctx, ch)
	}

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// Router exposes the dispatch surface for embedding callers and tests.
func (g *Gateway) Router() *relay.Router {
	return g.router
}

// Registry exposes the node registry for embedding callers and tests.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent channel is live.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.supervisor.Count()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("relay-gateway-%d", time.Now().UnixNano()%1000000)
}
