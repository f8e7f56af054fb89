// ABOUTME: Gateway orchestrator that wires the chat core into an HTTP server
// ABOUTME: Manages store, broadcaster, peer relay, listeners (TCP or tsnet) and shutdown order

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"tailscale.com/tsnet"

	"github.com/2389/huddle/internal/auth"
	"github.com/2389/huddle/internal/chat"
	"github.com/2389/huddle/internal/config"
	"github.com/2389/huddle/internal/conversation"
	"github.com/2389/huddle/internal/dedupe"
	"github.com/2389/huddle/internal/metrics"
	"github.com/2389/huddle/internal/store"
)

// shutdownBudget bounds Shutdown when Run exits.
const shutdownBudget = 5 * time.Second

// Gateway orchestrates the huddle server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	tokens      *auth.JWTVerifier
	identity    auth.IdentityVerifier
	metrics     *metrics.Metrics
	broadcaster *conversation.Broadcaster
	relay       *conversation.PeerRelay
	dedupe      *dedupe.Cache
	endpoint    *chat.Endpoint
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
	apiLogger   *slog.Logger
	baseLogger  *slog.Logger

	// nodeID identifies this process to its peers
	nodeID string
}

// initStore creates and returns a store based on config.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func sessionConfig(c config.ChatConfig) chat.SessionConfig {
	return chat.SessionConfig{
		AuthTimeout:     c.AuthTimeout,
		PingInterval:    c.PingInterval,
		PongTimeout:     c.PongTimeout,
		MaxFrameBytes:   c.MaxFrameBytes,
		FramesPerSecond: c.FramesPerSecond,
		FrameBurst:      c.FrameBurst,
		SendBuffer:      c.SendBuffer,
	}
}

// New creates a new Gateway instance with all components wired.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	return newWithStore(cfg, s, logger)
}

func newWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	tokens, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating token verifier: %w", err)
	}

	nodeID := cfg.Cluster.NodeID
	if nodeID == "" {
		nodeID = generateNodeID()
	}

	m := metrics.New()
	broadcaster := conversation.NewBroadcaster(logger, m)

	gw := &Gateway{
		config:      cfg,
		store:       s,
		tokens:      tokens,
		identity:    auth.NewCredentialVerifier(tokens, s),
		metrics:     m,
		broadcaster: broadcaster,
		dedupe:      dedupe.New(cfg.Chat.DedupeTTL, cfg.Chat.DedupeMaxEntries),
		logger:      logger.With("component", "gateway"),
		apiLogger:   logger.With("component", "api"),
		baseLogger:  logger,
		nodeID:      nodeID,
	}

	if len(cfg.Cluster.Peers) > 0 {
		gw.relay = conversation.NewPeerRelay(conversation.RelayConfig{
			NodeID:  nodeID,
			Peers:   cfg.Cluster.Peers,
			Timeout: cfg.Cluster.RelayTimeout,
		}, tokens, logger, m)
		broadcaster.SetRelay(gw.relay)
	}

	handler := chat.NewHandler(chat.HandlerConfig{
		Store:           s,
		Publisher:       broadcaster,
		Dedupe:          gw.dedupe,
		Metrics:         m,
		Logger:          logger,
		MaxContentRunes: cfg.Chat.MaxContentRunes,
	})

	gw.endpoint = chat.NewEndpoint(chat.EndpointConfig{
		Session:        sessionConfig(cfg.Chat),
		AllowedOrigins: cfg.Chat.AllowedOrigins,
	}, gw.identity, s, broadcaster, handler, logger, m)

	m.RegisterGaugeFunc("conversations_active", "Conversations with at least one local session.", func() float64 {
		return float64(broadcaster.ConversationCount())
	})
	m.RegisterGaugeFunc("dedupe_entries", "Client message ids remembered for idempotent sends.", func() float64 {
		return float64(gw.dedupe.Len())
	})

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.logger.Info("gateway initialized",
		"node_id", nodeID,
		"peers", len(cfg.Cluster.Peers),
		"metrics", cfg.Metrics.Enabled)
	return gw, nil
}

// routes builds the HTTP mux for sockets, API, relay and health.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	socket := "GET " + chat.PathPrefix + "{" + chat.PathParam + "}"
	mux.Handle(socket, g.endpoint)
	mux.Handle(socket+"/{$}", g.endpoint)

	mux.Handle(conversation.RelayPath, conversation.RelayHandler(g.broadcaster, g.tokens, g.nodeID, g.baseLogger, g.metrics))

	g.registerAPIRoutes(mux)

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	return mux
}

// Handler returns the gateway's HTTP handler. Useful for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// NodeID returns the identifier this process uses on the relay.
func (g *Gateway) NodeID() string {
	return g.nodeID
}

// listen opens the HTTP listener: a tsnet node when tailscale is enabled,
// otherwise plain TCP on server.http_addr.
func (g *Gateway) listen(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if addr := g.config.Server.HTTPAddr; addr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", addr)
		}
		return g.listenTailnet(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return ln, nil
}

// Run serves until ctx is canceled or the server fails, then shuts down
// with a fresh five second budget. A serve error wins over a shutdown error.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.listen(ctx)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		g.logger.Info("serving", "addr", ln.Addr().String(), "node_id", g.nodeID)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("serving HTTP: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		g.logger.Info("shutdown requested")
	case runErr = <-serveErr:
		g.logger.Error("server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	if err := g.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting connections, closes every chat session with a
// going-away code, drains the relay and releases the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "session shutdown", g.endpoint.Shutdown(ctx))

	g.broadcaster.Close()
	if g.relay != nil {
		g.relay.Close()
	}
	g.dedupe.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.endpoint.SessionCount())
}

// generateNodeID creates an identifier for a process with no configured node id.
func generateNodeID() string {
	return "huddle-" + uuid.NewString()[:8]
}
