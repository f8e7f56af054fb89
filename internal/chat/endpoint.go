// ABOUTME: HTTP endpoint that upgrades /ws/messaging/chat/{conversation_id}/ to a websocket session
// ABOUTME: Binds the conversation from the path, checks origins and tracks live sessions for shutdown

package chat

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/2389/huddle/internal/auth"
	"github.com/2389/huddle/internal/metrics"
)

// PathPrefix is the route prefix for chat sockets.
const PathPrefix = "/ws/messaging/chat/"

// PathParam is the ServeMux wildcard name for the conversation id.
const PathParam = "conversation_id"

// EndpointConfig configures the websocket endpoint.
type EndpointConfig struct {
	Session        SessionConfig
	AllowedOrigins []string // empty allows any origin
}

// Endpoint accepts websocket connections and runs a Session for each.
type Endpoint struct {
	cfg      EndpointConfig
	deps     SessionDeps
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

// NewEndpoint creates the endpoint.
func NewEndpoint(cfg EndpointConfig, identity auth.IdentityVerifier, members Membership, registry Registry, handler CommandHandler, logger *slog.Logger, m *metrics.Metrics) *Endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Endpoint{
		cfg: cfg,
		deps: SessionDeps{
			Identity: identity,
			Members:  members,
			Registry: registry,
			Handler:  handler,
			Metrics:  m,
			Logger:   logger,
		},
		logger:   logger.With("component", "chat-endpoint"),
		sessions: make(map[string]*Session),
	}
	e.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     e.checkOrigin,
	}
	return e
}

// ConversationIDFromPath extracts the conversation id from a chat socket
// path. The trailing slash is optional.
func ConversationIDFromPath(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, PathPrefix)
	if !ok {
		return "", false
	}
	rest = strings.TrimSuffix(rest, "/")
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue(PathParam)
	if conversationID == "" {
		var ok bool
		conversationID, ok = ConversationIDFromPath(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}
	}

	e.mu.Lock()
	closing := e.closing
	if !closing {
		e.wg.Add(1)
	}
	e.mu.Unlock()
	if closing {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer e.wg.Done()

	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		e.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	session := NewSession(conn, conversationID, e.cfg.Session, e.deps)
	e.track(session)
	defer e.untrack(session)

	// The request context ends when this handler returns, which is after
	// the session finishes.
	session.Run(r.Context())
}

func (e *Endpoint) track(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[s.ID()] = s
}

func (e *Endpoint) untrack(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, s.ID())
}

// SessionCount returns the number of live sessions in any state.
func (e *Endpoint) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Shutdown closes every live session with a going-away code, including
// sessions still waiting for auth, and waits for them to finish or for ctx
// to end.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	live := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		live = append(live, s)
	}
	e.mu.Unlock()

	for _, s := range live {
		s.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Endpoint) checkOrigin(r *http.Request) bool {
	if len(e.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients do not send an Origin.
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range e.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	e.logger.Info("rejected websocket origin", "origin", origin)
	return false
}
