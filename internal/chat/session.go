// ABOUTME: Connection session: one websocket, one conversation, one handshake
// ABOUTME: Runs the CONNECTING -> AWAITING_AUTH -> JOINED -> CLOSED state machine and the read/write pumps

package chat

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/huddle/internal/auth"
	"github.com/2389/huddle/internal/conversation"
	"github.com/2389/huddle/internal/metrics"
	"github.com/2389/huddle/internal/store"
)

// State is a session's handshake state.
type State int

const (
	StateConnecting State = iota
	StateAwaitingAuth
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const writeWait = 10 * time.Second

// Membership answers whether a user belongs to a conversation.
type Membership interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Registry is the broadcaster as seen by a session.
type Registry interface {
	Join(conversationID string, sub conversation.Subscriber) bool
	Leave(conversationID string, sub conversation.Subscriber)
}

// CommandHandler executes commands for joined sessions.
type CommandHandler interface {
	Handle(ctx context.Context, c Caller, cmd Command) error
}

// SessionConfig holds per-connection limits.
type SessionConfig struct {
	AuthTimeout     time.Duration // zero disables the handshake deadline
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxFrameBytes   int64
	FramesPerSecond float64 // zero disables rate limiting
	FrameBurst      int
	SendBuffer      int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 << 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = 1
	}
	return c
}

// outbound is one queued write. A non-zero closeCode ends the connection
// after everything queued before it has been written.
type outbound struct {
	data      []byte
	closeCode int
	closeText string
}

// Session owns one websocket connection bound to one conversation.
type Session struct {
	id             string
	conversationID string
	conn           *websocket.Conn
	cfg            SessionConfig

	identity auth.IdentityVerifier
	members  Membership
	registry Registry
	handler  CommandHandler
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	logger   *slog.Logger

	send       chan outbound
	readDone   chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	mu        sync.Mutex
	state     State
	user      *store.User
	authTimer *time.Timer
}

// SessionDeps are the collaborators shared by every session.
type SessionDeps struct {
	Identity auth.IdentityVerifier
	Members  Membership
	Registry Registry
	Handler  CommandHandler
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// NewSession wraps an upgraded connection. The session is CONNECTING until
// Run is called.
func NewSession(conn *websocket.Conn, conversationID string, cfg SessionConfig, deps SessionDeps) *Session {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.FramesPerSecond > 0 {
		limit = rate.Limit(cfg.FramesPerSecond)
	}

	s := &Session{
		id:             uuid.NewString(),
		conversationID: conversationID,
		conn:           conn,
		cfg:            cfg,
		identity:       deps.Identity,
		members:        deps.Members,
		registry:       deps.Registry,
		handler:        deps.Handler,
		limiter:        rate.NewLimiter(limit, cfg.FrameBurst),
		metrics:        deps.Metrics,
		send:           make(chan outbound, cfg.SendBuffer),
		readDone:       make(chan struct{}),
		writerDone:     make(chan struct{}),
		state:          StateConnecting,
	}
	s.logger = logger.With("component", "session", "session_id", s.id, "conversation_id", conversationID)
	s.metrics.SessionState("", StateConnecting.String())
	return s
}

// ID implements conversation.Subscriber.
func (s *Session) ID() string { return s.id }

// ConversationID returns the conversation this session is bound to.
func (s *Session) ConversationID() string { return s.conversationID }

func (s *Session) log() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}

// State returns the current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// User returns the authenticated identity, or nil before JOINED.
func (s *Session) User() *store.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// transition moves to `to` if the current state is one of from. It reports
// the previous state and whether the move happened.
func (s *Session) transition(to State, from ...State) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	for _, f := range from {
		if prev == f {
			s.state = to
			next := to.String()
			if to == StateClosed {
				next = ""
			}
			s.metrics.SessionState(prev.String(), next)
			return prev, true
		}
	}
	return prev, false
}

func (s *Session) markClosed() bool {
	_, ok := s.transition(StateClosed, StateConnecting, StateAwaitingAuth, StateJoined)
	return ok
}

// Run drives the session until the connection ends. It blocks.
func (s *Session) Run(ctx context.Context) {
	if _, ok := s.transition(StateAwaitingAuth, StateConnecting); !ok {
		return
	}
	if s.cfg.AuthTimeout > 0 {
		s.mu.Lock()
		s.authTimer = time.AfterFunc(s.cfg.AuthTimeout, s.authExpired)
		s.mu.Unlock()
	}

	go s.writePump()
	s.readPump(ctx)
	<-s.writerDone
}

func (s *Session) authExpired() {
	if _, ok := s.transition(StateClosed, StateAwaitingAuth); !ok {
		return
	}
	s.metrics.AuthFailure("timeout")
	s.log().Info("authentication timed out")
	s.closeWithError(MsgAuthTimeout, websocket.ClosePolicyViolation)
}

func (s *Session) readPump(ctx context.Context) {
	defer s.finish()

	s.conn.SetReadLimit(s.cfg.MaxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.log().Debug("websocket read error", "error", err)
			}
			return
		}
		if s.State() == StateClosed {
			return
		}
		// Any inbound traffic proves the peer is alive.
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		s.handleFrame(ctx, data)
		if s.State() == StateClosed {
			return
		}
	}
}

// handleFrame processes one inbound frame. A panic closes this session only.
func (s *Session) handleFrame(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log().Error("panic handling frame", "panic", r, "stack", string(debug.Stack()))
			if s.markClosed() {
				s.closeWithError(MsgInternal, websocket.CloseInternalServerErr)
			}
		}
	}()

	if !s.limiter.Allow() {
		s.metrics.CommandError("rate_limited")
		s.sendError(MsgRateLimited)
		return
	}

	cmd, err := ParseCommand(data)
	if err != nil {
		s.report(err)
		return
	}
	s.metrics.FrameReceived(cmd.Type())

	switch s.State() {
	case StateAwaitingAuth:
		if err := s.authenticate(ctx, cmd); err != nil {
			s.report(err)
		}
	case StateJoined:
		s.report(s.handler.Handle(ctx, s.caller(), cmd))
	}
}

// authenticate runs the single auth exchange.
func (s *Session) authenticate(ctx context.Context, cmd Command) error {
	ac, ok := cmd.(*AuthCommand)
	if !ok {
		s.metrics.AuthFailure("auth_required")
		return authError(MsgAuthRequired, nil)
	}
	if ac.Token == "" {
		s.metrics.AuthFailure("missing_token")
		return authError(MsgTokenRequired, nil)
	}

	user, err := s.identity.VerifyCredential(ctx, ac.Token)
	if err != nil {
		if auth.IsCredentialError(err) {
			s.metrics.AuthFailure("invalid_token")
			return authError(MsgInvalidToken, err)
		}
		s.log().Error("credential verification failed", "error", err)
		return authError(MsgInternal, err)
	}

	member, err := s.members.IsParticipant(ctx, s.conversationID, user.ID)
	if err != nil {
		s.log().Error("membership check failed", "user_id", user.ID, "error", err)
		return authError(MsgInternal, err)
	}
	if !member {
		s.metrics.AuthFailure("not_participant")
		return authError(MsgNotParticipant, nil)
	}

	s.mu.Lock()
	if s.state != StateAwaitingAuth {
		// The auth timer won the race.
		s.mu.Unlock()
		return nil
	}
	s.state = StateJoined
	s.user = user
	s.logger = s.logger.With("user_id", user.ID)
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.metrics.SessionState(StateAwaitingAuth.String(), StateJoined.String())
	s.mu.Unlock()

	// The confirmation is queued before joining so it precedes every event.
	frame, err := encodeConnection(s.conversationID, user.ID)
	if err != nil {
		return storeError(err)
	}
	s.enqueue(outbound{data: frame})

	if !s.registry.Join(s.conversationID, s) {
		s.Shutdown()
		return nil
	}
	s.log().Info("session joined")
	return nil
}

func (s *Session) caller() Caller {
	return Caller{SessionID: s.id, ConversationID: s.conversationID, User: s.User()}
}

// report turns a command result into the client-visible outcome.
func (s *Session) report(err error) {
	ce := AsError(err)
	if ce == nil {
		return
	}
	s.metrics.CommandError(ce.Kind.String())

	switch {
	case ce.Fatal():
		s.log().Info("handshake rejected", "reason", ce.Msg, "error", ce.Err)
		if s.markClosed() {
			s.closeWithError(ce.Msg, websocket.ClosePolicyViolation)
		}
	case ce.Silent():
		s.log().Debug("command dropped", "reason", ce.Msg)
	case ce.Kind == KindStore:
		s.sendError(ce.Msg)
	default:
		s.log().Debug("command rejected", "kind", ce.Kind, "reason", ce.Msg)
		s.sendError(ce.Msg)
	}
}

// Deliver implements conversation.Subscriber. A full send queue closes the
// session so the client reconnects instead of silently missing events.
func (s *Session) Deliver(ev *conversation.Event) bool {
	if ev.ConversationID != s.conversationID || s.State() != StateJoined {
		return false
	}
	data, err := encodeEvent(ev, s.User().ID)
	if err != nil {
		s.log().Error("failed to encode event", "kind", ev.Kind, "error", err)
		return false
	}
	if !s.enqueue(outbound{data: data}) {
		s.log().Warn("send queue overflow, closing session")
		s.forceClose(websocket.ClosePolicyViolation, "send queue overflow")
		return false
	}
	return true
}

// Shutdown implements conversation.Subscriber.
func (s *Session) Shutdown() {
	s.forceClose(websocket.CloseGoingAway, "server shutting down")
}

func (s *Session) enqueue(o outbound) bool {
	select {
	case s.send <- o:
		return true
	default:
		return false
	}
}

func (s *Session) sendError(msg string) {
	if !s.enqueue(outbound{data: encodeError(msg)}) {
		s.forceClose(websocket.ClosePolicyViolation, "send queue overflow")
	}
}

// closeWithError queues an error frame followed by a close frame. The
// session must already be CLOSED.
func (s *Session) closeWithError(msg string, code int) {
	if !s.enqueue(outbound{data: encodeError(msg)}) ||
		!s.enqueue(outbound{closeCode: code, closeText: msg}) {
		s.forceClose(code, msg)
	}
}

// forceClose writes a close frame out of band and drops the connection.
func (s *Session) forceClose(code int, text string) {
	s.closeOnce.Do(func() {
		s.markClosed()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
		_ = s.conn.Close()
	})
}

// finish runs once the read side has stopped.
func (s *Session) finish() {
	s.mu.Lock()
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	joined := s.user != nil
	s.mu.Unlock()

	s.markClosed()
	if joined {
		s.registry.Leave(s.conversationID, s)
	}
	close(s.readDone)
	s.log().Debug("session closed")
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case o := <-s.send:
			if !s.write(o) {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.readDone:
			// Flush what is already queued, such as a final error frame.
			for {
				select {
				case o := <-s.send:
					if !s.write(o) {
						return
					}
				default:
					s.writeClose(websocket.CloseNormalClosure, "")
					return
				}
			}
		}
	}
}

// write sends one queued item. It returns false once the connection should
// no longer be written to.
func (s *Session) write(o outbound) bool {
	if o.closeCode != 0 {
		s.writeClose(o.closeCode, o.closeText)
		return false
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, o.data); err != nil {
		s.log().Debug("websocket write failed", "error", err)
		return false
	}
	return true
}

func (s *Session) writeClose(code int, text string) {
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}
