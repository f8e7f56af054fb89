// ABOUTME: HTTP API handlers for conversation listing, history and read state
// ABOUTME: All routes run behind the bearer middleware and hide foreign conversations as 404

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/2389/huddle/internal/auth"
	"github.com/2389/huddle/internal/chat"
	"github.com/2389/huddle/internal/store"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

// SnapshotResponse is the last-message summary of a conversation.
type SnapshotResponse struct {
	Preview string `json:"preview"`
	At      string `json:"at"`
	By      string `json:"by"`
}

// ConversationResponse is one entry of GET /api/conversations.
type ConversationResponse struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Participants []string          `json:"participants"`
	IsArchived   bool              `json:"is_archived"`
	LastMessage  *SnapshotResponse `json:"last_message"`
	UnreadCount  int               `json:"unread_count"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
}

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
}

// MessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type MessagesResponse struct {
	ConversationID string              `json:"conversation_id"`
	Messages       []*chat.MessageView `json:"messages"`
}

// MarkReadResponse is the JSON response for POST /api/conversations/{id}/read.
type MarkReadResponse struct {
	Marked int `json:"marked"`
}

// ArchiveResponse is the JSON response for POST /api/conversations/{id}/archive.
type ArchiveResponse struct {
	IsArchived bool `json:"is_archived"`
}

// registerAPIRoutes mounts the authenticated /api routes on mux.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	protect := auth.HTTPAuthMiddleware(g.identity, g.baseLogger)

	mux.Handle("GET /api/conversations", protect(http.HandlerFunc(g.handleListConversations)))
	mux.Handle("GET /api/conversations/{id}/messages", protect(http.HandlerFunc(g.handleConversationMessages)))
	mux.Handle("POST /api/conversations/{id}/read", protect(http.HandlerFunc(g.handleMarkRead)))
	mux.Handle("POST /api/conversations/{id}/archive", protect(http.HandlerFunc(g.handleToggleArchive)))
}

// sendJSON writes v as a JSON response with the given status.
func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}

func (g *Gateway) internalError(w http.ResponseWriter, msg string, err error, args ...any) {
	g.apiLogger.Error(msg, append([]any{"error", err}, args...)...)
	sendJSONError(w, http.StatusInternalServerError, "internal server error")
}

// participantConversation loads the path conversation and checks that the
// caller belongs to it. Writes the response and returns nil on failure.
func (g *Gateway) participantConversation(w http.ResponseWriter, r *http.Request, user *store.User) *store.Conversation {
	id := r.PathValue("id")
	conv, err := g.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "conversation not found")
		return nil
	}
	if err != nil {
		g.internalError(w, "failed to get conversation", err, "conversation_id", id)
		return nil
	}
	if !conv.HasParticipant(user.ID) {
		sendJSONError(w, http.StatusNotFound, "conversation not found")
		return nil
	}
	return conv
}

func formatAPITime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toConversationResponse(conv *store.Conversation, unread int) ConversationResponse {
	participants := conv.ParticipantIDs()
	slices.Sort(participants)

	resp := ConversationResponse{
		ID:           conv.ID,
		Type:         string(conv.Type),
		Participants: participants,
		IsArchived:   conv.IsArchived,
		UnreadCount:  unread,
		CreatedAt:    formatAPITime(conv.CreatedAt),
		UpdatedAt:    formatAPITime(conv.UpdatedAt),
	}
	if !conv.LastMessage.At.IsZero() {
		resp.LastMessage = &SnapshotResponse{
			Preview: conv.LastMessage.Preview,
			At:      formatAPITime(conv.LastMessage.At),
			By:      conv.LastMessage.By,
		}
	}
	return resp
}

// handleListConversations handles GET /api/conversations?archived=true|false.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	archived := false
	if raw := r.URL.Query().Get("archived"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "archived must be true or false")
			return
		}
		archived = parsed
	}

	convs, err := g.store.ListConversationsForUser(r.Context(), user.ID, archived)
	if err != nil {
		g.internalError(w, "failed to list conversations", err, "user_id", user.ID)
		return
	}

	resp := ListConversationsResponse{Conversations: make([]ConversationResponse, 0, len(convs))}
	for _, conv := range convs {
		unread, err := g.store.CountUnread(r.Context(), conv.ID, user.ID)
		if err != nil {
			g.internalError(w, "failed to count unread", err, "conversation_id", conv.ID)
			return
		}
		resp.Conversations = append(resp.Conversations, toConversationResponse(conv, unread))
	}
	sendJSON(w, http.StatusOK, resp)
}

// handleConversationMessages handles GET /api/conversations/{id}/messages.
// Returns the most recent messages oldest first, limited by ?limit=N.
func (g *Gateway) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	limit := defaultMessageLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxMessageLimit)
	}

	conv := g.participantConversation(w, r, user)
	if conv == nil {
		return
	}

	messages, err := g.store.ListMessages(r.Context(), conv.ID, limit)
	if err != nil {
		g.internalError(w, "failed to list messages", err, "conversation_id", conv.ID)
		return
	}

	senders := newSenderCache(g.store, g.apiLogger)
	resp := MessagesResponse{
		ConversationID: conv.ID,
		Messages:       make([]*chat.MessageView, 0, len(messages)),
	}
	for _, msg := range messages {
		name, email := senders.lookup(r.Context(), msg.SenderID)
		resp.Messages = append(resp.Messages, chat.NewMessageView(msg, name, email, user.ID))
	}
	sendJSON(w, http.StatusOK, resp)
}

// handleMarkRead handles POST /api/conversations/{id}/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())
	conv := g.participantConversation(w, r, user)
	if conv == nil {
		return
	}

	n, err := g.store.MarkConversationRead(r.Context(), conv.ID, user.ID, time.Now())
	if err != nil {
		g.internalError(w, "failed to mark conversation read", err, "conversation_id", conv.ID)
		return
	}
	sendJSON(w, http.StatusOK, MarkReadResponse{Marked: n})
}

// handleToggleArchive handles POST /api/conversations/{id}/archive.
func (g *Gateway) handleToggleArchive(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())
	conv := g.participantConversation(w, r, user)
	if conv == nil {
		return
	}

	archived := !conv.IsArchived
	if err := g.store.SetConversationArchived(r.Context(), conv.ID, archived); err != nil {
		g.internalError(w, "failed to toggle archive", err, "conversation_id", conv.ID)
		return
	}
	sendJSON(w, http.StatusOK, ArchiveResponse{IsArchived: archived})
}

// senderCache memoizes sender lookups for one response.
type senderCache struct {
	users  store.UserStore
	logger *slog.Logger
	seen   map[string]*store.User
}

func newSenderCache(users store.UserStore, logger *slog.Logger) *senderCache {
	return &senderCache{users: users, logger: logger, seen: make(map[string]*store.User)}
}

// lookup returns the sender's display name and email. Unknown senders
// render with empty fields.
func (c *senderCache) lookup(ctx context.Context, userID string) (string, string) {
	u, ok := c.seen[userID]
	if !ok {
		var err error
		u, err = c.users.GetUser(ctx, userID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				c.logger.Warn("failed to look up sender", "user_id", userID, "error", err)
			}
			u = nil
		}
		c.seen[userID] = u
	}
	if u == nil {
		return "", ""
	}
	return u.Name(), u.Email
}
