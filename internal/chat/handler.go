// ABOUTME: Message protocol handler for joined sessions
// ABOUTME: Applies message, edit, delete, typing and read commands to the store and broadcasts the result

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/huddle/internal/conversation"
	"github.com/2389/huddle/internal/dedupe"
	"github.com/2389/huddle/internal/metrics"
	"github.com/2389/huddle/internal/store"
)

const (
	// PreviewRunes is the length of the conversation snapshot preview.
	PreviewRunes = 100

	// DefaultMaxContentRunes applies when HandlerConfig leaves the limit unset.
	DefaultMaxContentRunes = 4000
)

// Publisher fans an event out to a conversation.
type Publisher interface {
	Publish(ev *conversation.Event)
}

// Caller identifies who issued a command and on which session.
type Caller struct {
	SessionID      string
	ConversationID string
	User           *store.User
}

// HandlerConfig holds the handler's collaborators and limits.
type HandlerConfig struct {
	Store           store.Store
	Publisher       Publisher
	Dedupe          *dedupe.Cache // optional
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	MaxContentRunes int
}

// Handler executes commands from joined sessions. It is safe for
// concurrent use; ordering per session comes from the session calling it
// sequentially.
type Handler struct {
	store           store.Store
	publisher       Publisher
	dedupe          *dedupe.Cache
	metrics         *metrics.Metrics
	logger          *slog.Logger
	maxContentRunes int

	now   func() time.Time
	newID func() string
}

// NewHandler creates a handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRunes := cfg.MaxContentRunes
	if maxRunes <= 0 {
		maxRunes = DefaultMaxContentRunes
	}
	return &Handler{
		store:           cfg.Store,
		publisher:       cfg.Publisher,
		dedupe:          cfg.Dedupe,
		metrics:         cfg.Metrics,
		logger:          logger.With("component", "chat-handler"),
		maxContentRunes: maxRunes,
		now:             time.Now,
		newID:           newMessageID,
	}
}

// newMessageID returns a time-ordered id so ids sort by creation.
func newMessageID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Handle executes cmd for caller. A nil return means the command either took
// effect or was a silent no-op.
func (h *Handler) Handle(ctx context.Context, c Caller, cmd Command) error {
	switch cmd := cmd.(type) {
	case *SendCommand:
		return h.send(ctx, c, cmd)
	case *EditCommand:
		return h.edit(ctx, c, cmd)
	case *DeleteCommand:
		return h.delete(ctx, c, cmd)
	case *TypingCommand:
		return h.typing(c, cmd)
	case *ReadCommand:
		return h.read(ctx, c, cmd)
	case *AuthCommand, *UnknownCommand:
		return protocolError(MsgUnknownType)
	default:
		return protocolError(MsgUnknownType)
	}
}

func (h *Handler) send(ctx context.Context, c Caller, cmd *SendCommand) error {
	kind := cmd.Kind
	if kind == "" {
		kind = store.MessageKindText
	}
	if !kind.IsValid() || kind == store.MessageKindSystem {
		return validationError(MsgInvalidKind)
	}

	content := strings.TrimSpace(cmd.Content)
	if content == "" && cmd.Attachment == "" {
		return validationError(MsgContentRequired)
	}
	if err := h.checkLength(content); err != nil {
		return err
	}

	var key string
	if cmd.ClientMessageID != "" {
		key = dedupe.Key(c.ConversationID, c.User.ID, cmd.ClientMessageID)
		if h.dedupe != nil && h.dedupe.CheckAndMark(key) {
			h.logger.Debug("duplicate submission dropped",
				"conversation_id", c.ConversationID,
				"user_id", c.User.ID,
				"client_message_id", cmd.ClientMessageID)
			return nil
		}
	}

	now := h.now().UTC()
	msg := &store.Message{
		ID:             h.newID(),
		ConversationID: c.ConversationID,
		SenderID:       c.User.ID,
		Kind:           kind,
		Content:        content,
		AttachmentRef:  cmd.Attachment,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	start := time.Now()
	err := h.store.CreateMessage(ctx, msg)
	h.observe("create_message", start)
	if err != nil {
		if key != "" && h.dedupe != nil {
			h.dedupe.Forget(key)
		}
		h.logger.Error("failed to create message",
			"conversation_id", c.ConversationID,
			"user_id", c.User.ID,
			"error", err)
		return storeError(fmt.Errorf("creating message: %w", err))
	}

	// The message is durable at this point, so a snapshot failure is logged
	// and the broadcast still goes out.
	snap := store.Snapshot{Preview: Preview(msg), At: msg.CreatedAt, By: c.User.ID}
	start = time.Now()
	err = h.store.SetConversationSnapshot(ctx, c.ConversationID, snap)
	h.observe("set_snapshot", start)
	if err != nil {
		h.logger.Error("failed to update conversation snapshot",
			"conversation_id", c.ConversationID,
			"message_id", msg.ID,
			"error", err)
	}

	h.publisher.Publish(conversation.NewMessageEvent(msg, c.User))
	return nil
}

func (h *Handler) edit(ctx context.Context, c Caller, cmd *EditCommand) error {
	if cmd.MessageID == "" {
		return validationError(MsgMessageIDRequired)
	}
	content := strings.TrimSpace(cmd.Content)
	if content == "" {
		return validationError(MsgContentRequired)
	}
	if err := h.checkLength(content); err != nil {
		return err
	}

	msg, err := h.ownedMessage(ctx, c, cmd.MessageID)
	if err != nil || msg == nil {
		return err
	}

	now := h.now().UTC()
	msg.Content = content
	msg.IsEdited = true
	msg.EditedAt = &now
	msg.UpdatedAt = now

	start := time.Now()
	err = h.store.UpdateMessage(ctx, msg)
	h.observe("update_message", start)
	if errors.Is(err, store.ErrNotFound) {
		// Deleted after we loaded it.
		return nil
	}
	if err != nil {
		h.logger.Error("failed to edit message", "message_id", msg.ID, "error", err)
		return storeError(fmt.Errorf("editing message: %w", err))
	}

	// Only refresh the snapshot if this message is still the latest one.
	snap := store.Snapshot{Preview: Preview(msg), At: msg.CreatedAt, By: c.User.ID}
	refreshed, err := h.store.UpdateConversationSnapshot(ctx, c.ConversationID, snap, msg.CreatedAt)
	if err != nil {
		h.logger.Error("failed to refresh conversation snapshot",
			"conversation_id", c.ConversationID,
			"message_id", msg.ID,
			"error", err)
	}
	h.logger.Debug("message edited", "message_id", msg.ID, "snapshot_refreshed", refreshed)

	h.publisher.Publish(conversation.NewMessageEvent(msg, c.User))
	return nil
}

func (h *Handler) delete(ctx context.Context, c Caller, cmd *DeleteCommand) error {
	if cmd.MessageID == "" {
		return validationError(MsgMessageIDRequired)
	}

	msg, err := h.ownedMessage(ctx, c, cmd.MessageID)
	if err != nil || msg == nil {
		return err
	}

	msg.IsDeleted = true
	msg.Content = ""
	msg.AttachmentRef = ""
	msg.UpdatedAt = h.now().UTC()

	start := time.Now()
	err = h.store.UpdateMessage(ctx, msg)
	h.observe("update_message", start)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		h.logger.Error("failed to delete message", "message_id", msg.ID, "error", err)
		return storeError(fmt.Errorf("deleting message: %w", err))
	}

	h.publisher.Publish(conversation.NewMessageEvent(msg, c.User))
	return nil
}

func (h *Handler) typing(c Caller, cmd *TypingCommand) error {
	h.publisher.Publish(conversation.NewTypingEvent(c.ConversationID, c.User, cmd.IsTyping, c.SessionID))
	return nil
}

func (h *Handler) read(ctx context.Context, c Caller, cmd *ReadCommand) error {
	if cmd.MessageID == "" {
		return validationError(MsgMessageIDRequired)
	}

	msg, err := h.messageInConversation(ctx, c, cmd.MessageID)
	if err != nil || msg == nil {
		return err
	}
	if msg.ReadBy != "" || msg.IsDeleted {
		return nil
	}

	now := h.now().UTC()
	start := time.Now()
	marked, err := h.store.MarkMessageRead(ctx, msg.ID, c.User.ID, now)
	h.observe("mark_read", start)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		h.logger.Error("failed to mark message read", "message_id", msg.ID, "error", err)
		return storeError(fmt.Errorf("marking message read: %w", err))
	}
	if !marked {
		// Someone else got there first.
		return nil
	}

	h.publisher.Publish(conversation.NewReadEvent(c.ConversationID, msg.ID, c.User.ID, now))
	return nil
}

// messageInConversation loads a message, returning nil without error when it
// does not exist or belongs to another conversation.
func (h *Handler) messageInConversation(ctx context.Context, c Caller, id string) (*store.Message, error) {
	start := time.Now()
	msg, err := h.store.GetMessage(ctx, id)
	h.observe("get_message", start)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		h.logger.Error("failed to load message", "message_id", id, "error", err)
		return nil, storeError(fmt.Errorf("loading message: %w", err))
	}
	if msg.ConversationID != c.ConversationID {
		return nil, nil
	}
	return msg, nil
}

// ownedMessage is messageInConversation plus the sender check and the
// tombstone check used by edit and delete.
func (h *Handler) ownedMessage(ctx context.Context, c Caller, id string) (*store.Message, error) {
	msg, err := h.messageInConversation(ctx, c, id)
	if err != nil || msg == nil {
		return nil, err
	}
	if msg.SenderID != c.User.ID {
		return nil, authorizationError("only the sender may modify a message")
	}
	if msg.IsDeleted {
		return nil, nil
	}
	return msg, nil
}

func (h *Handler) checkLength(content string) error {
	if utf8.RuneCountInString(content) > h.maxContentRunes {
		return validationError(fmt.Sprintf("content exceeds %d characters", h.maxContentRunes))
	}
	return nil
}

func (h *Handler) observe(op string, start time.Time) {
	h.metrics.ObserveStore(op, time.Since(start).Seconds())
}

// Preview returns the snapshot text for msg: the first PreviewRunes runes of
// its content, or a placeholder for attachment-only messages.
func Preview(msg *store.Message) string {
	if msg.Content == "" {
		switch {
		case msg.AttachmentRef == "":
			return ""
		case msg.Kind == store.MessageKindImage:
			return "[Image]"
		default:
			return "[File]"
		}
	}
	if utf8.RuneCountInString(msg.Content) <= PreviewRunes {
		return msg.Content
	}
	runes := []rune(msg.Content)
	return string(runes[:PreviewRunes])
}
