// ABOUTME: Event type fanned out to every session joined to a conversation
// ABOUTME: Covers new/edited/deleted messages, typing indicators and read receipts

package conversation

import (
	"time"

	"github.com/2389/huddle/internal/store"
)

// EventKind discriminates the payload carried by an Event.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventTyping  EventKind = "typing"
	EventRead    EventKind = "read"
)

// Event is published to a conversation. Events are shared between all
// receiving sessions and must not be mutated after Publish.
type Event struct {
	Kind           EventKind `json:"kind"`
	ConversationID string    `json:"conversation_id"`

	// EventMessage
	Message     *store.Message `json:"message,omitempty"`
	SenderName  string         `json:"sender_name,omitempty"`
	SenderEmail string         `json:"sender_email,omitempty"`

	// EventTyping and EventRead
	UserID   string `json:"user_id,omitempty"`
	UserName string `json:"user_name,omitempty"`
	IsTyping bool   `json:"is_typing,omitempty"`

	// EventRead
	MessageID string     `json:"message_id,omitempty"`
	ReadAt    *time.Time `json:"read_at,omitempty"`

	// ExcludeSession names a session that must not receive the event.
	ExcludeSession string `json:"exclude_session,omitempty"`
}

// NewMessageEvent builds the event broadcast after a message is created,
// edited or deleted.
func NewMessageEvent(msg *store.Message, sender *store.User) *Event {
	ev := &Event{
		Kind:           EventMessage,
		ConversationID: msg.ConversationID,
		Message:        msg.Clone(),
	}
	if sender != nil {
		ev.SenderName = sender.Name()
		ev.SenderEmail = sender.Email
	}
	return ev
}

// NewTypingEvent builds a typing indicator that skips the originating session.
func NewTypingEvent(conversationID string, user *store.User, isTyping bool, fromSession string) *Event {
	return &Event{
		Kind:           EventTyping,
		ConversationID: conversationID,
		UserID:         user.ID,
		UserName:       user.Name(),
		IsTyping:       isTyping,
		ExcludeSession: fromSession,
	}
}

// NewReadEvent builds a read receipt.
func NewReadEvent(conversationID, messageID, readerID string, at time.Time) *Event {
	at = at.UTC()
	return &Event{
		Kind:           EventRead,
		ConversationID: conversationID,
		UserID:         readerID,
		MessageID:      messageID,
		ReadAt:         &at,
	}
}
