// ABOUTME: Store interfaces and data types for huddle persistence
// ABOUTME: Defines User, Conversation, Message and the Store interface used by the chat core

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint would be violated
var ErrDuplicate = errors.New("already exists")

// ConversationType is informational and not enforced by the chat core
type ConversationType string

const (
	ConversationDirect      ConversationType = "direct"
	ConversationGroup       ConversationType = "group"
	ConversationClientAgent ConversationType = "client_agent"
	ConversationAgentAgent  ConversationType = "agent_agent"
)

// ValidConversationTypes lists all valid conversation types
var ValidConversationTypes = []ConversationType{
	ConversationDirect,
	ConversationGroup,
	ConversationClientAgent,
	ConversationAgentAgent,
}

// IsValid reports whether t is a known conversation type.
func (t ConversationType) IsValid() bool {
	for _, v := range ValidConversationTypes {
		if t == v {
			return true
		}
	}
	return false
}

// MessageKind is the content kind of a message
type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindImage  MessageKind = "image"
	MessageKindFile   MessageKind = "file"
	MessageKindSystem MessageKind = "system"
)

// IsValid reports whether k is a known message kind.
func (k MessageKind) IsValid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindFile, MessageKindSystem:
		return true
	default:
		return false
	}
}

// User is an identity that can participate in conversations
type User struct {
	ID          string
	Email       string
	DisplayName string
	IsActive    bool
	CreatedAt   time.Time
}

// Name returns the display name, falling back to the email address.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Email
}

// Snapshot is the denormalized copy of a conversation's most recent message.
// A zero At means the conversation has no messages yet.
type Snapshot struct {
	Preview string
	At      time.Time
	By      string
}

// Conversation is a durable thread owned by a fixed participant set
type Conversation struct {
	ID           string
	Type         ConversationType
	Participants map[string]struct{}
	IsArchived   bool
	IsActive     bool
	LastMessage  Snapshot
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	_, ok := c.Participants[userID]
	return ok
}

// ParticipantIDs returns the participant set as a slice in no particular order.
func (c *Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for id := range c.Participants {
		ids = append(ids, id)
	}
	return ids
}

// Message is a single chat message. Deleted messages are kept as tombstones
// with Content and AttachmentRef cleared.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Kind           MessageKind `json:"message_type"`
	Content        string      `json:"content"`
	AttachmentRef  string      `json:"attachment,omitempty"`
	ReadBy         string      `json:"read_by,omitempty"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`
	IsEdited       bool        `json:"is_edited"`
	EditedAt       *time.Time  `json:"edited_at,omitempty"`
	IsDeleted      bool        `json:"is_deleted"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	return &c
}

// UserStore manages identities
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
}

// ConversationStore manages conversations, membership and the last-message snapshot
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// FindConversationByParticipants returns a conversation whose participant
	// set is exactly userIDs, or ErrNotFound.
	FindConversationByParticipants(ctx context.Context, userIDs []string) (*Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string, archived bool) ([]*Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	AddParticipant(ctx context.Context, conversationID, userID string) error
	RemoveParticipant(ctx context.Context, conversationID, userID string) error
	SetConversationArchived(ctx context.Context, conversationID string, archived bool) error

	// SetConversationSnapshot replaces the snapshot unless the stored one is
	// newer than snap.At.
	SetConversationSnapshot(ctx context.Context, conversationID string, snap Snapshot) error
	// UpdateConversationSnapshot replaces the snapshot only if its current
	// timestamp equals expectedAt. Reports whether the row was updated.
	UpdateConversationSnapshot(ctx context.Context, conversationID string, snap Snapshot, expectedAt time.Time) (bool, error)

	CountUnread(ctx context.Context, conversationID, userID string) (int, error)
	// MarkConversationRead records userID as reader of every unread message
	// in the conversation sent by someone else. Returns the number marked.
	MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) (int, error)
}

// MessageStore manages messages
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	// UpdateMessage writes the mutable content fields (content, attachment,
	// edit and delete flags). Read state is only changed by MarkMessageRead.
	// Tombstones are final: updating one returns ErrNotFound.
	UpdateMessage(ctx context.Context, msg *Message) error
	// MarkMessageRead records the first reader of a message. Reports false
	// if a reader was already recorded or the message is a tombstone.
	MarkMessageRead(ctx context.Context, messageID, readerID string, at time.Time) (bool, error)
	// ListMessages returns up to limit most recent non-deleted messages,
	// oldest first.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
}

// Store is the full persistence contract
type Store interface {
	UserStore
	ConversationStore
	MessageStore

	Ping(ctx context.Context) error
	Close() error
}
