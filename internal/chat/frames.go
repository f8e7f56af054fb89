// ABOUTME: Outbound frame shapes written to the websocket
// ABOUTME: Renders broadcast events per viewer, including the is_own flag on messages

package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/huddle/internal/conversation"
	"github.com/2389/huddle/internal/store"
)

// Outbound frame types.
const (
	FrameConnection = "connection"
	FrameError      = "error"
	FrameMessage    = "message"
	FrameTyping     = "typing"
	FrameRead       = "read"
)

const connectedText = "Connected to conversation"

type connectionFrame struct {
	Type           string `json:"type"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type messageFrame struct {
	Type string       `json:"type"`
	Data *MessageView `json:"data"`
}

type typingFrame struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	IsTyping bool   `json:"is_typing"`
}

type readFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	ReadAt    string `json:"read_at"`
}

// MessageView is the serialized form of a message as one viewer sees it.
type MessageView struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	SenderName     string            `json:"sender_name"`
	SenderEmail    string            `json:"sender_email"`
	Content        string            `json:"content"`
	Kind           store.MessageKind `json:"message_type"`
	Attachment     *string           `json:"attachment"`
	ReadBy         *string           `json:"read_by"`
	ReadAt         *time.Time        `json:"read_at"`
	IsEdited       bool              `json:"is_edited"`
	EditedAt       *time.Time        `json:"edited_at"`
	IsDeleted      bool              `json:"is_deleted"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	IsOwn          bool              `json:"is_own"`
}

// NewMessageView renders msg for viewerID.
func NewMessageView(msg *store.Message, senderName, senderEmail, viewerID string) *MessageView {
	v := &MessageView{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     senderName,
		SenderEmail:    senderEmail,
		Content:        msg.Content,
		Kind:           msg.Kind,
		ReadAt:         msg.ReadAt,
		IsEdited:       msg.IsEdited,
		EditedAt:       msg.EditedAt,
		IsDeleted:      msg.IsDeleted,
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
		IsOwn:          msg.SenderID == viewerID,
	}
	if msg.AttachmentRef != "" {
		ref := msg.AttachmentRef
		v.Attachment = &ref
	}
	if msg.ReadBy != "" {
		by := msg.ReadBy
		v.ReadBy = &by
	}
	if v.SenderName == "" {
		v.SenderName = senderEmail
	}
	return v
}

func encodeConnection(conversationID, userID string) ([]byte, error) {
	return json.Marshal(connectionFrame{
		Type:           FrameConnection,
		Message:        connectedText,
		ConversationID: conversationID,
		UserID:         userID,
	})
}

func encodeError(msg string) []byte {
	// Marshaling a struct of two strings cannot fail.
	data, _ := json.Marshal(errorFrame{Type: FrameError, Message: msg})
	return data
}

// encodeEvent renders ev as the frame viewerID should receive.
func encodeEvent(ev *conversation.Event, viewerID string) ([]byte, error) {
	switch ev.Kind {
	case conversation.EventMessage:
		if ev.Message == nil {
			return nil, errors.New("message event without message")
		}
		return json.Marshal(messageFrame{
			Type: FrameMessage,
			Data: NewMessageView(ev.Message, ev.SenderName, ev.SenderEmail, viewerID),
		})
	case conversation.EventTyping:
		return json.Marshal(typingFrame{
			Type:     FrameTyping,
			UserID:   ev.UserID,
			UserName: ev.UserName,
			IsTyping: ev.IsTyping,
		})
	case conversation.EventRead:
		f := readFrame{Type: FrameRead, MessageID: ev.MessageID, UserID: ev.UserID}
		if ev.ReadAt != nil {
			f.ReadAt = ev.ReadAt.UTC().Format(time.RFC3339Nano)
		}
		return json.Marshal(f)
	default:
		return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}
