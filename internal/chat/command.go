// ABOUTME: Inbound frame parsing into a closed set of command variants
// ABOUTME: The session and handler dispatch on the concrete type with a type switch

package chat

import (
	"encoding/json"

	"github.com/2389/huddle/internal/store"
)

// Inbound frame types.
const (
	TypeAuth    = "auth"
	TypeMessage = "message"
	TypeEdit    = "edit"
	TypeDelete  = "delete"
	TypeTyping  = "typing"
	TypeRead    = "read"
)

// Command is one parsed inbound frame. The set of implementations is closed:
// only the types in this file satisfy it.
type Command interface {
	// Type returns the frame type that produced the command.
	Type() string
	command()
}

// AuthCommand carries the handshake credential.
type AuthCommand struct {
	Token string
}

// SendCommand creates a new message.
type SendCommand struct {
	Content         string
	Kind            store.MessageKind
	Attachment      string
	ClientMessageID string
}

// EditCommand replaces the content of one of the caller's messages.
type EditCommand struct {
	MessageID string
	Content   string
}

// DeleteCommand tombstones one of the caller's messages.
type DeleteCommand struct {
	MessageID string
}

// TypingCommand toggles the caller's typing indicator.
type TypingCommand struct {
	IsTyping bool
}

// ReadCommand records the caller as reader of a message.
type ReadCommand struct {
	MessageID string
}

// UnknownCommand is any frame whose type is not recognized.
type UnknownCommand struct {
	RawType string
}

func (*AuthCommand) Type() string      { return TypeAuth }
func (*SendCommand) Type() string      { return TypeMessage }
func (*EditCommand) Type() string      { return TypeEdit }
func (*DeleteCommand) Type() string    { return TypeDelete }
func (*TypingCommand) Type() string    { return TypeTyping }
func (*ReadCommand) Type() string      { return TypeRead }
func (c *UnknownCommand) Type() string { return "unknown" }

func (*AuthCommand) command()    {}
func (*SendCommand) command()    {}
func (*EditCommand) command()    {}
func (*DeleteCommand) command()  {}
func (*TypingCommand) command()  {}
func (*ReadCommand) command()    {}
func (*UnknownCommand) command() {}

// inboundFrame is the union of every field any command may carry.
type inboundFrame struct {
	Type            string `json:"type"`
	Token           string `json:"token"`
	Access          string `json:"access"`
	Content         string `json:"content"`
	MessageType     string `json:"message_type"`
	Attachment      string `json:"attachment"`
	ClientMessageID string `json:"client_message_id"`
	MessageID       string `json:"message_id"`
	IsTyping        bool   `json:"is_typing"`
}

// ParseCommand decodes one frame. Anything that is not a JSON object with
// well-typed fields is a protocol error. Field presence is checked later by
// the handler, so a frame missing required fields still parses.
func ParseCommand(data []byte) (Command, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &Error{Kind: KindProtocol, Msg: MsgInvalidJSON, Err: err}
	}

	switch f.Type {
	case TypeAuth:
		token := f.Token
		if token == "" {
			token = f.Access
		}
		return &AuthCommand{Token: token}, nil
	case TypeMessage:
		return &SendCommand{
			Content:         f.Content,
			Kind:            store.MessageKind(f.MessageType),
			Attachment:      f.Attachment,
			ClientMessageID: f.ClientMessageID,
		}, nil
	case TypeEdit:
		return &EditCommand{MessageID: f.MessageID, Content: f.Content}, nil
	case TypeDelete:
		return &DeleteCommand{MessageID: f.MessageID}, nil
	case TypeTyping:
		return &TypingCommand{IsTyping: f.IsTyping}, nil
	case TypeRead:
		return &ReadCommand{MessageID: f.MessageID}, nil
	default:
		return &UnknownCommand{RawType: f.Type}, nil
	}
}
