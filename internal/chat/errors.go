// ABOUTME: Error taxonomy for the chat protocol
// ABOUTME: A single Error type whose Kind decides between closing, replying and dropping

package chat

import "errors"

// Kind classifies a chat error.
type Kind int

const (
	// KindProtocol is a malformed frame or unknown command. Recoverable.
	KindProtocol Kind = iota + 1
	// KindAuth is a failed handshake. Fatal: the session closes.
	KindAuth
	// KindValidation is a command missing a required field. Recoverable.
	KindValidation
	// KindAuthorization is a mutation attempted by someone other than the
	// sender. Dropped silently.
	KindAuthorization
	// KindStore is a persistence failure. The command has no effect.
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindStore:
		return "store"
	default:
		return "unknown"
	}
}

// Client-facing error messages.
const (
	MsgInvalidJSON       = "Invalid JSON"
	MsgUnknownType       = "Unknown message type"
	MsgAuthRequired      = "Authentication required"
	MsgTokenRequired     = "Token is required"
	MsgInvalidToken      = "Invalid token"
	MsgNotParticipant    = "Not a participant of this conversation"
	MsgAuthTimeout       = "Authentication timeout"
	MsgRateLimited       = "Rate limit exceeded"
	MsgInternal          = "Internal server error"
	MsgContentRequired   = "content is required"
	MsgMessageIDRequired = "message_id is required"
	MsgInvalidKind       = "invalid message_type"
)

// Error is returned by command parsing and handling. Msg is safe to send to
// the client; Err carries the underlying cause for logs.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether the session must close after reporting this error.
func (e *Error) Fatal() bool { return e.Kind == KindAuth }

// Silent reports whether the error is dropped without a reply.
func (e *Error) Silent() bool { return e.Kind == KindAuthorization }

func protocolError(msg string) *Error {
	return &Error{Kind: KindProtocol, Msg: msg}
}

func authError(msg string, cause error) *Error {
	return &Error{Kind: KindAuth, Msg: msg, Err: cause}
}

func validationError(msg string) *Error {
	return &Error{Kind: KindValidation, Msg: msg}
}

func authorizationError(msg string) *Error {
	return &Error{Kind: KindAuthorization, Msg: msg}
}

func storeError(cause error) *Error {
	return &Error{Kind: KindStore, Msg: MsgInternal, Err: cause}
}

// AsError converts any error into a chat Error. Errors that are not already
// classified are treated as store failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return storeError(err)
}
