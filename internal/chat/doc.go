// Package chat implements the real-time messaging protocol spoken over
// /ws/messaging/chat/{conversation_id}/.
//
// # Sessions
//
// Each websocket is a Session bound to one conversation. A session moves
// through four states:
//
//	CONNECTING -> AWAITING_AUTH -> JOINED -> CLOSED
//
// The first frame must be {"type":"auth","token":"..."}. Anything else, a
// bad credential, or a user who is not a participant produces one error frame
// and a close with code 1008. On success the session sends a connection frame
// and joins the conversation's broadcast group.
//
// # Commands
//
// Frames are parsed into a closed set of Command types (AuthCommand,
// SendCommand, EditCommand, DeleteCommand, TypingCommand, ReadCommand,
// UnknownCommand) and dispatched with a type switch. Errors are *Error values
// whose Kind decides the outcome:
//
//   - KindProtocol, KindValidation: error frame, session stays open
//   - KindAuth: error frame, then close
//   - KindAuthorization: dropped without a reply
//   - KindStore: generic error frame, no effect, no broadcast
//
// # Delivery
//
// Each session has a bounded send queue drained by a single writer
// goroutine. If the queue is full when an event arrives the session is closed
// so the client can reconnect and resync instead of missing events.
package chat
