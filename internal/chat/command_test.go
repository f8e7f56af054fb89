// ABOUTME: Tests for inbound frame parsing
// ABOUTME: Checks every command variant, the access alias and malformed input handling

package chat

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/huddle/internal/store"
)

func TestParseCommand_Variants(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Command
	}{
		{"auth", `{"type":"auth","token":"abc"}`, &AuthCommand{Token: "abc"}},
		{"auth access alias", `{"type":"auth","access":"xyz"}`, &AuthCommand{Token: "xyz"}},
		{"auth token wins over access", `{"type":"auth","token":"abc","access":"xyz"}`, &AuthCommand{Token: "abc"}},
		{"auth without token", `{"type":"auth"}`, &AuthCommand{}},
		{"message", `{"type":"message","content":"hi","message_type":"image","attachment":"blob-1","client_message_id":"c-1"}`,
			&SendCommand{Content: "hi", Kind: store.MessageKindImage, Attachment: "blob-1", ClientMessageID: "c-1"}},
		{"message minimal", `{"type":"message","content":"hi"}`, &SendCommand{Content: "hi"}},
		{"edit", `{"type":"edit","message_id":"m1","content":"new"}`, &EditCommand{MessageID: "m1", Content: "new"}},
		{"delete", `{"type":"delete","message_id":"m1"}`, &DeleteCommand{MessageID: "m1"}},
		{"typing", `{"type":"typing","is_typing":true}`, &TypingCommand{IsTyping: true}},
		{"typing defaults to false", `{"type":"typing"}`, &TypingCommand{}},
		{"read", `{"type":"read","message_id":"m1"}`, &ReadCommand{MessageID: "m1"}},
		{"unknown", `{"type":"subscribe"}`, &UnknownCommand{RawType: "subscribe"}},
		{"missing type", `{}`, &UnknownCommand{}},
		{"null", `null`, &UnknownCommand{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommand_Malformed(t *testing.T) {
	for _, frame := range []string{
		`not json`,
		`{"type":"message"`,
		`"a string"`,
		`[1,2,3]`,
		`{"type":5}`,
		`{"type":"typing","is_typing":"yes"}`,
	} {
		t.Run(frame, func(t *testing.T) {
			_, err := ParseCommand([]byte(frame))
			require.Error(t, err)

			var ce *Error
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, KindProtocol, ce.Kind)
			assert.Equal(t, MsgInvalidJSON, ce.Msg)
			assert.False(t, ce.Fatal())
		})
	}
}

func TestError_Classification(t *testing.T) {
	assert.True(t, authError(MsgInvalidToken, nil).Fatal())
	assert.False(t, validationError(MsgContentRequired).Fatal())
	assert.True(t, authorizationError("nope").Silent())
	assert.False(t, storeError(errors.New("boom")).Silent())

	cause := errors.New("disk full")
	wrapped := AsError(cause)
	assert.Equal(t, KindStore, wrapped.Kind)
	assert.Equal(t, MsgInternal, wrapped.Msg)
	assert.ErrorIs(t, wrapped, cause)

	assert.Nil(t, AsError(nil))
	assert.Equal(t, "validation", KindValidation.String())
}
