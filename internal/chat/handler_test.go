// ABOUTME: Tests for the message protocol handler against MockStore
// ABOUTME: Covers create/edit/delete/read/typing effects, snapshot rules, dedupe and silent no-ops

package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/huddle/internal/conversation"
	"github.com/2389/huddle/internal/dedupe"
	"github.com/2389/huddle/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*conversation.Event
}

func (p *recordingPublisher) Publish(ev *conversation.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) all() []*conversation.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*conversation.Event(nil), p.events...)
}

type handlerFixture struct {
	store   *store.MockStore
	pub     *recordingPublisher
	handler *Handler
	clock   time.Time
	u1, u2  Caller
}

// seedChat creates users u1..u3 and conversation conv-1 with u1 and u2.
func seedChat(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	for _, id := range []string{"u1", "u2", "u3"} {
		require.NoError(t, st.CreateUser(ctx, &store.User{
			ID: id, Email: id + "@example.com", DisplayName: strings.ToUpper(id),
			IsActive: true, CreatedAt: now,
		}))
	}
	require.NoError(t, st.CreateConversation(ctx, &store.Conversation{
		ID:           "conv-1",
		Type:         store.ConversationDirect,
		Participants: map[string]struct{}{"u1": {}, "u2": {}},
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}))
	require.NoError(t, st.CreateConversation(ctx, &store.Conversation{
		ID:           "conv-2",
		Type:         store.ConversationDirect,
		Participants: map[string]struct{}{"u1": {}, "u3": {}},
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}))
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	st := store.NewMockStore()
	seedChat(t, st)

	cache := dedupe.New(time.Minute, 100)
	t.Cleanup(cache.Close)

	f := &handlerFixture{
		store: st,
		pub:   &recordingPublisher{},
		clock: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.handler = NewHandler(HandlerConfig{
		Store:           st,
		Publisher:       f.pub,
		Dedupe:          cache,
		MaxContentRunes: 50,
	})
	f.handler.now = func() time.Time { return f.clock }

	u1, err := st.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	u2, err := st.GetUser(context.Background(), "u2")
	require.NoError(t, err)
	f.u1 = Caller{SessionID: "s1", ConversationID: "conv-1", User: u1}
	f.u2 = Caller{SessionID: "s2", ConversationID: "conv-1", User: u2}
	return f
}

func (f *handlerFixture) tick() {
	f.clock = f.clock.Add(time.Second)
}

// send creates a message as c and returns it.
func (f *handlerFixture) send(t *testing.T, c Caller, content string) *store.Message {
	t.Helper()
	before := len(f.pub.all())
	require.NoError(t, f.handler.Handle(t.Context(), c, &SendCommand{Content: content}))
	events := f.pub.all()
	require.Len(t, events, before+1)
	f.tick()
	return events[len(events)-1].Message
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	var ce *Error
	require.True(t, errors.As(err, &ce), "expected chat error, got %v", err)
	assert.Equal(t, kind, ce.Kind)
	return ce
}

func TestHandler_SendCreatesMessageAndSnapshot(t *testing.T) {
	f := newHandlerFixture(t)

	msg := f.send(t, f.u1, "  hello  ")

	assert.Equal(t, "hello", msg.Content, "content is trimmed")
	assert.Equal(t, store.MessageKindText, msg.Kind)
	assert.Equal(t, "u1", msg.SenderID)

	stored, err := f.store.GetMessage(t.Context(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.Content)

	conv, err := f.store.GetConversation(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", conv.LastMessage.Preview)
	assert.Equal(t, "u1", conv.LastMessage.By)
	assert.True(t, conv.LastMessage.At.Equal(msg.CreatedAt))

	ev := f.pub.all()[0]
	assert.Equal(t, conversation.EventMessage, ev.Kind)
	assert.Equal(t, "conv-1", ev.ConversationID)
	assert.Equal(t, "U1", ev.SenderName)
}

func TestHandler_SendPreviewIsFirst100Runes(t *testing.T) {
	f := newHandlerFixture(t)
	f.handler.maxContentRunes = 500

	content := strings.Repeat("é", 150)
	f.send(t, f.u1, content)

	conv, err := f.store.GetConversation(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("é", 100), conv.LastMessage.Preview)
}

func TestHandler_SendValidation(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := t.Context()

	ce := requireKind(t, f.handler.Handle(ctx, f.u1, &SendCommand{Content: "   "}), KindValidation)
	assert.Equal(t, MsgContentRequired, ce.Msg)

	ce = requireKind(t, f.handler.Handle(ctx, f.u1, &SendCommand{Content: "x", Kind: store.MessageKindSystem}), KindValidation)
	assert.Equal(t, MsgInvalidKind, ce.Msg)

	requireKind(t, f.handler.Handle(ctx, f.u1, &SendCommand{Content: "x", Kind: "video"}), KindValidation)
	requireKind(t, f.handler.Handle(ctx, f.u1, &SendCommand{Content: strings.Repeat("a", 51)}), KindValidation)

	assert.Empty(t, f.pub.all())
}

func TestHandler_SendAttachmentOnly(t *testing.T) {
	f := newHandlerFixture(t)

	require.NoError(t, f.handler.Handle(t.Context(), f.u1, &SendCommand{Kind: store.MessageKindImage, Attachment: "blob-1"}))

	conv, err := f.store.GetConversation(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "[Image]", conv.LastMessage.Preview)
	assert.Equal(t, "blob-1", f.pub.all()[0].Message.AttachmentRef)
}

func TestHandler_SendDeduplicatesClientMessageID(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := t.Context()
	cmd := &SendCommand{Content: "once", ClientMessageID: "c-1"}

	require.NoError(t, f.handler.Handle(ctx, f.u1, cmd))
	require.NoError(t, f.handler.Handle(ctx, f.u1, cmd))
	assert.Len(t, f.pub.all(), 1)

	// Same client id from another sender is a different message
	require.NoError(t, f.handler.Handle(ctx, f.u2, cmd))
	assert.Len(t, f.pub.all(), 2)

	msgs, err := f.store.ListMessages(ctx, "conv-1", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestHandler_SendStoreFailure(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := t.Context()
	cmd := &SendCommand{Content: "retry me", ClientMessageID: "c-9"}

	f.store.FailNextWrite(errors.New("disk on fire"))
	ce := requireKind(t, f.handler.Handle(ctx, f.u1, cmd), KindStore)
	assert.Equal(t, MsgInternal, ce.Msg)
	assert.Empty(t, f.pub.all(), "no broadcast when the write fails")

	// The dedupe key was released, so the retry goes through
	require.NoError(t, f.handler.Handle(ctx, f.u1, cmd))
	assert.Len(t, f.pub.all(), 1)
}

func TestHandler_SnapshotNeverMovesBackwards(t *testing.T) {
	f := newHandlerFixture(t)

	f.send(t, f.u1, "newer")
	f.clock = f.clock.Add(-time.Hour)
	f.send(t, f.u2, "older")

	conv, err := f.store.GetConversation(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "newer", conv.LastMessage.Preview)
}

func TestHandler_EditOwnLatestMessage(t *testing.T) {
	f := newHandlerFixture(t)
	msg := f.send(t, f.u1, "hello")

	require.NoError(t, f.handler.Handle(t.Context(), f.u1, &EditCommand{MessageID: msg.ID, Content: "hi!"}))

	stored, err := f.store.GetMessage(t.Context(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi!", stored.Content)
	assert.True(t, stored.IsEdited)
	require.NotNil(t, stored.EditedAt)
	assert.True(t, stored.EditedAt.Equal(f.clock))

	conv, err := f.store.GetConversation(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "hi!", conv.LastMessage.Preview)
	assert.True(t, conv.LastMessage.At.Equal(msg.CreatedAt))

	events := f.pub.all()
	require.Len(t, events, 2)
	assert.True(t, events[1].Message.IsEdited)
}

func TestHandler_EditOlderMessageLeavesSnapshot(t *testing.T) {
	f := newHandlerFixture(t)
	first := f.send(t, f.u1, "first")
	f.send(t, f.u2, "second")

	require.NoError(t, f.handler.Handle(t.Context(), f.u1, &EditCommand{MessageID: first.ID, Content: "first, edited"}))

	conv, err := f.store.GetConversation(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "second", conv.LastMessage.Preview)
	assert.Equal(t, "u2", conv.LastMessage.By)
}

func TestHandler_EditByNonSenderIsDropped(t *testing.T) {
	f := newHandlerFixture(t)
	msg := f.send(t, f.u2, "mine")

	err := f.handler.Handle(t.Context(), f.u1, &EditCommand{MessageID: msg.ID, Content: "hi!"})
	ce := requireKind(t, err, KindAuthorization)
	assert.True(t, ce.Silent())

	err = f.handler.Handle(t.Context(), f.u1, &DeleteCommand{MessageID: msg.ID})
	requireKind(t, err, KindAuthorization)

	stored, err := f.store.GetMessage(t.Context(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", stored.Content)
	assert.False(t, stored.IsEdited)
	assert.False(t, stored.IsDeleted)
	assert.Len(t, f.pub.all(), 1, "only the original send was broadcast")
}

func TestHandler_EditValidation(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := t.Context()

	ce := requireKind(t, f.handler.Handle(ctx, f.u1, &EditCommand{Content: "x"}), KindValidation)
	assert.Equal(t, MsgMessageIDRequired, ce.Msg)

	ce = requireKind(t, f.handler.Handle(ctx, f.u1, &EditCommand{MessageID: "m1"}), KindValidation)
	assert.Equal(t, MsgContentRequired, ce.Msg)

	ce = requireKind(t, f.handler.Handle(ctx, f.u1, &DeleteCommand{}), KindValidation)
	assert.Equal(t, MsgMessageIDRequired, ce.Msg)

	ce = requireKind(t, f.handler.Handle(ctx, f.u1, &ReadCommand{}), KindValidation)
	assert.Equal(t, MsgMessageIDRequired, ce.Msg)
}

func TestHandler_DeleteOwnMessage(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := t.Context()
	require.NoError(t, f.handler.Handle(ctx, f.u1, &SendCommand{Content: "oops", Kind: store.MessageKindFile, Attachment: "blob-2"}))
	msg := f.pub.all()[0].Message

	require.NoError(t, f.handler.Handle(ctx, f.u1, &DeleteCommand{MessageID: msg.ID}))

	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted)
	assert.Empty(t, stored.Content)
	assert.Empty(t, stored.AttachmentRef)

	tomb := f.pub.all()[1].Message
	assert.True(t, tomb.IsDeleted)
	assert.Empty(t, tomb.Content)

	// Snapshot keeps the cached preview of the deleted message
	conv, err := f.store.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "oops", conv.LastMessage.Preview)
}

func TestHandler_TombstoneIsImmutable(t *testing.T) {
	f := newHandlerFixture(t)
	msg := f.send(t, f.u1, "gone soon")
	require.NoError(t, f.handler.Handle(t.Context(), f.u1, &DeleteCommand{MessageID: msg.ID}))

	require.NoError(t, f.handler.Handle(t.Context(), f.u1, &EditCommand{MessageID: msg.ID, Content: "back"}))
	require.NoError(t, f.handler.Handle(t.Context(), f.u1, &DeleteCommand{MessageID: msg.ID}))

	stored, err := f.store.GetMessage(t.Context(), msg.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Content)
	assert.Len(t, f.pub.all(), 2, "send and first delete only")
}

// staleReadStore runs beforeReturn once, after a message is loaded but
// before the caller sees it, so another command can change it in between.
type staleReadStore struct {
	store.Store
	beforeReturn func()
}

func (s *staleReadStore) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	msg, err := s.Store.GetMessage(ctx, id)
	if hook := s.beforeReturn; hook != nil && err == nil {
		s.beforeReturn = nil
		hook()
	}
	return msg, err
}

func TestHandler_EditRacingDeleteKeepsTombstone(t *testing.T) {
	for name, open := range map[string]func(t *testing.T) store.Store{
		"mock": func(*testing.T) store.Store { return store.NewMockStore() },
		"sqlite": func(t *testing.T) store.Store {
			s, err := store.NewSQLiteStore(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	} {
		t.Run(name, func(t *testing.T) {
			inner := open(t)
			seedChat(t, inner)
			st := &staleReadStore{Store: inner}
			pub := &recordingPublisher{}
			h := NewHandler(HandlerConfig{Store: st, Publisher: pub})
			ctx := t.Context()

			u1, err := inner.GetUser(ctx, "u1")
			require.NoError(t, err)
			tab1 := Caller{SessionID: "tab-1", ConversationID: "conv-1", User: u1}
			tab2 := Caller{SessionID: "tab-2", ConversationID: "conv-1", User: u1}

			require.NoError(t, h.Handle(ctx, tab1, &SendCommand{Content: "original"}))
			msg := pub.all()[0].Message

			st.beforeReturn = func() {
				require.NoError(t, h.Handle(ctx, tab2, &DeleteCommand{MessageID: msg.ID}))
			}
			require.NoError(t, h.Handle(ctx, tab1, &EditCommand{MessageID: msg.ID, Content: "back from the dead"}))

			stored, err := inner.GetMessage(ctx, msg.ID)
			require.NoError(t, err)
			assert.True(t, stored.IsDeleted)
			assert.Empty(t, stored.Content)
			assert.False(t, stored.IsEdited)

			events := pub.all()
			require.Len(t, events, 2, "send and delete only")
			assert.True(t, events[1].Message.IsDeleted)

			conv, err := inner.GetConversation(ctx, "conv-1")
			require.NoError(t, err)
			assert.Equal(t, "original", conv.LastMessage.Preview)

			// A second tab deleting the same message loses quietly too.
			st.beforeReturn = func() {
				require.NoError(t, h.Handle(ctx, tab2, &DeleteCommand{MessageID: msg.ID}))
			}
			require.NoError(t, h.Handle(ctx, tab1, &DeleteCommand{MessageID: msg.ID}))
			assert.Len(t, pub.all(), 2)
		})
	}
}

func TestHandler_ReadOnTombstoneIsNoOp(t *testing.T) {
	f := newHandlerFixture(t)
	msg := f.send(t, f.u1, "short lived")
	require.NoError(t, f.handler.Handle(t.Context(), f.u1, &DeleteCommand{MessageID: msg.ID}))

	require.NoError(t, f.handler.Handle(t.Context(), f.u2, &ReadCommand{MessageID: msg.ID}))

	stored, err := f.store.GetMessage(t.Context(), msg.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ReadBy)
	assert.Len(t, f.pub.all(), 2, "no read receipt for a tombstone")
}

func TestHandler_MissingOrForeignMessagesAreNoOps(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := t.Context()

	u1Other := Caller{SessionID: "s9", ConversationID: "conv-2", User: f.u1.User}
	require.NoError(t, f.handler.Handle(ctx, u1Other, &SendCommand{Content: "elsewhere"}))
	foreign := f.pub.all()[0].Message

	for _, cmd := range []Command{
		&EditCommand{MessageID: "missing", Content: "x"},
		&DeleteCommand{MessageID: "missing"},
		&ReadCommand{MessageID: "missing"},
		&EditCommand{MessageID: foreign.ID, Content: "x"},
		&DeleteCommand{MessageID: foreign.ID},
		&ReadCommand{MessageID: foreign.ID},
	} {
		assert.NoError(t, f.handler.Handle(ctx, f.u1, cmd), "%T", cmd)
	}

	assert.Len(t, f.pub.all(), 1)
	stored, err := f.store.GetMessage(ctx, foreign.ID)
	require.NoError(t, err)
	assert.Equal(t, "elsewhere", stored.Content)
	assert.Empty(t, stored.ReadBy)
}

func TestHandler_ReadFirstReaderWins(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := t.Context()
	msg := f.send(t, f.u1, "read me")

	require.NoError(t, f.handler.Handle(ctx, f.u2, &ReadCommand{MessageID: msg.ID}))
	readAt := f.clock
	f.tick()
	require.NoError(t, f.handler.Handle(ctx, f.u1, &ReadCommand{MessageID: msg.ID}))

	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "u2", stored.ReadBy)
	require.NotNil(t, stored.ReadAt)
	assert.True(t, stored.ReadAt.Equal(readAt))

	events := f.pub.all()
	require.Len(t, events, 2, "second read emits nothing")
	assert.Equal(t, conversation.EventRead, events[1].Kind)
	assert.Equal(t, "u2", events[1].UserID)
	assert.Equal(t, msg.ID, events[1].MessageID)
}

func TestHandler_ConcurrentReadsRecordOneReader(t *testing.T) {
	f := newHandlerFixture(t)
	msg := f.send(t, f.u1, "race")

	var wg sync.WaitGroup
	for _, c := range []Caller{f.u1, f.u2, f.u1, f.u2} {
		wg.Go(func() {
			assert.NoError(t, f.handler.Handle(context.Background(), c, &ReadCommand{MessageID: msg.ID}))
		})
	}
	wg.Wait()

	reads := 0
	for _, ev := range f.pub.all() {
		if ev.Kind == conversation.EventRead {
			reads++
		}
	}
	assert.Equal(t, 1, reads)
}

func TestHandler_TypingExcludesOriginSession(t *testing.T) {
	f := newHandlerFixture(t)

	require.NoError(t, f.handler.Handle(t.Context(), f.u1, &TypingCommand{IsTyping: true}))

	ev := f.pub.all()[0]
	assert.Equal(t, conversation.EventTyping, ev.Kind)
	assert.Equal(t, "s1", ev.ExcludeSession)
	assert.Equal(t, "U1", ev.UserName)
	assert.True(t, ev.IsTyping)
}

func TestHandler_UnknownAndReauth(t *testing.T) {
	f := newHandlerFixture(t)

	ce := requireKind(t, f.handler.Handle(t.Context(), f.u1, &UnknownCommand{RawType: "nope"}), KindProtocol)
	assert.Equal(t, MsgUnknownType, ce.Msg)

	ce = requireKind(t, f.handler.Handle(t.Context(), f.u1, &AuthCommand{Token: "x"}), KindProtocol)
	assert.Equal(t, MsgUnknownType, ce.Msg)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "", Preview(&store.Message{}))
	assert.Equal(t, "[File]", Preview(&store.Message{Kind: store.MessageKindFile, AttachmentRef: "x"}))
	assert.Equal(t, "[File]", Preview(&store.Message{Kind: store.MessageKindText, AttachmentRef: "x"}))
	assert.Equal(t, "caption", Preview(&store.Message{Kind: store.MessageKindImage, AttachmentRef: "x", Content: "caption"}))
}
