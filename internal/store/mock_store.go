// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite; mirrors SQLiteStore semantics

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// All values are copied in and out so callers cannot mutate stored state.
type MockStore struct {
	mu            sync.RWMutex
	users         map[string]*User         // keyed by user ID
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string]*Message      // keyed by message ID

	// failNext, when set, is returned once by the next write operation.
	failNext error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[string]*User),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
	}
}

// FailNextWrite makes the next write operation return err.
func (m *MockStore) FailNextWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// takeFailure returns and clears the pending failure. Must be called with mu held.
func (m *MockStore) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	cp.Participants = make(map[string]struct{}, len(c.Participants))
	for id := range c.Participants {
		cp.Participants[id] = struct{}{}
	}
	return &cp
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, exists := m.users[user.ID]; exists {
		return ErrDuplicate
	}
	for _, u := range m.users {
		if u.Email == user.Email {
			return ErrDuplicate
		}
	}

	u := *user
	m.users[u.ID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByEmail retrieves a user by email.
func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListUsers returns all users ordered by creation time.
func (m *MockStore) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		users = append(users, &cp)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicate
	}
	m.conversations[conv.ID] = copyConversation(conv)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// FindConversationByParticipants returns the oldest conversation with exactly userIDs.
func (m *MockStore) FindConversationByParticipants(ctx context.Context, userIDs []string) (*Conversation, error) {
	ids := uniqueStrings(userIDs)
	if len(ids) == 0 {
		return nil, ErrNotFound
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Conversation
	for _, c := range m.conversations {
		if len(c.Participants) != len(ids) {
			continue
		}
		match := true
		for _, id := range ids {
			if !c.HasParticipant(id) {
				match = false
				break
			}
		}
		if match && (found == nil || c.CreatedAt.Before(found.CreatedAt)) {
			found = c
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return copyConversation(found), nil
}

// ListConversationsForUser returns the user's conversations, most recently active first.
func (m *MockStore) ListConversationsForUser(ctx context.Context, userID string, archived bool) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var convs []*Conversation
	for _, c := range m.conversations {
		if c.HasParticipant(userID) && c.IsArchived == archived {
			convs = append(convs, copyConversation(c))
		}
	}
	activity := func(c *Conversation) time.Time {
		if c.LastMessage.At.IsZero() {
			return c.CreatedAt
		}
		return c.LastMessage.At
	}
	sort.Slice(convs, func(i, j int) bool {
		ai, aj := activity(convs[i]), activity(convs[j])
		if ai.Equal(aj) {
			return convs[i].ID < convs[j].ID
		}
		return ai.After(aj)
	})
	return convs, nil
}

// IsParticipant reports whether userID belongs to the conversation.
func (m *MockStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return false, nil
	}
	return c.HasParticipant(userID), nil
}

// AddParticipant adds a user to a conversation.
func (m *MockStore) AddParticipant(ctx context.Context, conversationID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.Participants[userID] = struct{}{}
	return nil
}

// RemoveParticipant removes a user from a conversation.
func (m *MockStore) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok || !c.HasParticipant(userID) {
		return ErrNotFound
	}
	delete(c.Participants, userID)
	return nil
}

// SetConversationArchived sets the archive flag.
func (m *MockStore) SetConversationArchived(ctx context.Context, conversationID string, archived bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.IsArchived = archived
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// SetConversationSnapshot writes the snapshot unless a newer one is stored.
func (m *MockStore) SetConversationSnapshot(ctx context.Context, conversationID string, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if !c.LastMessage.At.IsZero() && c.LastMessage.At.After(snap.At) {
		return nil
	}
	c.LastMessage = snap
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateConversationSnapshot replaces the snapshot only if its timestamp equals expectedAt.
func (m *MockStore) UpdateConversationSnapshot(ctx context.Context, conversationID string, snap Snapshot, expectedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return false, err
	}
	c, ok := m.conversations[conversationID]
	if !ok || c.LastMessage.At.IsZero() || !c.LastMessage.At.Equal(expectedAt) {
		return false, nil
	}
	c.LastMessage = snap
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

// CountUnread counts non-deleted messages from other senders with no reader.
func (m *MockStore) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && msg.ReadBy == "" && msg.SenderID != userID && !msg.IsDeleted {
			count++
		}
	}
	return count, nil
}

// MarkConversationRead marks unread messages from other senders as read by userID.
func (m *MockStore) MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return 0, err
	}
	count := 0
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && msg.ReadBy == "" && msg.SenderID != userID {
			readAt := at
			msg.ReadBy = userID
			msg.ReadAt = &readAt
			msg.UpdatedAt = at
			count++
		}
	}
	return count, nil
}

// CreateMessage stores a new message.
func (m *MockStore) CreateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, exists := m.messages[msg.ID]; exists {
		return ErrDuplicate
	}
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return errors.New("inserting message: FOREIGN KEY constraint failed")
	}
	m.messages[msg.ID] = msg.Clone()
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg.Clone(), nil
}

// UpdateMessage writes the mutable content fields of a message.
func (m *MockStore) UpdateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	existing, ok := m.messages[msg.ID]
	if !ok || existing.IsDeleted {
		return ErrNotFound
	}
	upd := msg.Clone()
	existing.Content = upd.Content
	existing.AttachmentRef = upd.AttachmentRef
	existing.IsEdited = upd.IsEdited
	existing.EditedAt = upd.EditedAt
	existing.IsDeleted = upd.IsDeleted
	existing.UpdatedAt = upd.UpdatedAt
	return nil
}

// MarkMessageRead records the first reader of a message.
func (m *MockStore) MarkMessageRead(ctx context.Context, messageID, readerID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return false, err
	}
	msg, ok := m.messages[messageID]
	if !ok {
		return false, ErrNotFound
	}
	if msg.ReadBy != "" || msg.IsDeleted {
		return false, nil
	}
	readAt := at
	msg.ReadBy = readerID
	msg.ReadAt = &readAt
	msg.UpdatedAt = at
	return true, nil
}

// ListMessages returns up to limit most recent non-deleted messages, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var msgs []*Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && !msg.IsDeleted {
			msgs = append(msgs, msg.Clone())
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
