// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists users, conversations, participants and messages with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so that lexical order on the stored text equals
// chronological order, and equality on it is exact.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := path
	if path != ":memory:" {
		// Per-connection pragmas must ride on the DSN so every pooled
		// connection gets them.
		dsn = path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps :memory: databases coherent and serializes
	// writers, which SQLite does anyway.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			email        TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			is_active    INTEGER NOT NULL DEFAULT 1,
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			type            TEXT NOT NULL,
			is_archived     INTEGER NOT NULL DEFAULT 0,
			is_active       INTEGER NOT NULL DEFAULT 1,
			last_message    TEXT NOT NULL DEFAULT '',
			last_message_at TEXT,
			last_message_by TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (type IN ('direct', 'group', 'client_agent', 'agent_agent'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_last_message_at
			ON conversations(last_message_at DESC);

		CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			joined_at       TEXT NOT NULL,

			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (user_id) REFERENCES users(id)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_user
			ON conversation_participants(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			kind            TEXT NOT NULL DEFAULT 'text',
			content         TEXT NOT NULL DEFAULT '',
			attachment_ref  TEXT,
			read_by         TEXT,
			read_at         TEXT,
			is_edited       INTEGER NOT NULL DEFAULT 0,
			edited_at       TEXT,
			is_deleted      INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (sender_id) REFERENCES users(id),
			CHECK (kind IN ('text', 'image', 'file', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_messages_unread
			ON messages(conversation_id, read_by);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for databases created before a
// column existed. These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "conversations",
			column: "is_active",
			apply:  `ALTER TABLE conversations ADD COLUMN is_active INTEGER NOT NULL DEFAULT 1`,
		},
		{
			table:  "messages",
			column: "attachment_ref",
			apply:  `ALTER TABLE messages ADD COLUMN attachment_ref TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping checks that the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// nullString converts an empty string to nil for nullable columns
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// ---- users ----

// CreateUser inserts a new user. Returns ErrDuplicate if the id or email is taken.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, is_active, created_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		user.ID,
		user.Email,
		user.DisplayName,
		boolToInt(user.IsActive),
		formatTime(user.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Debug("created user", "id", user.ID)
	return nil
}

const userColumns = `id, email, display_name, is_active, created_at`

func scanUser(row rowScanner) (*User, error) {
	var u User
	var active int
	var createdAt string
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &active, &createdAt); err != nil {
		return nil, err
	}
	u.IsActive = active != 0
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	u.CreatedAt = t
	return &u, nil
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email address.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by email: %w", err)
	}
	return u, nil
}

// ListUsers returns all users ordered by creation time
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ---- conversations ----

// CreateConversation inserts a conversation and its participants in one transaction.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, type, is_archived, is_active, last_message, last_message_at, last_message_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		conv.ID,
		string(conv.Type),
		boolToInt(conv.IsArchived),
		boolToInt(conv.IsActive),
		conv.LastMessage.Preview,
		snapshotAt(conv.LastMessage),
		nullString(conv.LastMessage.By),
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	joined := formatTime(conv.CreatedAt)
	for userID := range conv.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
			VALUES (?, ?, ?)
		`, conv.ID, userID, joined); err != nil {
			return fmt.Errorf("inserting participant %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "participants", len(conv.Participants))
	return nil
}

func snapshotAt(snap Snapshot) any {
	if snap.At.IsZero() {
		return nil
	}
	return formatTime(snap.At)
}

const conversationColumns = `id, type, is_archived, is_active, last_message, last_message_at, last_message_by, created_at, updated_at`

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var convType, createdAt, updatedAt string
	var archived, active int
	var lastAt, lastBy sql.NullString

	if err := row.Scan(&c.ID, &convType, &archived, &active, &c.LastMessage.Preview, &lastAt, &lastBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	c.Type = ConversationType(convType)
	c.IsArchived = archived != 0
	c.IsActive = active != 0
	c.LastMessage.By = lastBy.String

	at, err := parseNullTime(lastAt)
	if err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	if at != nil {
		c.LastMessage.At = *at
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) loadParticipants(ctx context.Context, conv *Conversation) error {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM conversation_participants WHERE conversation_id = ?`, conv.ID)
	if err != nil {
		return fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	conv.Participants = make(map[string]struct{})
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return fmt.Errorf("scanning participant: %w", err)
		}
		conv.Participants[userID] = struct{}{}
	}
	return rows.Err()
}

// GetConversation retrieves a conversation with its participant set.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	if err := s.loadParticipants(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// FindConversationByParticipants returns the oldest conversation whose
// participant set is exactly userIDs.
func (s *SQLiteStore) FindConversationByParticipants(ctx context.Context, userIDs []string) (*Conversation, error) {
	ids := uniqueStrings(userIDs)
	if len(ids) == 0 {
		return nil, ErrNotFound
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := `
		SELECT p.conversation_id
		FROM conversation_participants p
		JOIN conversations c ON c.id = p.conversation_id
		GROUP BY p.conversation_id
		HAVING COUNT(*) = ?
		   AND SUM(CASE WHEN p.user_id IN (` + placeholders + `) THEN 1 ELSE 0 END) = ?
		ORDER BY MIN(c.created_at)
		LIMIT 1
	`
	args := make([]any, 0, len(ids)+2)
	args = append(args, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, len(ids))

	var convID string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding conversation by participants: %w", err)
	}
	return s.GetConversation(ctx, convID)
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ListConversationsForUser returns the user's conversations filtered by archive
// state, most recently active first.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string, archived bool) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns("c.", conversationColumns)+`
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ? AND c.is_archived = ?
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id
	`, userID, boolToInt(archived))
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	rows.Close()

	for _, conv := range convs {
		if err := s.loadParticipants(ctx, conv); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// IsParticipant reports whether userID belongs to the conversation.
// A missing conversation is reported as false, not an error.
func (s *SQLiteStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM conversation_participants WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking participant: %w", err)
	}
	return true, nil
}

// AddParticipant adds a user to a conversation. Adding an existing member is a no-op.
func (s *SQLiteStore) AddParticipant(ctx context.Context, conversationID, userID string) error {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id, joined_at)
		VALUES (?, ?, ?)
	`, conversationID, userID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("adding participant: %w", err)
	}
	return nil
}

// RemoveParticipant removes a user from a conversation.
// Returns ErrNotFound if the user was not a member.
func (s *SQLiteStore) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_participants WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("removing participant: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetConversationArchived sets the archive flag.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) SetConversationArchived(ctx context.Context, conversationID string, archived bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET is_archived = ?, updated_at = ? WHERE id = ?
	`, boolToInt(archived), formatTime(time.Now()), conversationID)
	if err != nil {
		return fmt.Errorf("updating conversation archive flag: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetConversationSnapshot writes the snapshot unless a newer one is stored.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) SetConversationSnapshot(ctx context.Context, conversationID string, snap Snapshot) error {
	at := formatTime(snap.At)
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET last_message = ?, last_message_at = ?, last_message_by = ?, updated_at = ?
		WHERE id = ? AND (last_message_at IS NULL OR last_message_at <= ?)
	`, snap.Preview, at, nullString(snap.By), formatTime(time.Now()), conversationID, at)
	if err != nil {
		return fmt.Errorf("updating conversation snapshot: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		// Either missing or already newer; only the former is an error.
		if _, err := s.GetConversation(ctx, conversationID); err != nil {
			return err
		}
	}
	return nil
}

// UpdateConversationSnapshot is a compare-and-set on last_message_at.
func (s *SQLiteStore) UpdateConversationSnapshot(ctx context.Context, conversationID string, snap Snapshot, expectedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET last_message = ?, last_message_at = ?, last_message_by = ?, updated_at = ?
		WHERE id = ? AND last_message_at = ?
	`, snap.Preview, formatTime(snap.At), nullString(snap.By), formatTime(time.Now()), conversationID, formatTime(expectedAt))
	if err != nil {
		return false, fmt.Errorf("updating conversation snapshot: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// CountUnread counts non-deleted messages from other senders with no reader
func (s *SQLiteStore) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND read_by IS NULL AND sender_id != ? AND is_deleted = 0
	`, conversationID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return count, nil
}

// MarkConversationRead marks all unread messages from other senders as read by userID.
func (s *SQLiteStore) MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) (int, error) {
	ts := formatTime(at)
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read_by = ?, read_at = ?, updated_at = ?
		WHERE conversation_id = ? AND read_by IS NULL AND sender_id != ?
	`, userID, ts, ts, conversationID, userID)
	if err != nil {
		return 0, fmt.Errorf("marking conversation read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(n), nil
}

// ---- messages ----

// CreateMessage inserts a new message. Returns ErrDuplicate if the ID exists.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, kind, content, attachment_ref,
			read_by, read_at, is_edited, edited_at, is_deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		string(msg.Kind),
		msg.Content,
		nullString(msg.AttachmentRef),
		nullString(msg.ReadBy),
		nullTime(msg.ReadAt),
		boolToInt(msg.IsEdited),
		nullTime(msg.EditedAt),
		boolToInt(msg.IsDeleted),
		formatTime(msg.CreatedAt),
		formatTime(msg.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("created message", "id", msg.ID, "conversation_id", msg.ConversationID)
	return nil
}

const messageColumns = `id, conversation_id, sender_id, kind, content, attachment_ref,
	read_by, read_at, is_edited, edited_at, is_deleted, created_at, updated_at`

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var kind, createdAt, updatedAt string
	var attachment, readBy, readAt, editedAt sql.NullString
	var edited, deleted int

	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &kind, &m.Content, &attachment,
		&readBy, &readAt, &edited, &editedAt, &deleted, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	m.Kind = MessageKind(kind)
	m.AttachmentRef = attachment.String
	m.ReadBy = readBy.String
	m.IsEdited = edited != 0
	m.IsDeleted = deleted != 0

	var err error
	if m.ReadAt, err = parseNullTime(readAt); err != nil {
		return nil, fmt.Errorf("parsing read_at: %w", err)
	}
	if m.EditedAt, err = parseNullTime(editedAt); err != nil {
		return nil, fmt.Errorf("parsing edited_at: %w", err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &m, nil
}

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return m, nil
}

// UpdateMessage writes the mutable content fields of a message.
// Returns ErrNotFound if the message doesn't exist or is already a tombstone.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg *Message) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET content = ?, attachment_ref = ?, is_edited = ?, edited_at = ?, is_deleted = ?, updated_at = ?
		WHERE id = ? AND is_deleted = 0
	`,
		msg.Content,
		nullString(msg.AttachmentRef),
		boolToInt(msg.IsEdited),
		nullTime(msg.EditedAt),
		boolToInt(msg.IsDeleted),
		formatTime(msg.UpdatedAt),
		msg.ID,
	)
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMessageRead sets read_by/read_at only if no reader is recorded yet
// and the message is not a tombstone. Returns ErrNotFound if the message
// doesn't exist.
func (s *SQLiteStore) MarkMessageRead(ctx context.Context, messageID, readerID string, at time.Time) (bool, error) {
	ts := formatTime(at)
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read_by = ?, read_at = ?, updated_at = ?
		WHERE id = ? AND read_by IS NULL AND is_deleted = 0
	`, readerID, ts, ts, messageID)
	if err != nil {
		return false, fmt.Errorf("marking message read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetMessage(ctx, messageID); err != nil {
		return false, err
	}
	return false, nil
}

// ListMessages returns up to limit most recent non-deleted messages, oldest first
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND is_deleted = 0
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
