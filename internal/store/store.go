// Package store provides the SQLite-backed persistence layer for FishQuery
// chats. A Chat groups Messages ordered by creation time; each message
// carries a role and a free-form JSON metadata blob used for source
// citations and disconnect flags. Registered users are tracked for daily
// message quotas; anonymous callers are keyed by session id and never touch
// the users table.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Role identifies the author of a chat message.
type Role string

const (
	// RoleUser is a message sent by the person asking the question.
	RoleUser Role = "user"
	// RoleAssistant is a message produced by the answer pipeline.
	RoleAssistant Role = "assistant"
)

// Sentinel errors returned by the store.
var (
	// ErrNotFound is returned when a chat does not exist or the caller
	// does not own it. The two cases are deliberately indistinguishable.
	ErrNotFound = errors.New("store: chat not found")

	// ErrQuotaExceeded is returned by ConsumeQuota when the user has spent
	// their daily message allowance.
	ErrQuotaExceeded = errors.New("store: daily message quota exceeded")

	// ErrUserNotFound is returned by UserByToken when no user is registered
	// under the presented API token.
	ErrUserNotFound = errors.New("store: user not found")
)

// Owner identifies who a chat belongs to: a registered user (UserID > 0) or
// an anonymous session. Exactly one of the two fields is meaningful.
type Owner struct {
	// UserID is the registered user's id, or zero for anonymous callers.
	UserID int64
	// SessionID keys anonymous chats; ignored when UserID is set.
	SessionID string
}

// Chat is one conversation thread.
type Chat struct {
	// ID is a UUID string assigned at creation.
	ID string
	// Title is derived from the first user message.
	Title string
	// Owner identifies the chat's owner.
	Owner Owner
	// CreatedAt is when the chat was created.
	CreatedAt time.Time
	// UpdatedAt advances every time a message is appended.
	UpdatedAt time.Time
}

// Message is a single turn in a chat.
type Message struct {
	// ID is a UUID string assigned at creation.
	ID string
	// ChatID is the owning chat.
	ChatID string
	// Role is the author of the message.
	Role Role
	// Content is the text of the message.
	Content string
	// Metadata carries per-message JSON: source citations on assistant
	// messages, a client_disconnected flag on aborted streams. Nil means
	// no metadata.
	Metadata map[string]any
	// CreatedAt is when the message was persisted.
	CreatedAt time.Time
}

// User is a registered caller with a daily message quota.
type User struct {
	// ID is the primary key.
	ID int64
	// Email is the user's login identity.
	Email string
	// APIToken authenticates API requests via the Authorization header.
	APIToken string
	// DailyMessageQuota is the number of messages allowed per calendar day.
	DailyMessageQuota int
	// MessagesUsedToday counts messages sent since the last reset.
	MessagesUsedToday int
	// LastMessageReset is the date (YYYY-MM-DD) the counter last rolled over.
	LastMessageReset string
}

// ChatStore persists chats, messages and user quotas. Implementations must
// be safe for concurrent use.
type ChatStore interface {
	// CreateChat creates a new chat for the given owner.
	CreateChat(ctx context.Context, owner Owner, title string) (*Chat, error)
	// GetChat returns the chat only if owner matches; otherwise ErrNotFound.
	GetChat(ctx context.Context, id string, owner Owner) (*Chat, error)
	// AppendMessage persists one message and bumps the chat's updated_at.
	AppendMessage(ctx context.Context, chatID string, role Role, content string, metadata map[string]any) (*Message, error)
	// Messages returns all messages of a chat, oldest first.
	Messages(ctx context.Context, chatID string) ([]Message, error)
	// UserByToken looks up a registered user by API token. Returns
	// ErrUserNotFound when no user holds the token.
	UserByToken(ctx context.Context, token string) (*User, error)
	// ConsumeQuota spends one message from the user's daily allowance,
	// rolling the counter over on a new day. Returns ErrQuotaExceeded when
	// the allowance is spent.
	ConsumeQuota(ctx context.Context, userID int64) error
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is a ChatStore backed by a local SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

var _ ChatStore = (*SQLiteStore)(nil)

// DefaultDBPath returns the default path for the chat database. It resolves
// to ~/.fishquery/fishquery.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".fishquery")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "fishquery.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS chats (
    id           TEXT    PRIMARY KEY,
    title        TEXT    NOT NULL DEFAULT '',
    user_id      INTEGER,
    session_id   TEXT,
    created_at   INTEGER NOT NULL,  -- Unix timestamp (seconds)
    updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chats_user    ON chats (user_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_chats_session ON chats (session_id, updated_at);

CREATE TABLE IF NOT EXISTS messages (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,  -- stable intra-chat order
    id           TEXT    NOT NULL UNIQUE,
    chat_id      TEXT    NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
    role         TEXT    NOT NULL CHECK(role IN ('user','assistant')),
    content      TEXT    NOT NULL,
    metadata     TEXT    NOT NULL DEFAULT '{}',
    created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages (chat_id, seq);

CREATE TABLE IF NOT EXISTS users (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    email                TEXT    NOT NULL UNIQUE,
    api_token            TEXT    NOT NULL UNIQUE,
    daily_message_quota  INTEGER NOT NULL DEFAULT 10,
    messages_used_today  INTEGER NOT NULL DEFAULT 0,
    last_message_reset   TEXT    NOT NULL  -- YYYY-MM-DD
);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// ownerClause returns the WHERE fragment and argument scoping a chat query
// to its owner.
func ownerClause(owner Owner) (string, any) {
	if owner.UserID > 0 {
		return "user_id = ?", owner.UserID
	}
	return "session_id = ?", owner.SessionID
}

// CreateChat creates a new chat for the given owner.
func (s *SQLiteStore) CreateChat(ctx context.Context, owner Owner, title string) (*Chat, error) {
	now := time.Now()
	c := &Chat{
		ID:        uuid.NewString(),
		Title:     title,
		Owner:     owner,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var userID any
	if owner.UserID > 0 {
		userID = owner.UserID
	}
	var sessionID any
	if owner.SessionID != "" {
		sessionID = owner.SessionID
	}

	const q = `INSERT INTO chats (id, title, user_id, session_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, c.ID, c.Title, userID, sessionID, now.Unix(), now.Unix()); err != nil {
		return nil, fmt.Errorf("store: create chat: %w", err)
	}
	return c, nil
}

// GetChat returns the chat only if owner matches; ErrNotFound otherwise.
func (s *SQLiteStore) GetChat(ctx context.Context, id string, owner Owner) (*Chat, error) {
	clause, arg := ownerClause(owner)
	q := `SELECT id, title, COALESCE(user_id, 0), COALESCE(session_id, ''), created_at, updated_at FROM chats WHERE id = ? AND ` + clause

	var c Chat
	var created, updated int64
	err := s.db.QueryRowContext(ctx, q, id, arg).Scan(&c.ID, &c.Title, &c.Owner.UserID, &c.Owner.SessionID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get chat: %w", err)
	}
	c.CreatedAt = time.Unix(created, 0)
	c.UpdatedAt = time.Unix(updated, 0)
	return &c, nil
}

// AppendMessage persists one message and bumps the chat's updated_at.
func (s *SQLiteStore) AppendMessage(ctx context.Context, chatID string, role Role, content string, metadata map[string]any) (*Message, error) {
	meta := []byte("{}")
	if len(metadata) > 0 {
		var err error
		meta, err = json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("store: encoding message metadata: %w", err)
		}
	}

	now := time.Now()
	m := &Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: append message: %w", err)
	}
	defer tx.Rollback()

	const ins = `INSERT INTO messages (id, chat_id, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, ins, m.ID, chatID, string(role), content, string(meta), now.Unix()); err != nil {
		return nil, fmt.Errorf("store: append message: %w", err)
	}
	const bump = `UPDATE chats SET updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, bump, now.Unix(), chatID); err != nil {
		return nil, fmt.Errorf("store: append message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: append message: %w", err)
	}
	return m, nil
}

// Messages returns all messages of a chat, oldest first.
func (s *SQLiteStore) Messages(ctx context.Context, chatID string) ([]Message, error) {
	const q = `SELECT id, role, content, metadata, created_at FROM messages WHERE chat_id = ? ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, q, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m := Message{ChatID: chatID}
		var role, meta string
		var ts int64
		if err := rows.Scan(&m.ID, &role, &m.Content, &meta, &ts); err != nil {
			return nil, fmt.Errorf("store: messages scan: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = time.Unix(ts, 0)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
				return nil, fmt.Errorf("store: decoding message metadata: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: messages rows: %w", err)
	}
	return msgs, nil
}

// CreateUser registers a user with the given quota. A quota of zero means
// the default of 10 messages per day.
func (s *SQLiteStore) CreateUser(ctx context.Context, email, apiToken string, quota int) (*User, error) {
	if quota <= 0 {
		quota = 10
	}
	u := &User{
		Email:             email,
		APIToken:          apiToken,
		DailyMessageQuota: quota,
		LastMessageReset:  time.Now().Format(time.DateOnly),
	}

	const q = `INSERT INTO users (email, api_token, daily_message_quota, messages_used_today, last_message_reset) VALUES (?, ?, ?, 0, ?)`
	res, err := s.db.ExecContext(ctx, q, email, apiToken, quota, u.LastMessageReset)
	if err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	u.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return u, nil
}

// EnsureUser returns the user registered under apiToken, creating it when no
// such user exists. It backs token bootstrap from the environment, so serving
// without a pre-seeded database still accepts the configured tokens.
func (s *SQLiteStore) EnsureUser(ctx context.Context, email, apiToken string, quota int) (*User, error) {
	u, err := s.UserByToken(ctx, apiToken)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	return s.CreateUser(ctx, email, apiToken, quota)
}

// UserByToken looks up a registered user by API token. Returns
// ErrUserNotFound when no user holds the token.
func (s *SQLiteStore) UserByToken(ctx context.Context, token string) (*User, error) {
	const q = `SELECT id, email, api_token, daily_message_quota, messages_used_today, last_message_reset FROM users WHERE api_token = ?`

	var u User
	err := s.db.QueryRowContext(ctx, q, token).Scan(&u.ID, &u.Email, &u.APIToken, &u.DailyMessageQuota, &u.MessagesUsedToday, &u.LastMessageReset)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: user by token: %w", err)
	}
	return &u, nil
}

// ConsumeQuota spends one message from the user's daily allowance inside a
// single transaction: roll the counter over on a new day, check, increment.
func (s *SQLiteStore) ConsumeQuota(ctx context.Context, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: consume quota: %w", err)
	}
	defer tx.Rollback()

	var quota, used int
	var lastReset string
	const sel = `SELECT daily_message_quota, messages_used_today, last_message_reset FROM users WHERE id = ?`
	if err := tx.QueryRowContext(ctx, sel, userID).Scan(&quota, &used, &lastReset); err != nil {
		return fmt.Errorf("store: consume quota: %w", err)
	}

	today := time.Now().Format(time.DateOnly)
	if lastReset != today {
		used = 0
	}
	if used >= quota {
		return ErrQuotaExceeded
	}

	const upd = `UPDATE users SET messages_used_today = ?, last_message_reset = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, upd, used+1, today, userID); err != nil {
		return fmt.Errorf("store: consume quota: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: consume quota: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
