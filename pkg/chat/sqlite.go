package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SQLiteStore implements Store on a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

// SQLiteDSNForFile builds a DSN for a database file with the pragmas the
// store relies on (foreign keys for cascade deletes, WAL for concurrent
// sessions, busy timeout so parallel writers back off instead of failing).
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite store: empty database path")
	}
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", "5000")
	return "file:" + path + "?" + q.Encode(), nil
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			title TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_suggestions (
			conversation_id TEXT PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
			questions TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_user_conv ON conversations(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_conv_msg ON messages(conversation_id);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *SQLiteStore) EnsureUser(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("sqlite store: empty user id")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO users(id, created_at) VALUES(?, ?)",
		userID, nowRFC3339())
	return errors.Wrap(err, "ensure user")
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, userID, title string) (*Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("sqlite store: empty user id")
	}
	conv := &Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations(id, user_id, title, created_at, updated_at) VALUES(?,?,?,?,?)",
		conv.ID, conv.UserID, conv.Title,
		conv.CreatedAt.Format(time.RFC3339Nano), conv.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, errors.Wrap(err, "insert conversation")
	}
	return conv, nil
}

func (s *SQLiteStore) scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan conversation")
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, convID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ?", convID)
	return s.scanConversation(row)
}

func (s *SQLiteStore) MostRecentConversation(ctx context.Context, userID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC, created_at DESC LIMIT 1",
		userID)
	return s.scanConversation(row)
}

func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC, created_at DESC",
		userID)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	defer func() { _ = rows.Close() }()
	var out []*Conversation
	for rows.Next() {
		var c Conversation
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &createdAt, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "scan conversation")
		}
		c.CreatedAt = parseTime(createdAt)
		c.UpdatedAt = parseTime(updatedAt)
		out = append(out, &c)
	}
	return out, errors.Wrap(rows.Err(), "list conversations")
}

func (s *SQLiteStore) RenameConversation(ctx context.Context, convID, title string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET title = ? WHERE id = ?", title, convID)
	if err != nil {
		return errors.Wrap(err, "rename conversation")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *SQLiteStore) TouchConversation(ctx context.Context, convID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET updated_at = ? WHERE id = ?", nowRFC3339(), convID)
	return errors.Wrap(err, "touch conversation")
}

// DeleteConversation checks the ≥1-conversations invariant and deletes inside
// one transaction so concurrent deletes cannot both observe count > 1 and
// remove the user's final conversation.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, userID, convID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete")
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Warn().Err(err).Str("conv_id", convID).Msg("delete conversation rollback failed")
		}
	}()

	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conversations WHERE user_id = ?", userID).Scan(&count); err != nil {
		return errors.Wrap(err, "count conversations")
	}
	if count <= 1 {
		return ErrLastConversation
	}
	res, err := tx.ExecContext(ctx,
		"DELETE FROM conversations WHERE id = ? AND user_id = ?", convID, userID)
	if err != nil {
		return errors.Wrap(err, "delete conversation")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return errors.Wrap(tx.Commit(), "commit delete")
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, convID string, role Role, content string) (*Message, error) {
	m := &Message{
		ConversationID: convID,
		Role:           role,
		Content:        content,
		Timestamp:      time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO messages(conversation_id, role, content, timestamp) VALUES(?,?,?,?)",
		convID, string(role), content, m.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return nil, errors.Wrap(err, "insert message")
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "message id")
	}
	return m, nil
}

func (s *SQLiteStore) CountMessages(ctx context.Context, convID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ?", convID).Scan(&n)
	return n, errors.Wrap(err, "count messages")
}

func (s *SQLiteStore) ListMessages(ctx context.Context, convID string) ([]*Message, error) {
	return s.queryMessages(ctx,
		"SELECT id, conversation_id, role, content, timestamp FROM messages WHERE conversation_id = ? ORDER BY id ASC",
		convID)
}

func (s *SQLiteStore) TailMessages(ctx context.Context, convID string, n int) ([]*Message, error) {
	msgs, err := s.queryMessages(ctx,
		"SELECT id, conversation_id, role, content, timestamp FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?",
		convID, n)
	if err != nil {
		return nil, err
	}
	// reverse into oldest-first order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer func() { _ = rows.Close() }()
	var out []*Message
	for rows.Next() {
		var m Message
		var role, ts string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &ts); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		m.Role = Role(role)
		m.Timestamp = parseTime(ts)
		out = append(out, &m)
	}
	return out, errors.Wrap(rows.Err(), "query messages")
}

func (s *SQLiteStore) SaveSuggestions(ctx context.Context, convID string, questions []string) error {
	b, err := json.Marshal(questions)
	if err != nil {
		return errors.Wrap(err, "marshal suggestions")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_suggestions (conversation_id, questions, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET
		 questions = excluded.questions, updated_at = excluded.updated_at`,
		convID, string(b), nowRFC3339())
	return errors.Wrap(err, "save suggestions")
}

func (s *SQLiteStore) LoadSuggestions(ctx context.Context, convID string) ([]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT questions FROM conversation_suggestions WHERE conversation_id = ?", convID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load suggestions")
	}
	var questions []string
	if err := json.Unmarshal([]byte(raw), &questions); err != nil {
		log.Warn().Err(err).Str("conv_id", convID).Msg("discarding malformed cached suggestions")
		return nil, nil
	}
	return questions, nil
}
