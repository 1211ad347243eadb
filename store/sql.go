package store

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ecmoce/chatgate"
)

// SQLStore implements Store on SQLite.
type SQLStore struct {
	mu sync.Mutex
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

// Open initializes the SQLite database at path, creating the schema on
// first use.
func Open(path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	s := &SQLStore{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initialize() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT 'New conversation',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			elapsed REAL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			message_id INTEGER REFERENCES messages(id) ON DELETE CASCADE,
			filename TEXT NOT NULL,
			original_name TEXT NOT NULL,
			mime_type TEXT,
			size INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_msg ON attachments(message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conv_user ON conversations(user)`,
		`CREATE INDEX IF NOT EXISTS idx_conv_updated ON conversations(updated_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: initialize: %w", err)
		}
	}
	return nil
}

// NewConversationID mints an opaque conversation id.
func NewConversationID() string {
	u := uuid.New()
	return fmt.Sprintf("c_%d_%s", time.Now().Unix(), hex.EncodeToString(u[:2]))
}

func (s *SQLStore) EnsureConversation(user, optionalID, firstMessage string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := optionalID
	if id != "" {
		var owner string
		err := s.db.QueryRow(
			`SELECT user FROM conversations WHERE id=?`, id,
		).Scan(&owner)
		switch {
		case err == nil && owner == user:
			return id, nil
		case err == nil:
			// Someone else's id; never adopt or replace it.
			id = ""
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("store: ensure conversation: %w", err)
		}
	}
	if id == "" {
		id = NewConversationID()
	}
	now := time.Now().Unix()
	_, err := s.db.Exec(
		`INSERT INTO conversations (id, user, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, user, DeriveTitle(firstMessage), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("store: create conversation: %w", err)
	}
	return id, nil
}

func (s *SQLStore) Append(convID string, msg chatgate.Message) (chatgate.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO messages (conversation_id, role, content, elapsed, created_at) VALUES (?, ?, ?, ?, ?)`,
		convID, string(msg.Role), msg.Content, nullFloat(msg.Elapsed), now.Unix(),
	)
	if err != nil {
		return chatgate.Message{}, fmt.Errorf("store: append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chatgate.Message{}, fmt.Errorf("store: append message: %w", err)
	}

	for _, f := range msg.Files {
		attID := f.ID
		if attID == "" {
			attID = strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		}
		if _, err := s.db.Exec(
			`INSERT INTO attachments (id, message_id, filename, original_name, mime_type, size, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			attID, id, f.Filename, f.OriginalName, f.MimeType, f.Size, now.Unix(),
		); err != nil {
			return chatgate.Message{}, fmt.Errorf("store: append attachment: %w", err)
		}
	}

	if _, err := s.db.Exec(
		`UPDATE conversations SET updated_at=? WHERE id=?`, now.Unix(), convID,
	); err != nil {
		return chatgate.Message{}, fmt.Errorf("store: touch conversation: %w", err)
	}

	msg.ID = id
	msg.ConversationID = convID
	msg.CreatedAt = now
	return msg, nil
}

func (s *SQLStore) History(convID string) ([]chatgate.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, conversation_id, role, content, COALESCE(elapsed, 0), created_at
		 FROM messages WHERE conversation_id=? ORDER BY id LIMIT 1000`, convID)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	var msgs []chatgate.Message
	for rows.Next() {
		var m chatgate.Message
		var role string
		var created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Elapsed, &created); err != nil {
			return nil, fmt.Errorf("store: history scan: %w", err)
		}
		m.Role = chatgate.Role(role)
		m.CreatedAt = time.Unix(created, 0)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}

	for i := range msgs {
		files, err := s.attachments(msgs[i].ID)
		if err != nil {
			return nil, err
		}
		msgs[i].Files = files
	}
	return msgs, nil
}

func (s *SQLStore) attachments(messageID int64) ([]chatgate.Attachment, error) {
	rows, err := s.db.Query(
		`SELECT id, filename, original_name, COALESCE(mime_type, ''), COALESCE(size, 0)
		 FROM attachments WHERE message_id=?`, messageID)
	if err != nil {
		return nil, fmt.Errorf("store: attachments: %w", err)
	}
	defer rows.Close()

	var files []chatgate.Attachment
	for rows.Next() {
		var a chatgate.Attachment
		if err := rows.Scan(&a.ID, &a.Filename, &a.OriginalName, &a.MimeType, &a.Size); err != nil {
			return nil, fmt.Errorf("store: attachments scan: %w", err)
		}
		files = append(files, a)
	}
	return files, rows.Err()
}

func (s *SQLStore) UpdateTitle(convID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE conversations SET title=?, updated_at=? WHERE id=?`,
		title, time.Now().Unix(), convID,
	)
	if err != nil {
		return fmt.Errorf("store: update title: %w", err)
	}
	return nil
}

func (s *SQLStore) Conversations(user string) ([]chatgate.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, user, title, created_at, updated_at
		 FROM conversations WHERE user=? ORDER BY updated_at DESC LIMIT 100`, user)
	if err != nil {
		return nil, fmt.Errorf("store: conversations: %w", err)
	}
	defer rows.Close()

	var convs []chatgate.Conversation
	for rows.Next() {
		var c chatgate.Conversation
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.User, &c.Title, &created, &updated); err != nil {
			return nil, fmt.Errorf("store: conversations scan: %w", err)
		}
		c.CreatedAt = time.Unix(created, 0)
		c.UpdatedAt = time.Unix(updated, 0)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *SQLStore) Owner(convID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owner string
	err := s.db.QueryRow(`SELECT user FROM conversations WHERE id=?`, convID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: owner: %w", err)
	}
	return owner, nil
}

func (s *SQLStore) Delete(convID, user string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM conversations WHERE id=? AND user=?`, convID, user)
	if err != nil {
		return false, fmt.Errorf("store: delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: delete conversation: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) DeleteAll(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM conversations WHERE user=?`, user); err != nil {
		return fmt.Errorf("store: delete all conversations: %w", err)
	}
	return nil
}

func (s *SQLStore) Search(user, query string) ([]SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.db.Query(
		`SELECT c.id, c.title, c.updated_at, MIN(m.content)
		 FROM messages m
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE c.user = ? AND m.content LIKE ? ESCAPE '\'
		 GROUP BY c.id
		 ORDER BY c.updated_at DESC
		 LIMIT 50`, user, pattern)
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var updated int64
		var content string
		if err := rows.Scan(&r.ConversationID, &r.Title, &updated, &content); err != nil {
			return nil, fmt.Errorf("store: search scan: %w", err)
		}
		r.UpdatedAt = time.Unix(updated, 0)
		r.Snippet = snippet(content, query)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// escapeLike escapes LIKE metacharacters in user-supplied search text.
func escapeLike(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(q)
}

// snippet extracts a short window of content around the first match.
func snippet(content, query string) string {
	const windowRunes = 60
	idx := strings.Index(strings.ToLower(content), strings.ToLower(query))
	if idx < 0 {
		idx = 0
	}
	runes := []rune(content)
	// Convert byte offset to a rune offset.
	start := len([]rune(content[:idx]))
	if start > windowRunes/2 {
		start -= windowRunes / 2
	} else {
		start = 0
	}
	end := start + windowRunes
	if end > len(runes) {
		end = len(runes)
	}
	out := string(runes[start:end])
	if start > 0 {
		out = "..." + out
	}
	if end < len(runes) {
		out += "..."
	}
	return out
}

// nullFloat maps a zero elapsed to NULL so user messages carry no elapsed.
func nullFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}
