package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ecmoce/chatgate"
)

// MemStore is the in-memory fallback used when durable storage is
// unavailable. Contents do not survive a restart; the Gateway flags
// turns served from here as degraded.
type MemStore struct {
	mu       sync.Mutex
	nextID   int64
	convs    map[string]*chatgate.Conversation
	messages map[string][]chatgate.Message
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		convs:    make(map[string]*chatgate.Conversation),
		messages: make(map[string][]chatgate.Message),
	}
}

func (s *MemStore) EnsureConversation(user, optionalID, firstMessage string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := optionalID
	if id != "" {
		if c, ok := s.convs[id]; ok {
			if c.User == user {
				return id, nil
			}
			// Someone else's id; never adopt or replace it.
			id = ""
		}
	}
	if id == "" {
		id = NewConversationID()
	}
	now := time.Now()
	s.convs[id] = &chatgate.Conversation{
		ID:        id,
		User:      user,
		Title:     DeriveTitle(firstMessage),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

func (s *MemStore) Append(convID string, msg chatgate.Message) (chatgate.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	msg.ID = s.nextID
	msg.ConversationID = convID
	msg.CreatedAt = time.Now()
	for i := range msg.Files {
		if msg.Files[i].ID == "" {
			msg.Files[i].ID = strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		}
	}
	s.messages[convID] = append(s.messages[convID], msg)
	if c, ok := s.convs[convID]; ok {
		c.UpdatedAt = msg.CreatedAt
	}
	return msg, nil
}

func (s *MemStore) History(convID string) ([]chatgate.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[convID]
	out := make([]chatgate.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemStore) UpdateTitle(convID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.convs[convID]; ok {
		c.Title = title
		c.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemStore) Conversations(user string) ([]chatgate.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var convs []chatgate.Conversation
	for _, c := range s.convs {
		if c.User == user {
			convs = append(convs, *c)
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

func (s *MemStore) Owner(convID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.convs[convID]; ok {
		return c.User, nil
	}
	return "", nil
}

func (s *MemStore) Delete(convID, user string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[convID]
	if !ok || c.User != user {
		return false, nil
	}
	delete(s.convs, convID)
	delete(s.messages, convID)
	return true, nil
}

func (s *MemStore) DeleteAll(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range s.convs {
		if c.User == user {
			delete(s.convs, id)
			delete(s.messages, id)
		}
	}
	return nil
}

func (s *MemStore) Search(user, query string) ([]SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := strings.ToLower(query)
	var results []SearchResult
	for id, c := range s.convs {
		if c.User != user {
			continue
		}
		for _, m := range s.messages[id] {
			if strings.Contains(strings.ToLower(m.Content), q) {
				results = append(results, SearchResult{
					ConversationID: id,
					Title:          c.Title,
					Snippet:        snippet(m.Content, query),
					UpdatedAt:      c.UpdatedAt,
				})
				break
			}
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].UpdatedAt.After(results[j].UpdatedAt)
	})
	return results, nil
}

func (s *MemStore) Close() error { return nil }
