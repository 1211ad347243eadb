// Package store persists conversations and messages. The SQL store is
// the durable backend; the Gateway wraps it with a best-effort in-memory
// fallback so a storage outage degrades a turn instead of failing it.
package store

import (
	"time"

	"github.com/ecmoce/chatgate"
)

// titleLimit bounds derived conversation titles, in runes.
const titleLimit = 40

// Store is the persistence contract shared by the SQL and in-memory
// implementations.
type Store interface {
	// EnsureConversation returns an existing conversation id or creates
	// a new conversation, deriving its title from the first message.
	// An empty optionalID always creates.
	EnsureConversation(user, optionalID, firstMessage string) (string, error)

	// Append stores one message, assigning its id and timestamp, and
	// touches the conversation's updated_at.
	Append(convID string, msg chatgate.Message) (chatgate.Message, error)

	// History returns the conversation's messages in insertion order,
	// with attachment references joined.
	History(convID string) ([]chatgate.Message, error)

	// UpdateTitle replaces the conversation title.
	UpdateTitle(convID, title string) error

	// Conversations lists the user's most recent conversations.
	Conversations(user string) ([]chatgate.Conversation, error)

	// Owner returns the user holding the conversation, or "" if no such
	// conversation exists.
	Owner(convID string) (string, error)

	// Delete removes one conversation owned by user. Returns false if
	// no such conversation exists.
	Delete(convID, user string) (bool, error)

	// DeleteAll removes every conversation owned by user.
	DeleteAll(user string) error

	// Search matches messages by content and groups hits by conversation.
	Search(user, query string) ([]SearchResult, error)

	Close() error
}

// SearchResult is one conversation-level search hit.
type SearchResult struct {
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	Snippet        string    `json:"snippet"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DeriveTitle derives a conversation title from its first user message.
func DeriveTitle(firstMessage string) string {
	runes := []rune(firstMessage)
	if len(runes) > titleLimit {
		return string(runes[:titleLimit]) + "..."
	}
	if firstMessage == "" {
		return "New conversation"
	}
	return firstMessage
}
