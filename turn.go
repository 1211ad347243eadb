package chatgate

import "time"

// Turn is one user input and the model output it produces.
//
// Turn is a value type: it carries identity and input but no runtime
// state (no channels, no process handles). The runner owns deadline and
// cancellation for an executing turn.
type Turn struct {
	// ID uniquely identifies the turn.
	ID string `json:"id"`

	// ConversationID is the owning conversation.
	ConversationID string `json:"conversation_id"`

	// Input is the user's message text.
	Input string `json:"input"`

	// FileIDs references previously uploaded attachments, already
	// validated against path traversal by the protocol layer.
	FileIDs []string `json:"file_ids,omitempty"`

	// Model selects the model for this turn. Empty means the
	// configured default.
	Model string `json:"model,omitempty"`
}

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one persisted chat message. Immutable once its turn
// completes; the assistant message grows in the session's buffer while
// streaming and is appended whole.
type Message struct {
	ID             int64        `json:"id,omitempty"`
	ConversationID string       `json:"conversation_id"`
	Role           Role         `json:"role"`
	Content        string       `json:"content"`
	Elapsed        float64      `json:"elapsed,omitempty"` // seconds
	Files          []Attachment `json:"files,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Attachment is a stored reference to an uploaded file. Upload storage
// itself is an external collaborator; only the reference is persisted.
type Attachment struct {
	ID           string `json:"id"`
	Filename     string `json:"filename"`
	OriginalName string `json:"original_name"`
	MimeType     string `json:"mime_type,omitempty"`
	Size         int64  `json:"size"`
}

// Conversation is an ordered collection of Messages, referenced by the
// orchestrator only through its opaque id.
type Conversation struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
