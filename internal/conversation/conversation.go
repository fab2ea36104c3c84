// Package conversation manages chat conversations and their messages:
// persistence, the chat turn against the language model, and automatic
// title generation.
package conversation

import (
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is known.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Conversation is a chat thread owned by a user within a tenant.
type Conversation struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	UserID       uuid.UUID `json:"user_id"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is a single turn in a conversation. Seq orders messages within
// their conversation, starting at 1.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Seq            int       `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
}

// MaxMessageLength caps user message content.
const MaxMessageLength = 32_000

// MaxTitleLength caps conversation titles; longer generated titles are
// truncated.
const MaxTitleLength = 100

// truncateTitle caps a title at MaxTitleLength bytes without splitting a
// multibyte rune; Postgres rejects text parameters that are not valid UTF-8.
func truncateTitle(title string) string {
	if len(title) <= MaxTitleLength {
		return title
	}
	cut := MaxTitleLength
	for cut > 0 && !utf8.RuneStart(title[cut]) {
		cut--
	}
	return title[:cut]
}

// historyLimit bounds how many prior messages are sent to the model per
// chat turn.
const historyLimit = 50

// Errors returned by the conversation package, checkable with errors.Is().
var (
	// ErrNotFound indicates the conversation does not exist or belongs to
	// someone else. Ownership failures are indistinguishable from absence.
	ErrNotFound = errors.New("conversation not found")

	// ErrMessageNotFound indicates the message does not exist in the
	// conversation.
	ErrMessageNotFound = errors.New("message not found")

	// ErrMessageTooLong indicates user content exceeds MaxMessageLength.
	ErrMessageTooLong = errors.New("message too long")

	// ErrEmptyMessage indicates blank user content.
	ErrEmptyMessage = errors.New("message is empty")
)
