package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nanochat/nanochat/internal/tenant"
)

// store is the persistence surface the service needs.
type store interface {
	Create(ctx context.Context, tenantID, userID uuid.UUID, title, model string) (*Conversation, error)
	Get(ctx context.Context, id, userID uuid.UUID) (*Conversation, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Conversation, error)
	CountByTenant(ctx context.Context, tenantID uuid.UUID) (int64, error)
	UpdateTitle(ctx context.Context, id, userID uuid.UUID, title string) error
	Delete(ctx context.Context, id, userID uuid.UUID) error
	AppendMessage(ctx context.Context, conversationID uuid.UUID, role Role, content string) (*Message, error)
	Messages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*Message, error)
	RecentMessages(ctx context.Context, conversationID uuid.UUID, n int) ([]*Message, error)
}

// tenantGetter resolves tenants for quota checks.
type tenantGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error)
}

// Completer is the language model surface the service needs.
type Completer interface {
	// Complete generates the assistant reply for the given history. The
	// last entry is the new user message.
	Complete(ctx context.Context, history []*Message) (string, error)

	// GenerateTitle produces a short title from the opening exchange.
	GenerateTitle(ctx context.Context, userMsg, assistantMsg string) (string, error)
}

// titleTimeout bounds the background title generation call.
const titleTimeout = 30 * time.Second

// Service implements conversation operations and the chat turn.
type Service struct {
	store   store
	tenants tenantGetter
	llm     Completer
	model   string
	logger  *slog.Logger

	// titleHook, when non-nil, runs after each background title generation
	// attempt. Tests use it to wait deterministically.
	titleHook func()
}

// NewService creates a conversation Service. model names the chat model
// recorded on new conversations.
func NewService(st store, tenants tenantGetter, llm Completer, model string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, tenants: tenants, llm: llm, model: model, logger: logger}
}

// Create starts a new conversation, enforcing the tenant's conversation
// quota.
func (s *Service) Create(ctx context.Context, tenantID, userID uuid.UUID, title string) (*Conversation, error) {
	tn, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	count, err := s.store.CountByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !tn.Quota.Allows(tn.Quota.MaxConversations, int(count)) {
		return nil, tenant.ErrQuotaExceeded
	}

	title = truncateTitle(strings.TrimSpace(title))
	return s.store.Create(ctx, tenantID, userID, title, s.model)
}

// Get returns a conversation owned by the user.
func (s *Service) Get(ctx context.Context, id, userID uuid.UUID) (*Conversation, error) {
	return s.store.Get(ctx, id, userID)
}

// List returns the user's conversations, newest activity first.
func (s *Service) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Conversation, error) {
	return s.store.ListByUser(ctx, userID, limit, offset)
}

// Rename changes the conversation title.
func (s *Service) Rename(ctx context.Context, id, userID uuid.UUID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyMessage
	}
	return s.store.UpdateTitle(ctx, id, userID, truncateTitle(title))
}

// Delete removes a conversation and its messages.
func (s *Service) Delete(ctx context.Context, id, userID uuid.UUID) error {
	return s.store.Delete(ctx, id, userID)
}

// Messages returns a page of the conversation's messages after checking
// ownership.
func (s *Service) Messages(ctx context.Context, id, userID uuid.UUID, limit, offset int) ([]*Message, error) {
	if _, err := s.store.Get(ctx, id, userID); err != nil {
		return nil, err
	}
	return s.store.Messages(ctx, id, limit, offset)
}

// Chat runs one chat turn: persist the user message, assemble recent
// history, ask the model, persist the reply. After the first exchange a
// title is generated in the background if the conversation has none.
func (s *Service) Chat(ctx context.Context, id, userID uuid.UUID, content string) (userMsg, assistantMsg *Message, err error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, nil, ErrEmptyMessage
	}
	if len(content) > MaxMessageLength {
		return nil, nil, ErrMessageTooLong
	}

	conv, err := s.store.Get(ctx, id, userID)
	if err != nil {
		return nil, nil, err
	}

	userMsg, err = s.store.AppendMessage(ctx, conv.ID, RoleUser, content)
	if err != nil {
		return nil, nil, err
	}

	history, err := s.store.RecentMessages(ctx, conv.ID, historyLimit)
	if err != nil {
		return nil, nil, err
	}

	reply, err := s.llm.Complete(ctx, history)
	if err != nil {
		return nil, nil, fmt.Errorf("generating reply: %w", err)
	}

	assistantMsg, err = s.store.AppendMessage(ctx, conv.ID, RoleAssistant, reply)
	if err != nil {
		return nil, nil, err
	}

	if conv.Title == "" && userMsg.Seq == 1 {
		go s.generateTitle(conv.ID, userID, content, reply)
	}

	return userMsg, assistantMsg, nil
}

// generateTitle runs in the background with its own timeout; failures are
// logged and the conversation keeps its empty title.
func (s *Service) generateTitle(id, userID uuid.UUID, userMsg, assistantMsg string) {
	if s.titleHook != nil {
		defer s.titleHook()
	}

	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	title, err := s.llm.GenerateTitle(ctx, userMsg, assistantMsg)
	if err != nil {
		s.logger.Warn("title generation failed", "conversation_id", id, "error", err)
		return
	}
	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `"`))
	if title == "" {
		return
	}
	title = truncateTitle(title)

	if err := s.store.UpdateTitle(ctx, id, userID, title); err != nil {
		s.logger.Warn("saving generated title failed", "conversation_id", id, "error", err)
	}
}
