package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx operations the store needs. Both
// *pgxpool.Pool and pgx.Tx satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// conversationCols is the standard SELECT column list for scanConversation.
const conversationCols = `id, tenant_id, user_id, title, model, message_count,
	created_at, updated_at`

const messageCols = `id, conversation_id, role, content, seq, created_at`

// Store persists conversations and messages in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a conversation Store. The pool is required because
// appending a message updates the conversation counters in the same
// transaction.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.TenantID, &c.UserID, &c.Title, &c.Model, &c.MessageCount,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Seq, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Create inserts a new conversation.
func (s *Store) Create(ctx context.Context, tenantID, userID uuid.UUID, title, model string) (*Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`INSERT INTO conversations (id, tenant_id, user_id, title, model)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+conversationCols,
		uuid.New(), tenantID, userID, title, model))
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	s.logger.Debug("created conversation", "id", c.ID, "user_id", userID)
	return c, nil
}

// Get retrieves a conversation scoped to its owner. Returns ErrNotFound
// when the conversation does not exist or the owner does not match.
func (s *Store) Get(ctx context.Context, id, userID uuid.UUID) (*Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE id = $1 AND user_id = $2`,
		id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation %s: %w", id, err)
	}
	return c, nil
}

// ListByUser returns a user's conversations ordered by last activity,
// newest first.
func (s *Store) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationCols+` FROM conversations
		 WHERE user_id = $1 ORDER BY updated_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return convs, nil
}

// CountByTenant returns the number of conversations in a tenant, for quota
// enforcement.
func (s *Store) CountByTenant(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM conversations WHERE tenant_id = $1`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting conversations: %w", err)
	}
	return n, nil
}

// UpdateTitle renames a conversation, scoped to its owner.
func (s *Store) UpdateTitle(ctx context.Context, id, userID uuid.UUID, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET title = $1, updated_at = now()
		 WHERE id = $2 AND user_id = $3`,
		title, id, userID)
	if err != nil {
		return fmt.Errorf("updating conversation %s title: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a conversation and, via ON DELETE CASCADE, its messages.
func (s *Store) Delete(ctx context.Context, id, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conversations WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting conversation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted conversation", "id", id)
	return nil
}

// AppendMessage adds a message with the next sequence number and bumps the
// conversation counters, all in one transaction. The row lock on the
// conversation serializes concurrent appends so sequence numbers never
// collide.
func (s *Store) AppendMessage(ctx context.Context, conversationID uuid.UUID, role Role, content string) (*Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid message role: %q", role)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	var locked uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, conversationID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking conversation %s: %w", conversationID, err)
	}

	m, err := scanMessage(tx.QueryRow(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, seq)
		 VALUES ($1, $2, $3, $4,
		         (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = $2))
		 RETURNING `+messageCols,
		uuid.New(), conversationID, role, content))
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE conversations
		 SET message_count = message_count + 1, updated_at = now()
		 WHERE id = $1`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("updating conversation counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}
	return m, nil
}

// Messages returns a conversation's messages in sequence order.
func (s *Store) Messages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE conversation_id = $1 ORDER BY seq ASC LIMIT $2 OFFSET $3`,
		conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
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
	return msgs, nil
}

// RecentMessages returns the last n messages in sequence order, for model
// context assembly.
func (s *Store) RecentMessages(ctx context.Context, conversationID uuid.UUID, n int) ([]*Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+` FROM (
		   SELECT `+messageCols+` FROM messages
		   WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2
		 ) recent ORDER BY seq ASC`,
		conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("loading recent messages: %w", err)
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
	return msgs, nil
}
