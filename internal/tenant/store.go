package tenant

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

// tenantCols is the standard SELECT column list for scanTenant.
const tenantCols = `id, name, slug, plan, status,
	max_users, max_conversations, max_documents, max_storage_mb,
	created_at, updated_at`

const insertTenantSQL = `INSERT INTO tenants
	(id, name, slug, plan, status, max_users, max_conversations, max_documents, max_storage_mb)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING ` + tenantCols

// Store persists tenants in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db     Querier
	logger *slog.Logger
}

// NewStore creates a tenant Store.
func NewStore(db Querier, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// NewStoreFromPool creates a tenant Store backed by a connection pool.
func NewStoreFromPool(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return NewStore(pool, logger)
}

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.Plan, &t.Status,
		&t.Quota.MaxUsers, &t.Quota.MaxConversations, &t.Quota.MaxDocuments, &t.Quota.MaxStorageMB,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts a new tenant with the quota for its plan.
// Returns ErrSlugTaken on a slug uniqueness violation.
func (s *Store) Create(ctx context.Context, name, slug string, plan Plan) (*Tenant, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if !plan.Valid() {
		plan = PlanFree
	}
	quota := QuotaFor(plan)

	t, err := scanTenant(s.db.QueryRow(ctx, insertTenantSQL,
		uuid.New(), name, slug, plan, StatusActive,
		quota.MaxUsers, quota.MaxConversations, quota.MaxDocuments, quota.MaxStorageMB))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSlugTaken
		}
		return nil, fmt.Errorf("creating tenant: %w", err)
	}

	s.logger.Debug("created tenant", "id", t.ID, "slug", t.Slug, "plan", t.Plan)
	return t, nil
}

// Get retrieves a tenant by ID. Returns ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	t, err := scanTenant(s.db.QueryRow(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting tenant %s: %w", id, err)
	}
	return t, nil
}

// GetBySlug retrieves a tenant by slug. Returns ErrNotFound if it does not exist.
func (s *Store) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	t, err := scanTenant(s.db.QueryRow(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE slug = $1`, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting tenant by slug %q: %w", slug, err)
	}
	return t, nil
}

// SlugExists reports whether the slug is taken.
func (s *Store) SlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tenants WHERE slug = $1)`, slug).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking tenant slug %q: %w", slug, err)
	}
	return exists, nil
}

// List returns tenants ordered by creation time, newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*Tenant, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+tenantCols+` FROM tenants ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenants: %w", err)
	}
	return tenants, nil
}

// Count returns the total number of tenants.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM tenants`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting tenants: %w", err)
	}
	return n, nil
}

// UpdateName renames the tenant. The slug is not regenerated; it is a
// stable identifier once issued.
func (s *Store) UpdateName(ctx context.Context, id uuid.UUID, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE tenants SET name = $1, updated_at = now() WHERE id = $2`, name, id)
	if err != nil {
		return fmt.Errorf("renaming tenant %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus changes the tenant lifecycle state.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid tenant status: %q", status)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE tenants SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("updating tenant %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePlan changes the tenant plan and resets its quota to the plan default.
func (s *Store) UpdatePlan(ctx context.Context, id uuid.UUID, plan Plan) (*Tenant, error) {
	if !plan.Valid() {
		return nil, fmt.Errorf("invalid tenant plan: %q", plan)
	}
	quota := QuotaFor(plan)
	t, err := scanTenant(s.db.QueryRow(ctx,
		`UPDATE tenants
		 SET plan = $1, max_users = $2, max_conversations = $3,
		     max_documents = $4, max_storage_mb = $5, updated_at = now()
		 WHERE id = $6
		 RETURNING `+tenantCols,
		plan, quota.MaxUsers, quota.MaxConversations, quota.MaxDocuments, quota.MaxStorageMB, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating tenant %s plan: %w", id, err)
	}

	s.logger.Info("tenant plan changed", "id", id, "plan", plan)
	return t, nil
}

// Delete removes the tenant. Dependent rows cascade at the schema level.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting tenant %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.logger.Info("tenant deleted", "id", id)
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
