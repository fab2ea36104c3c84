package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx operations the store needs. Both
// *pgxpool.Pool and pgx.Tx satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// userCols is the standard SELECT column list for scanUser.
const userCols = `id, tenant_id, email, username, full_name, password_hash,
	is_active, is_superuser, last_login_at, created_at, updated_at`

const insertUserSQL = `INSERT INTO users
	(id, tenant_id, email, username, full_name, password_hash, is_active, is_superuser)
	VALUES ($1, $2, $3, $4, $5, $6, true, $7)
	RETURNING ` + userCols

// Store persists users in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db     Querier
	logger *slog.Logger
}

// NewStore creates a user Store.
func NewStore(db Querier, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var fullName *string
	err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.Username, &fullName, &u.PasswordHash,
		&u.IsActive, &u.IsSuperuser, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if fullName != nil {
		u.FullName = *fullName
	}
	return &u, nil
}

// Create inserts a new user. Maps unique violations to ErrEmailTaken or
// ErrUsernameTaken based on the violated constraint.
func (s *Store) Create(ctx context.Context, u *User) (*User, error) {
	var fullName *string
	if u.FullName != "" {
		fullName = &u.FullName
	}

	created, err := scanUser(s.db.QueryRow(ctx, insertUserSQL,
		uuid.New(), u.TenantID, u.Email, u.Username, fullName, u.PasswordHash, u.IsSuperuser))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if strings.Contains(pgErr.ConstraintName, "email") {
				return nil, ErrEmailTaken
			}
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	s.logger.Debug("created user", "id", created.ID, "tenant_id", created.TenantID, "email", created.Email)
	return created, nil
}

// Get retrieves a user by ID. Returns ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user %s: %w", id, err)
	}
	return u, nil
}

// GetByEmail retrieves a user by email. Returns ErrNotFound if it does
// not exist. Email lookup is global, not tenant-scoped.
func (s *Store) GetByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE email = $1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user by email: %w", err)
	}
	return u, nil
}

// EmailExists reports whether the email is registered.
func (s *Store) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking email: %w", err)
	}
	return exists, nil
}

// UsernameExists reports whether the username is taken within the tenant.
func (s *Store) UsernameExists(ctx context.Context, tenantID uuid.UUID, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE tenant_id = $1 AND username = $2)`,
		tenantID, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking username: %w", err)
	}
	return exists, nil
}

// ListByTenant returns a tenant's users ordered by creation time, oldest first.
func (s *Store) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*User, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+userCols+` FROM users
		 WHERE tenant_id = $1 ORDER BY created_at ASC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	return users, nil
}

// CountByTenant returns the number of users in a tenant.
func (s *Store) CountByTenant(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM users WHERE tenant_id = $1`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

// UpdateProfile changes the mutable profile fields. Nil pointers leave the
// corresponding column untouched.
func (s *Store) UpdateProfile(ctx context.Context, id uuid.UUID, fullName, username *string) (*User, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		`UPDATE users
		 SET full_name = COALESCE($1, full_name),
		     username = COALESCE($2, username),
		     updated_at = now()
		 WHERE id = $3
		 RETURNING `+userCols,
		fullName, username, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("updating user %s: %w", id, err)
	}
	return u, nil
}

// UpdatePassword replaces the stored password hash.
func (s *Store) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET password_hash = $1, updated_at = now() WHERE id = $2`,
		passwordHash, id)
	if err != nil {
		return fmt.Errorf("updating password for user %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive enables or disables the account.
func (s *Store) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET is_active = $1, updated_at = now() WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("setting user %s active=%t: %w", id, active, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastLogin records a successful authentication. Best-effort: the
// caller logs a warning on failure rather than failing the login.
func (s *Store) TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE users SET last_login_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("touching last login for user %s: %w", id, err)
	}
	return nil
}
