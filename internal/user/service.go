package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nanochat/nanochat/internal/auth"
	"github.com/nanochat/nanochat/internal/tenant"
)

// userStore is the persistence surface the service needs.
type userStore interface {
	Create(ctx context.Context, u *User) (*User, error)
	Get(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	UsernameExists(ctx context.Context, tenantID uuid.UUID, username string) (bool, error)
	CountByTenant(ctx context.Context, tenantID uuid.UUID) (int64, error)
	TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

// tenantStore is the subset of tenant persistence the service needs.
type tenantStore interface {
	Create(ctx context.Context, name, slug string, plan tenant.Plan) (*tenant.Tenant, error)
	Get(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*tenant.Tenant, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Service implements registration and authentication on top of the user
// and tenant stores.
type Service struct {
	users   userStore
	tenants tenantStore
	logger  *slog.Logger
}

// NewService creates a user Service.
func NewService(users userStore, tenants tenantStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{users: users, tenants: tenants, logger: logger}
}

// RegisterInput carries a registration request. Exactly one of TenantName
// (create a new tenant) or TenantSlug (join an existing one) should be set;
// when both are empty a tenant named after the username is created.
type RegisterInput struct {
	Email      string
	Username   string
	Password   string
	FullName   string
	TenantName string
	TenantSlug string
}

// maxSlugAttempts bounds the "-N" suffix probe when a slug is taken.
const maxSlugAttempts = 20

// Register creates a user, creating or joining a tenant as requested.
// The first user of a new tenant becomes its superuser.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, *tenant.Tenant, error) {
	email := NormalizeEmail(in.Email)
	if err := ValidateEmail(email); err != nil {
		return nil, nil, err
	}
	if err := ValidateUsername(in.Username); err != nil {
		return nil, nil, err
	}
	if err := auth.CheckPasswordStrength(in.Password); err != nil {
		return nil, nil, err
	}

	taken, err := s.users.EmailExists(ctx, email)
	if err != nil {
		return nil, nil, err
	}
	if taken {
		return nil, nil, ErrEmailTaken
	}

	var (
		tn        *tenant.Tenant
		superuser bool
	)
	if in.TenantSlug != "" {
		tn, err = s.joinTenant(ctx, in.TenantSlug, in.Username)
	} else {
		tn, err = s.createTenant(ctx, in.TenantName, in.Username)
		superuser = true
	}
	if err != nil {
		return nil, nil, err
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		s.cleanupTenant(ctx, tn, superuser)
		return nil, nil, fmt.Errorf("hashing password: %w", err)
	}

	u, err := s.users.Create(ctx, &User{
		TenantID:     tn.ID,
		Email:        email,
		Username:     in.Username,
		FullName:     in.FullName,
		PasswordHash: hash,
		IsSuperuser:  superuser,
	})
	if err != nil {
		s.cleanupTenant(ctx, tn, superuser)
		return nil, nil, err
	}

	s.logger.Info("user registered", "user_id", u.ID, "tenant_id", tn.ID, "tenant_slug", tn.Slug)
	return u, tn, nil
}

// cleanupTenant removes a tenant provisioned during a registration that
// failed afterwards, so the slug does not stay occupied by an empty tenant.
// Joined tenants are left alone.
func (s *Service) cleanupTenant(ctx context.Context, tn *tenant.Tenant, founded bool) {
	if !founded {
		return
	}
	if err := s.tenants.Delete(ctx, tn.ID); err != nil {
		s.logger.Warn("removing tenant after failed registration", "tenant_id", tn.ID, "tenant_slug", tn.Slug, "error", err)
	}
}

// createTenant provisions a fresh tenant on the free plan, probing "-N"
// suffixed slugs until an unused one is found.
func (s *Service) createTenant(ctx context.Context, name, fallback string) (*tenant.Tenant, error) {
	if name == "" {
		name = fallback
	}
	if err := tenant.ValidateName(name); err != nil {
		return nil, err
	}

	base := tenant.Slugify(name)
	slug := base
	for i := 1; ; i++ {
		taken, err := s.tenants.SlugExists(ctx, slug)
		if err != nil {
			return nil, err
		}
		if !taken {
			break
		}
		if i >= maxSlugAttempts {
			return nil, fmt.Errorf("no free slug for %q after %d attempts: %w", base, maxSlugAttempts, tenant.ErrSlugTaken)
		}
		slug = fmt.Sprintf("%s-%d", base, i)
	}

	tn, err := s.tenants.Create(ctx, name, slug, tenant.PlanFree)
	if errors.Is(err, tenant.ErrSlugTaken) {
		// Lost a race on the slug; a retry from the client will pick the
		// next suffix.
		return nil, err
	}
	return tn, err
}

// joinTenant validates that the target tenant exists, is active, has user
// quota headroom, and does not already contain the username.
func (s *Service) joinTenant(ctx context.Context, slug, username string) (*tenant.Tenant, error) {
	tn, err := s.tenants.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if !tn.Active() {
		return nil, ErrAccountDisabled
	}

	count, err := s.users.CountByTenant(ctx, tn.ID)
	if err != nil {
		return nil, err
	}
	if !tn.Quota.Allows(tn.Quota.MaxUsers, int(count)) {
		return nil, tenant.ErrQuotaExceeded
	}

	taken, err := s.users.UsernameExists(ctx, tn.ID, username)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrUsernameTaken
	}
	return tn, nil
}

// Authenticate verifies an email/password pair and returns the user and
// its tenant. Unknown email and wrong password both return
// ErrInvalidCredentials so callers cannot probe for registered addresses.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, *tenant.Tenant, error) {
	u, err := s.users.GetByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		return nil, nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, nil, err
	}

	if !auth.VerifyPassword(password, u.PasswordHash) {
		return nil, nil, ErrInvalidCredentials
	}
	if !u.IsActive {
		return nil, nil, ErrAccountDisabled
	}

	tn, err := s.tenants.Get(ctx, u.TenantID)
	if err != nil {
		return nil, nil, err
	}
	if !tn.Active() {
		return nil, nil, ErrAccountDisabled
	}

	if err := s.users.TouchLastLogin(ctx, u.ID, time.Now()); err != nil {
		s.logger.Warn("recording last login failed", "user_id", u.ID, "error", err)
	}

	return u, tn, nil
}

// Lookup returns the user and tenant for an authenticated request, checking
// that both are still active. Used when refreshing tokens and resolving the
// current user.
func (s *Service) Lookup(ctx context.Context, userID uuid.UUID) (*User, *tenant.Tenant, error) {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if !u.IsActive {
		return nil, nil, ErrAccountDisabled
	}
	tn, err := s.tenants.Get(ctx, u.TenantID)
	if err != nil {
		return nil, nil, err
	}
	if !tn.Active() {
		return nil, nil, ErrAccountDisabled
	}
	return u, tn, nil
}
