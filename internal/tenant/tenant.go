// Package tenant manages the organizations that own users, conversations
// and knowledge documents. Every tenant carries a plan that determines its
// resource quotas.
package tenant

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Plan identifies a tenant subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanBasic      Plan = "basic"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Valid reports whether the plan is a known tier.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanBasic, PlanPro, PlanEnterprise:
		return true
	}
	return false
}

// Status identifies the lifecycle state of a tenant.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusExpired   Status = "expired"
)

// Valid reports whether the status is a known state.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusExpired:
		return true
	}
	return false
}

// Unlimited marks a quota dimension with no cap.
const Unlimited = -1

// Quota holds the per-plan resource limits.
type Quota struct {
	MaxUsers         int `json:"max_users"`
	MaxConversations int `json:"max_conversations"`
	MaxDocuments     int `json:"max_documents"`
	MaxStorageMB     int `json:"max_storage_mb"`
}

// Allows reports whether current usage is below the cap for a single
// quota dimension. A cap of Unlimited always allows.
func (q Quota) Allows(cap, current int) bool {
	return cap == Unlimited || current < cap
}

// defaultQuotas maps each plan to its resource limits.
var defaultQuotas = map[Plan]Quota{
	PlanFree:       {MaxUsers: 5, MaxConversations: 50, MaxDocuments: 20, MaxStorageMB: 100},
	PlanBasic:      {MaxUsers: 20, MaxConversations: 500, MaxDocuments: 200, MaxStorageMB: 1024},
	PlanPro:        {MaxUsers: 100, MaxConversations: 5000, MaxDocuments: 2000, MaxStorageMB: 10240},
	PlanEnterprise: {MaxUsers: Unlimited, MaxConversations: Unlimited, MaxDocuments: Unlimited, MaxStorageMB: Unlimited},
}

// QuotaFor returns the default quota for a plan. Unknown plans get the
// free tier quota.
func QuotaFor(plan Plan) Quota {
	if q, ok := defaultQuotas[plan]; ok {
		return q
	}
	return defaultQuotas[PlanFree]
}

// Tenant is an organization owning users and their data.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Plan      Plan      `json:"plan"`
	Status    Status    `json:"status"`
	Quota     Quota     `json:"quota"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the tenant may be used for authentication and
// resource creation.
func (t *Tenant) Active() bool {
	return t.Status == StatusActive
}

// Errors returned by the tenant package, checkable with errors.Is().
var (
	// ErrNotFound indicates the requested tenant does not exist.
	ErrNotFound = errors.New("tenant not found")

	// ErrSlugTaken indicates the slug is already in use by another tenant.
	ErrSlugTaken = errors.New("tenant slug already taken")

	// ErrInvalidName indicates the tenant name is empty or too long.
	ErrInvalidName = errors.New("invalid tenant name")

	// ErrQuotaExceeded indicates the tenant has hit a plan quota.
	ErrQuotaExceeded = errors.New("tenant quota exceeded")
)

// MaxNameLength caps the tenant display name.
const MaxNameLength = 100

const maxSlugLength = 50

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a URL-safe slug from a tenant name: lowercase, runs of
// non-alphanumeric characters collapsed to single hyphens, trimmed to 50
// characters. An empty result falls back to "tenant".
func Slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = slugStrip.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLength {
		slug = strings.Trim(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		return "tenant"
	}
	return slug
}

// ValidateName checks a tenant display name.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > MaxNameLength {
		return ErrInvalidName
	}
	return nil
}
