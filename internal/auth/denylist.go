package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// denylistPrefix namespaces revoked token IDs in Redis.
const denylistPrefix = "nanochat:token:denied:"

// Denylist records revoked token IDs (jti) in Redis so that logout takes
// effect before token expiry. Entries carry a TTL matching the remaining
// token lifetime, after which they expire on their own.
type Denylist struct {
	client *redis.Client
}

// NewDenylist creates a Denylist backed by the given Redis client.
func NewDenylist(client *redis.Client) *Denylist {
	return &Denylist{client: client}
}

// Revoke marks the token ID as revoked for the given duration.
// A non-positive ttl means the token is already expired and nothing is stored.
func (d *Denylist) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := d.client.Set(ctx, denylistPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoking token %s: %w", jti, err)
	}
	return nil
}

// RevokeOnce marks the token ID as revoked and reports whether this call was
// the one that revoked it. SET NX makes the claim atomic, so of two
// concurrent callers presenting the same jti exactly one sees true.
// A non-positive ttl means the token is already expired; the claim succeeds
// without storing anything.
func (d *Denylist) RevokeOnce(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}
	ok, err := d.client.SetNX(ctx, denylistPrefix+jti, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("revoking token %s: %w", jti, err)
	}
	return ok, nil
}

// IsRevoked reports whether the token ID has been revoked.
func (d *Denylist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := d.client.Exists(ctx, denylistPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("checking token %s: %w", jti, err)
	}
	return n > 0, nil
}
