package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nanochat/nanochat/internal/auth"
	"github.com/nanochat/nanochat/internal/errcode"
	"github.com/nanochat/nanochat/internal/tenant"
	"github.com/nanochat/nanochat/internal/user"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// userService is the account surface the auth handlers need.
type userService interface {
	Register(ctx context.Context, in user.RegisterInput) (*user.User, *tenant.Tenant, error)
	Authenticate(ctx context.Context, email, password string) (*user.User, *tenant.Tenant, error)
	Lookup(ctx context.Context, userID uuid.UUID) (*user.User, *tenant.Tenant, error)
}

// tokenManager issues and verifies token pairs.
type tokenManager interface {
	NewPair(userID, tenantID uuid.UUID, email string) (auth.Pair, error)
	Verify(token, wantType string) (*auth.Claims, error)
}

// revoker records revoked token IDs. RevokeOnce additionally reports whether
// the caller won the claim, which makes refresh tokens single-use under
// concurrent requests.
type revoker interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	RevokeOnce(ctx context.Context, jti string, ttl time.Duration) (bool, error)
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type authHandler struct {
	users   userService
	tokens  tokenManager
	revoked revoker
	logger  *slog.Logger
}

// readJSON decodes a JSON body with a size cap and strict field checking.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errcode.Newf(errcode.ValidationError, "request body too large")
		}
		return errcode.Newf(errcode.ValidationError, "invalid request body")
	}
	// Reject trailing garbage after the JSON object.
	if dec.More() {
		return errcode.Newf(errcode.ValidationError, "invalid request body")
	}
	_, _ = io.Copy(io.Discard, r.Body)
	return nil
}

type registerRequest struct {
	Email      string `json:"email"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	FullName   string `json:"full_name"`
	TenantName string `json:"tenant_name"`
	TenantSlug string `json:"tenant_slug"`
}

type sessionResponse struct {
	User   *user.User     `json:"user"`
	Tenant *tenant.Tenant `json:"tenant"`
	Tokens auth.Pair      `json:"tokens"`
}

// register handles POST /api/v1/auth/register.
func (h *authHandler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := readJSON(w, r, &req); err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	u, tn, err := h.users.Register(r.Context(), user.RegisterInput{
		Email:      req.Email,
		Username:   req.Username,
		Password:   req.Password,
		FullName:   req.FullName,
		TenantName: req.TenantName,
		TenantSlug: req.TenantSlug,
	})
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	pair, err := h.tokens.NewPair(u.ID, tn.ID, u.Email)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	WriteData(w, r, http.StatusCreated, sessionResponse{User: u, Tenant: tn, Tokens: pair})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// login handles POST /api/v1/auth/login.
func (h *authHandler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(w, r, &req); err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	u, tn, err := h.users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	pair, err := h.tokens.NewPair(u.ID, tn.ID, u.Email)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	WriteData(w, r, http.StatusOK, sessionResponse{User: u, Tenant: tn, Tokens: pair})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// refresh handles POST /api/v1/auth/refresh. The presented refresh token is
// rotated: its jti is revoked for its remaining lifetime and a fresh pair
// is issued.
func (h *authHandler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := readJSON(w, r, &req); err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	claims, err := h.tokens.Verify(req.RefreshToken, auth.TokenTypeRefresh)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			WriteErr(w, r, errcode.Wrap(errcode.RefreshTokenExpired, err), h.logger)
			return
		}
		WriteErr(w, r, err, h.logger)
		return
	}

	// Claim the jti atomically before issuing anything, so that two
	// concurrent requests presenting the same refresh token cannot both
	// rotate it.
	claimed, err := h.revoked.RevokeOnce(r.Context(), claims.ID, auth.Remaining(claims))
	if err != nil {
		WriteErr(w, r, errcode.Wrap(errcode.RedisError, err), h.logger)
		return
	}
	if !claimed {
		WriteErr(w, r, errcode.New(errcode.TokenInvalid), h.logger)
		return
	}

	userID, _, err := auth.SubjectUUIDs(claims)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	u, tn, err := h.users.Lookup(r.Context(), userID)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	pair, err := h.tokens.NewPair(u.ID, tn.ID, u.Email)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	WriteData(w, r, http.StatusOK, sessionResponse{User: u, Tenant: tn, Tokens: pair})
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// logout handles POST /api/v1/auth/logout. The access token comes from the
// Authorization header (already verified by authMiddleware); the refresh
// token may be supplied in the body to revoke the whole session.
func (h *authHandler) logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		WriteErr(w, r, errcode.New(errcode.Unauthorized), h.logger)
		return
	}

	// Parse and validate the body before revoking anything, so a malformed
	// request fails without half a session torn down.
	var req logoutRequest
	if r.ContentLength > 0 {
		if err := readJSON(w, r, &req); err != nil {
			WriteErr(w, r, err, h.logger)
			return
		}
	}

	if err := h.revoked.Revoke(r.Context(), claims.ID, auth.Remaining(claims)); err != nil {
		WriteErr(w, r, errcode.Wrap(errcode.RedisError, err), h.logger)
		return
	}
	if req.RefreshToken != "" {
		if rc, err := h.tokens.Verify(req.RefreshToken, auth.TokenTypeRefresh); err == nil {
			if err := h.revoked.Revoke(r.Context(), rc.ID, auth.Remaining(rc)); err != nil {
				h.logger.Warn("revoking refresh token failed", "error", err)
			}
		}
	}

	WriteData(w, r, http.StatusOK, map[string]string{"status": "logged_out"})
}

// me handles GET /api/v1/auth/me and its alias GET /api/v1/users/me.
func (h *authHandler) me(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		WriteErr(w, r, errcode.New(errcode.Unauthorized), h.logger)
		return
	}

	u, tn, err := h.users.Lookup(r.Context(), userID)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	WriteData(w, r, http.StatusOK, map[string]any{"user": u, "tenant": tn})
}
