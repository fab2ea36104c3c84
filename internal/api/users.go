package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/nanochat/nanochat/internal/errcode"
	"github.com/nanochat/nanochat/internal/user"
)

// userAdminStore is the user persistence the profile/admin handlers need.
type userAdminStore interface {
	Get(ctx context.Context, id uuid.UUID) (*user.User, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*user.User, error)
	CountByTenant(ctx context.Context, tenantID uuid.UUID) (int64, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, fullName, username *string) (*user.User, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

type userHandler struct {
	store  userAdminStore
	logger *slog.Logger
}

// requireSuperuser loads the caller and checks the superuser flag.
func (h *userHandler) requireSuperuser(r *http.Request) (*user.User, error) {
	userID, _, ok := identity(r)
	if !ok {
		return nil, errcode.New(errcode.Unauthorized)
	}
	u, err := h.store.Get(r.Context(), userID)
	if err != nil {
		return nil, err
	}
	if !u.IsSuperuser {
		return nil, errcode.New(errcode.PermissionDenied)
	}
	return u, nil
}

// list handles GET /api/v1/users (tenant members, superuser only).
func (h *userHandler) list(w http.ResponseWriter, r *http.Request) {
	caller, err := h.requireSuperuser(r)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	limit, offset := pagination(r, 20, 100)
	users, err := h.store.ListByTenant(r.Context(), caller.TenantID, limit, offset)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	total, err := h.store.CountByTenant(r.Context(), caller.TenantID)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	if users == nil {
		users = []*user.User{}
	}
	WriteData(w, r, http.StatusOK, map[string]any{"users": users, "total": total})
}

type updateProfileRequest struct {
	FullName *string `json:"full_name"`
	Username *string `json:"username"`
}

// updateMe handles PATCH /api/v1/users/me.
func (h *userHandler) updateMe(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		WriteErr(w, r, errcode.New(errcode.Unauthorized), h.logger)
		return
	}

	var req updateProfileRequest
	if err := readJSON(w, r, &req); err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	if req.FullName == nil && req.Username == nil {
		WriteErr(w, r, errcode.Newf(errcode.ValidationError, "nothing to update"), h.logger)
		return
	}
	if req.Username != nil {
		if err := user.ValidateUsername(*req.Username); err != nil {
			WriteErr(w, r, err, h.logger)
			return
		}
	}

	u, err := h.store.UpdateProfile(r.Context(), userID, req.FullName, req.Username)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteData(w, r, http.StatusOK, u)
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

// setActive handles PATCH /api/v1/users/{id}/active (superuser only,
// same tenant). A superuser cannot deactivate themselves.
func (h *userHandler) setActive(w http.ResponseWriter, r *http.Request) {
	caller, err := h.requireSuperuser(r)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	id, err := pathUUID(r)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	if id == caller.ID {
		WriteErr(w, r, errcode.Newf(errcode.ValidationError, "cannot change own active state"), h.logger)
		return
	}

	target, err := h.store.Get(r.Context(), id)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	if target.TenantID != caller.TenantID {
		WriteErr(w, r, errcode.Wrap(errcode.UserNotFound, user.ErrNotFound), h.logger)
		return
	}

	var req setActiveRequest
	if err := readJSON(w, r, &req); err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	if err := h.store.SetActive(r.Context(), id, req.Active); err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteData(w, r, http.StatusOK, map[string]any{"id": id, "active": req.Active})
}
