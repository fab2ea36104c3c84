package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/nanochat/nanochat/internal/errcode"
	"github.com/nanochat/nanochat/internal/tenant"
	"github.com/nanochat/nanochat/internal/user"
)

// tenantAdminStore is the tenant persistence the handlers need.
type tenantAdminStore interface {
	Get(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error)
	UpdateName(ctx context.Context, id uuid.UUID, name string) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status tenant.Status) error
	UpdatePlan(ctx context.Context, id uuid.UUID, plan tenant.Plan) (*tenant.Tenant, error)
}

// callerLookup loads the caller's account for permission checks.
type callerLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*user.User, error)
}

type tenantHandler struct {
	tenants tenantAdminStore
	users   callerLookup
	logger  *slog.Logger
}

// current handles GET /api/v1/tenants/current.
func (h *tenantHandler) current(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := identity(r)
	if !ok {
		WriteErr(w, r, errcode.New(errcode.Unauthorized), h.logger)
		return
	}

	tn, err := h.tenants.Get(r.Context(), tenantID)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteData(w, r, http.StatusOK, tn)
}

type updateTenantRequest struct {
	Name   *string        `json:"name"`
	Plan   *tenant.Plan   `json:"plan"`
	Status *tenant.Status `json:"status"`
}

// update handles PATCH /api/v1/tenants/current (superuser only). Any
// combination of name, plan, and status may be supplied. Changing the plan
// resets the quota to the new plan's defaults.
func (h *tenantHandler) update(w http.ResponseWriter, r *http.Request) {
	userID, tenantID, ok := identity(r)
	if !ok {
		WriteErr(w, r, errcode.New(errcode.Unauthorized), h.logger)
		return
	}

	caller, err := h.users.Get(r.Context(), userID)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	if !caller.IsSuperuser {
		WriteErr(w, r, errcode.New(errcode.PermissionDenied), h.logger)
		return
	}

	var req updateTenantRequest
	if err := readJSON(w, r, &req); err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	if req.Name == nil && req.Plan == nil && req.Status == nil {
		WriteErr(w, r, errcode.Newf(errcode.ValidationError, "nothing to update"), h.logger)
		return
	}
	if req.Plan != nil && !req.Plan.Valid() {
		WriteErr(w, r, errcode.Newf(errcode.ValidationError, "unknown plan %q", *req.Plan), h.logger)
		return
	}
	if req.Status != nil && !req.Status.Valid() {
		WriteErr(w, r, errcode.Newf(errcode.ValidationError, "unknown status %q", *req.Status), h.logger)
		return
	}

	if req.Name != nil {
		if err := h.tenants.UpdateName(r.Context(), tenantID, *req.Name); err != nil {
			WriteErr(w, r, err, h.logger)
			return
		}
	}
	if req.Status != nil {
		if err := h.tenants.UpdateStatus(r.Context(), tenantID, *req.Status); err != nil {
			WriteErr(w, r, err, h.logger)
			return
		}
	}
	if req.Plan != nil {
		if _, err := h.tenants.UpdatePlan(r.Context(), tenantID, *req.Plan); err != nil {
			WriteErr(w, r, err, h.logger)
			return
		}
	}

	tn, err := h.tenants.Get(r.Context(), tenantID)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteData(w, r, http.StatusOK, tn)
}
