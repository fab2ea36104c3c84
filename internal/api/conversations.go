package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/nanochat/nanochat/internal/conversation"
	"github.com/nanochat/nanochat/internal/errcode"
)

// conversationService is the chat surface the handlers need.
type conversationService interface {
	Create(ctx context.Context, tenantID, userID uuid.UUID, title string) (*conversation.Conversation, error)
	Get(ctx context.Context, id, userID uuid.UUID) (*conversation.Conversation, error)
	List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*conversation.Conversation, error)
	Rename(ctx context.Context, id, userID uuid.UUID, title string) error
	Delete(ctx context.Context, id, userID uuid.UUID) error
	Messages(ctx context.Context, id, userID uuid.UUID, limit, offset int) ([]*conversation.Message, error)
	Chat(ctx context.Context, id, userID uuid.UUID, content string) (*conversation.Message, *conversation.Message, error)
}

type conversationHandler struct {
	svc    conversationService
	logger *slog.Logger
}

// pagination reads limit/offset query parameters with sane caps.
func pagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}

// pathUUID parses the {id} path value.
func pathUUID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, errcode.Newf(errcode.ValidationError, "invalid id")
	}
	return id, nil
}

type createConversationRequest struct {
	Title string `json:"title"`
}

// create handles POST /api/v1/conversations.
func (h *conversationHandler) create(w http.ResponseWriter, r *http.Request) {
	userID, tenantID, ok := identity(r)
	if !ok {
		WriteErr(w, r, errcode.New(errcode.Unauthorized), h.logger)
		return
	}

	var req createConversationRequest
	if r.ContentLength > 0 {
		if err := readJSON(w, r, &req); err != nil {
			WriteErr(w, r, err, h.logger)
			return
		}
	}

	c, err := h.svc.Create(r.Context(), tenantID, userID, req.Title)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteData(w, r, http.StatusCreated, c)
}

// list handles GET /api/v1/conversations.
func (h *conversationHandler) list(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		WriteErr(w, r, errcode.New(errcode.Unauthorized), h.logger)
		return
	}

	limit, offset := pagination(r, 20, 100)
	convs, err := h.svc.List(r.Context(), userID, limit, offset)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	if convs == nil {
		convs = []*conversation.Conversation{}
	}
	WriteData(w, r, http.StatusOK, convs)
}

// get handles GET /api/v1/conversations/{id}.
func (h *conversationHandler) get(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		WriteErr(w, r, errcode.New(errcode.Unauthorized), h.logger)
		return
	}
	id, err := pathUUID(r)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	c, err := h.svc.Get(r.Context(), id, userID)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteData(w, r, http.StatusOK, c)
}

type renameConversationRequest struct {
	Title string `json:"title"`
}

// rename handles PATCH /api/v1/conversations/{id}.
func (h *conversationHandler) rename(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		WriteErr(w, r, errcode.New(errcode.Unauthorized), h.logger)
		return
	}
	id, err := pathUUID(r)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	var req renameConversationRequest
	if err := readJSON(w, r, &req); err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	if err := h.svc.Rename(r.Context(), id, userID, req.Title); err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	c, err := h.svc.Get(r.Context(), id, userID)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteData(w, r, http.StatusOK, c)
}

// remove handles DELETE /api/v1/conversations/{id}.
func (h *conversationHandler) remove(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		WriteErr(w, r, errcode.New(errcode.Unauthorized), h.logger)
		return
	}
	id, err := pathUUID(r)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	if err := h.svc.Delete(r.Context(), id, userID); err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteData(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

// messages handles GET /api/v1/conversations/{id}/messages.
func (h *conversationHandler) messages(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		WriteErr(w, r, errcode.New(errcode.Unauthorized), h.logger)
		return
	}
	id, err := pathUUID(r)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	limit, offset := pagination(r, 50, 200)
	msgs, err := h.svc.Messages(r.Context(), id, userID, limit, offset)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	if msgs == nil {
		msgs = []*conversation.Message{}
	}
	WriteData(w, r, http.StatusOK, msgs)
}

type chatRequest struct {
	Content string `json:"content"`
}

type chatResponse struct {
	UserMessage      *conversation.Message `json:"user_message"`
	AssistantMessage *conversation.Message `json:"assistant_message"`
}

// chat handles POST /api/v1/conversations/{id}/messages.
func (h *conversationHandler) chat(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		WriteErr(w, r, errcode.New(errcode.Unauthorized), h.logger)
		return
	}
	id, err := pathUUID(r)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	var req chatRequest
	if err := readJSON(w, r, &req); err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	userMsg, assistantMsg, err := h.svc.Chat(r.Context(), id, userID, req.Content)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteData(w, r, http.StatusOK, chatResponse{UserMessage: userMsg, AssistantMessage: assistantMsg})
}
