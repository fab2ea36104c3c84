package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/nanochat/nanochat/internal/auth"
	"github.com/nanochat/nanochat/internal/conversation"
	"github.com/nanochat/nanochat/internal/errcode"
	"github.com/nanochat/nanochat/internal/knowledge"
	"github.com/nanochat/nanochat/internal/llm"
	"github.com/nanochat/nanochat/internal/tenant"
	"github.com/nanochat/nanochat/internal/user"
)

// envelope is the unified response body. Every endpoint, success or
// failure, returns this shape.
type envelope struct {
	Code      errcode.Code `json:"code"`
	Message   string       `json:"message"`
	Data      any          `json:"data,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
// Uses buffer-first strategy so headers are only sent after successful
// encoding; an encoding failure can still return a proper 500.
func writeJSON(w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		// Client disconnects are common and expected.
		slog.Debug("failed to write response body", "error", err)
	}
}

// WriteData writes a success envelope.
func WriteData(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, envelope{
		Code:      errcode.OK,
		Message:   errcode.Message(errcode.OK),
		Data:      data,
		RequestID: requestIDFromContext(r.Context()),
	})
}

// WriteErr converts an error into the response envelope. Uncoded errors are
// first mapped from domain sentinels; anything left becomes SystemError and
// the cause stays in the logs.
func WriteErr(w http.ResponseWriter, r *http.Request, err error, logger *slog.Logger) {
	coded := Coded(err)
	code := errcode.CodeOf(coded)
	status := errcode.HTTPStatus(code)

	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			"error", err,
			"code", code,
			"path", r.URL.Path,
			"method", r.Method,
			"request_id", requestIDFromContext(r.Context()),
		)
	}

	writeJSON(w, status, envelope{
		Code:      code,
		Message:   errcode.ClientMessage(coded),
		RequestID: requestIDFromContext(r.Context()),
	})
}

// Coded maps domain sentinel errors to coded errors. Already-coded errors
// pass through unchanged.
func Coded(err error) error {
	var ce *errcode.Error
	if errors.As(err, &ce) {
		return err
	}

	switch {
	// Validation shapes.
	case errors.Is(err, user.ErrInvalidEmail),
		errors.Is(err, user.ErrInvalidUsername),
		errors.Is(err, tenant.ErrInvalidName),
		errors.Is(err, tenant.ErrSlugTaken),
		errors.Is(err, conversation.ErrEmptyMessage):
		return errcode.Newf(errcode.ValidationError, "%s", err.Error())

	case errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrPasswordNoUpper),
		errors.Is(err, auth.ErrPasswordNoLower),
		errors.Is(err, auth.ErrPasswordNoDigit):
		return errcode.Newf(errcode.PasswordTooWeak, "%s", err.Error())

	// Auth.
	case errors.Is(err, user.ErrInvalidCredentials):
		return errcode.Wrap(errcode.PasswordIncorrect, err)
	case errors.Is(err, user.ErrAccountDisabled):
		return errcode.Wrap(errcode.AccountDisabled, err)
	case errors.Is(err, auth.ErrTokenExpired):
		return errcode.Wrap(errcode.TokenExpired, err)
	case errors.Is(err, auth.ErrTokenInvalid), errors.Is(err, auth.ErrWrongTokenType):
		return errcode.Wrap(errcode.TokenInvalid, err)

	// Users and tenants.
	case errors.Is(err, user.ErrEmailTaken):
		return errcode.Wrap(errcode.EmailAlreadyExists, err)
	case errors.Is(err, user.ErrUsernameTaken):
		return errcode.Wrap(errcode.UserAlreadyExists, err)
	case errors.Is(err, user.ErrNotFound):
		return errcode.Wrap(errcode.UserNotFound, err)
	case errors.Is(err, tenant.ErrNotFound):
		return errcode.Wrap(errcode.TenantNotFound, err)
	case errors.Is(err, tenant.ErrQuotaExceeded):
		return errcode.Wrap(errcode.TenantQuotaExceeded, err)

	// Conversations.
	case errors.Is(err, conversation.ErrNotFound):
		return errcode.Wrap(errcode.ConversationNotFound, err)
	case errors.Is(err, conversation.ErrMessageNotFound):
		return errcode.Wrap(errcode.MessageNotFound, err)
	case errors.Is(err, conversation.ErrMessageTooLong):
		return errcode.Wrap(errcode.MessageTooLong, err)

	// Knowledge.
	case errors.Is(err, knowledge.ErrNotFound):
		return errcode.Wrap(errcode.DocumentNotFound, err)

	// Model.
	case errors.Is(err, llm.ErrEmptyResponse):
		return errcode.Wrap(errcode.ModelResponseError, err)

	default:
		return errcode.Wrap(errcode.SystemError, err)
	}
}
