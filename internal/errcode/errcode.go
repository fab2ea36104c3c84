// Package errcode defines the business error code registry and the coded
// error type used across the API surface.
//
// Codes are numeric and module-prefixed:
//   - 1xxxx  system
//   - 100xxx authentication / authorization
//   - 200xxx users
//   - 210xxx tenants
//   - 300xxx conversations
//   - 310xxx models
//   - 400xxx knowledge / documents
//   - 600xxx file storage
//   - 700xxx external services
//
// Handlers convert store sentinel errors into coded errors; anything without
// a code maps to SystemError so internals never leak to clients.
package errcode

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a numeric business error code.
type Code int

const (
	// OK indicates success. The response envelope uses it for 2xx responses.
	OK Code = 0

	// System (1xxxx)
	SystemError        Code = 10000
	ValidationError    Code = 10001
	NotFound           Code = 10002
	MethodNotAllowed   Code = 10003
	RateLimitExceeded  Code = 10004
	ServiceUnavailable Code = 10005
	DatabaseError      Code = 10006
	RedisError         Code = 10007
	TimeoutError       Code = 10008

	// Authentication / authorization (100xxx)
	Unauthorized        Code = 100001
	TokenExpired        Code = 100002
	TokenInvalid        Code = 100003
	RefreshTokenExpired Code = 100004
	PermissionDenied    Code = 100005
	AccountDisabled     Code = 100006

	// Users (200xxx)
	UserNotFound       Code = 200001
	UserAlreadyExists  Code = 200002
	PasswordIncorrect  Code = 200003
	PasswordTooWeak    Code = 200004
	EmailAlreadyExists Code = 200005

	// Tenants (210xxx)
	TenantNotFound      Code = 210001
	TenantDisabled      Code = 210002
	TenantQuotaExceeded Code = 210003

	// Conversations (300xxx)
	ConversationNotFound      Code = 300001
	ConversationLimitExceeded Code = 300002
	MessageNotFound           Code = 300003
	MessageTooLong            Code = 300004

	// Models (310xxx)
	ModelNotAvailable  Code = 310002
	ModelResponseError Code = 310005

	// Knowledge / documents (400xxx)
	DocumentNotFound   Code = 400003
	DocumentParseError Code = 400004
	DocumentTooLarge   Code = 400005
	EmbeddingError     Code = 400006
	RetrievalError     Code = 400007

	// File storage (600xxx)
	FileNotFound       Code = 600001
	FileTooLarge       Code = 600002
	FileTypeNotAllowed Code = 600003
	FileUploadError    Code = 600004
	StorageError       Code = 600005

	// External services (700xxx)
	ExternalServiceError Code = 700001
)

// messages holds the default client-facing message per code.
var messages = map[Code]string{
	OK: "success",

	SystemError:        "internal server error",
	ValidationError:    "validation failed",
	NotFound:           "resource not found",
	MethodNotAllowed:   "method not allowed",
	RateLimitExceeded:  "too many requests",
	ServiceUnavailable: "service temporarily unavailable",
	DatabaseError:      "database operation failed",
	RedisError:         "cache service error",
	TimeoutError:       "request timed out",

	Unauthorized:        "authentication required",
	TokenExpired:        "token expired, please sign in again",
	TokenInvalid:        "invalid token",
	RefreshTokenExpired: "session expired, please sign in again",
	PermissionDenied:    "permission denied",
	AccountDisabled:     "account disabled",

	UserNotFound:       "user not found",
	UserAlreadyExists:  "user already exists",
	PasswordIncorrect:  "email or password incorrect",
	PasswordTooWeak:    "password too weak",
	EmailAlreadyExists: "email already registered",

	TenantNotFound:      "tenant not found",
	TenantDisabled:      "tenant disabled",
	TenantQuotaExceeded: "tenant quota exceeded",

	ConversationNotFound:      "conversation not found",
	ConversationLimitExceeded: "conversation limit reached",
	MessageNotFound:           "message not found",
	MessageTooLong:            "message too long",

	ModelNotAvailable:  "model temporarily unavailable",
	ModelResponseError: "model response error",

	DocumentNotFound:   "document not found",
	DocumentParseError: "document parsing failed",
	DocumentTooLarge:   "document too large",
	EmbeddingError:     "embedding generation failed",
	RetrievalError:     "knowledge retrieval failed",

	FileNotFound:       "file not found",
	FileTooLarge:       "file too large",
	FileTypeNotAllowed: "file type not allowed",
	FileUploadError:    "file upload failed",
	StorageError:       "storage service error",

	ExternalServiceError: "external service error",
}

// Message returns the default message for a code.
func Message(c Code) string {
	if m, ok := messages[c]; ok {
		return m
	}
	return "unknown error"
}

// HTTPStatus maps a business error code to an HTTP status code.
func HTTPStatus(c Code) int {
	switch c {
	case OK:
		return http.StatusOK
	case ValidationError, PasswordTooWeak, MessageTooLong:
		return http.StatusBadRequest
	case Unauthorized, TokenExpired, TokenInvalid, RefreshTokenExpired, PasswordIncorrect:
		return http.StatusUnauthorized
	case PermissionDenied, AccountDisabled, TenantDisabled:
		return http.StatusForbidden
	case NotFound, UserNotFound, TenantNotFound, ConversationNotFound,
		MessageNotFound, DocumentNotFound, FileNotFound:
		return http.StatusNotFound
	case MethodNotAllowed:
		return http.StatusMethodNotAllowed
	case UserAlreadyExists, EmailAlreadyExists:
		return http.StatusConflict
	case FileTooLarge, DocumentTooLarge:
		return http.StatusRequestEntityTooLarge
	case RateLimitExceeded, TenantQuotaExceeded, ConversationLimitExceeded:
		return http.StatusTooManyRequests
	case ServiceUnavailable, ModelNotAvailable:
		return http.StatusServiceUnavailable
	case TimeoutError:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is a business error carrying a code, a client-facing message, and an
// optional wrapped cause. The cause is for logs only and never reaches the
// client.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// New creates a coded error with the code's default message.
func New(code Code) *Error {
	return &Error{Code: code, Message: Message(code)}
}

// Newf creates a coded error with a custom message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error wrapping an underlying cause.
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, Message: Message(code), cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (code %d): %v", e.Message, e.Code, e.cause)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Unwrap exposes the cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the business code from an error chain.
// Errors without a code map to SystemError.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return SystemError
}

// ClientMessage returns the message safe to send to clients.
// Uncoded errors collapse to the SystemError default.
func ClientMessage(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	return Message(SystemError)
}
