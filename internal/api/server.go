package api

import (
	"errors"
	"log/slog"
	"net/http"
)

// ServerConfig contains everything needed to build the API server.
// Health check pingers are optional; missing ones are simply not probed.
type ServerConfig struct {
	Logger *slog.Logger

	Users         userService       // Required
	UserStore     userAdminStore    // Required
	Tenants       tenantAdminStore  // Required
	Conversations conversationService // Required
	Documents     documentStore     // Required
	Blobs         blobStore         // Required
	Jobs          jobPublisher      // Required
	Embedder      queryEmbedder     // Required
	Tokens        tokenManager      // Required
	Revoked       revoker           // Required

	DBPing     pinger
	RedisPing  pinger
	QueuePing  pinger
	ObjectPing pinger

	Version string
	Env     string

	CORSOrigins    []string
	IsDev          bool
	TrustProxy     bool
	RateBurst      int // 0 = default 60
	MaxUploadBytes int64
	AllowedUploads []string
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates the API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	switch {
	case cfg.Users == nil, cfg.UserStore == nil, cfg.Tenants == nil,
		cfg.Conversations == nil, cfg.Documents == nil, cfg.Blobs == nil,
		cfg.Jobs == nil, cfg.Embedder == nil, cfg.Tokens == nil, cfg.Revoked == nil:
		return nil, errors.New("all service dependencies are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ah := &authHandler{users: cfg.Users, tokens: cfg.Tokens, revoked: cfg.Revoked, logger: logger}
	uh := &userHandler{store: cfg.UserStore, logger: logger}
	th := &tenantHandler{tenants: cfg.Tenants, users: cfg.UserStore, logger: logger}
	ch := &conversationHandler{svc: cfg.Conversations, logger: logger}

	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 50 << 20
	}
	dh := newDocumentHandler(cfg.Documents, cfg.Blobs, cfg.Jobs, cfg.Embedder,
		cfg.Tenants, maxUpload, cfg.AllowedUploads, logger)

	hh := &healthHandler{logger: logger, version: cfg.Version, env: cfg.Env, checks: map[string]pinger{}}
	if cfg.DBPing != nil {
		hh.checks["postgres"] = cfg.DBPing
	}
	if cfg.RedisPing != nil {
		hh.checks["redis"] = cfg.RedisPing
	}
	if cfg.QueuePing != nil {
		hh.checks["rabbitmq"] = cfg.QueuePing
	}
	if cfg.ObjectPing != nil {
		hh.checks["minio"] = cfg.ObjectPing
	}

	requireAuth := authMiddleware(cfg.Tokens, cfg.Revoked, logger)

	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("POST /api/v1/auth/register", ah.register)
	mux.HandleFunc("POST /api/v1/auth/login", ah.login)
	mux.HandleFunc("POST /api/v1/auth/refresh", ah.refresh)
	mux.HandleFunc("GET /api/v1/health", hh.detailed)

	// Authenticated endpoints.
	mux.Handle("POST /api/v1/auth/logout", requireAuth(http.HandlerFunc(ah.logout)))
	mux.Handle("GET /api/v1/auth/me", requireAuth(http.HandlerFunc(ah.me)))

	mux.Handle("GET /api/v1/users", requireAuth(http.HandlerFunc(uh.list)))
	mux.Handle("GET /api/v1/users/me", requireAuth(http.HandlerFunc(ah.me)))
	mux.Handle("PATCH /api/v1/users/me", requireAuth(http.HandlerFunc(uh.updateMe)))
	mux.Handle("PATCH /api/v1/users/{id}/active", requireAuth(http.HandlerFunc(uh.setActive)))

	mux.Handle("GET /api/v1/tenants/current", requireAuth(http.HandlerFunc(th.current)))
	mux.Handle("PATCH /api/v1/tenants/current", requireAuth(http.HandlerFunc(th.update)))

	mux.Handle("GET /api/v1/conversations", requireAuth(http.HandlerFunc(ch.list)))
	mux.Handle("POST /api/v1/conversations", requireAuth(http.HandlerFunc(ch.create)))
	mux.Handle("GET /api/v1/conversations/{id}", requireAuth(http.HandlerFunc(ch.get)))
	mux.Handle("PATCH /api/v1/conversations/{id}", requireAuth(http.HandlerFunc(ch.rename)))
	mux.Handle("DELETE /api/v1/conversations/{id}", requireAuth(http.HandlerFunc(ch.remove)))
	mux.Handle("GET /api/v1/conversations/{id}/messages", requireAuth(http.HandlerFunc(ch.messages)))
	mux.Handle("POST /api/v1/conversations/{id}/messages", requireAuth(http.HandlerFunc(ch.chat)))

	mux.Handle("POST /api/v1/documents", requireAuth(http.HandlerFunc(dh.upload)))
	mux.Handle("GET /api/v1/documents", requireAuth(http.HandlerFunc(dh.list)))
	mux.Handle("GET /api/v1/documents/{id}", requireAuth(http.HandlerFunc(dh.get)))
	mux.Handle("DELETE /api/v1/documents/{id}", requireAuth(http.HandlerFunc(dh.remove)))
	mux.Handle("GET /api/v1/search", requireAuth(http.HandlerFunc(dh.search)))

	// Rate limiter: per-IP token bucket (1 token/sec refill).
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → RateLimit → Routes
	// RequestID must be before Logging so request_id is available in log
	// attributes. CORS must be before RateLimit so preflight OPTIONS gets
	// proper CORS headers.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	isDev := cfg.IsDev
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w, isDev)
		handler.ServeHTTP(w, r)
	})

	// Top-level mux keeps health probes out of the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.DBPing))
	topMux.Handle("/", final)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
