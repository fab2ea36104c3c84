// Package app provides application initialization and dependency wiring.
//
// App is the container that holds every long-lived component: the database
// pool, Redis, RabbitMQ, MinIO, the Gemini client, and the domain services
// built on top of them. Setup constructs everything in dependency order and
// Close releases it in reverse.
package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nanochat/nanochat/internal/api"
	"github.com/nanochat/nanochat/internal/auth"
	"github.com/nanochat/nanochat/internal/config"
	"github.com/nanochat/nanochat/internal/conversation"
	"github.com/nanochat/nanochat/internal/knowledge"
	"github.com/nanochat/nanochat/internal/llm"
	"github.com/nanochat/nanochat/internal/objectstore"
	"github.com/nanochat/nanochat/internal/queue"
	"github.com/nanochat/nanochat/internal/tenant"
	"github.com/nanochat/nanochat/internal/user"
	"github.com/nanochat/nanochat/internal/worker"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	// Infrastructure
	DBPool *pgxpool.Pool
	Redis  *redis.Client
	Blobs  *objectstore.Store
	Queue  *queue.Client
	LLM    *llm.Client

	// Domain
	Tenants       *tenant.Store
	Users         *user.Store
	UserService   *user.Service
	Conversations *conversation.Service
	Knowledge     *knowledge.Store
	Tokens        *auth.TokenManager
	Denylist      *auth.Denylist

	// Entry points
	Server   *api.Server
	Ingester *worker.Ingester
}

// Close gracefully releases all resources in reverse initialization order.
// Safe to call on a partially initialized App.
func (a *App) Close() error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if a.LLM != nil {
		if err := a.LLM.Close(); err != nil {
			logger.Warn("closing gemini client", "error", err)
		}
	}
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			logger.Warn("closing rabbitmq connection", "error", err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			logger.Warn("closing redis client", "error", err)
		}
	}
	if a.DBPool != nil {
		a.DBPool.Close()
	}

	logger.Info("application shut down")
	return nil
}
