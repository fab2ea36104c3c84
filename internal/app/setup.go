package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nanochat/nanochat/db"
	"github.com/nanochat/nanochat/internal/api"
	"github.com/nanochat/nanochat/internal/auth"
	"github.com/nanochat/nanochat/internal/config"
	"github.com/nanochat/nanochat/internal/conversation"
	"github.com/nanochat/nanochat/internal/knowledge"
	"github.com/nanochat/nanochat/internal/llm"
	"github.com/nanochat/nanochat/internal/objectstore"
	"github.com/nanochat/nanochat/internal/queue"
	"github.com/nanochat/nanochat/internal/redisclient"
	"github.com/nanochat/nanochat/internal/tenant"
	"github.com/nanochat/nanochat/internal/user"
	"github.com/nanochat/nanochat/internal/worker"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup; call Close() to release.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	// On error, clean up everything already initialized.
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	rdb, err := redisclient.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	a.Redis = rdb

	blobs, err := objectstore.New(ctx, objectstore.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioSecure,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to object storage: %w", err)
	}
	a.Blobs = blobs

	q, err := queue.Connect(cfg.RabbitURL, cfg.IngestQueue, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	a.Queue = q

	gem, err := llm.NewClient(ctx, llm.Config{
		APIKey:         cfg.GeminiAPIKey,
		ChatModel:      cfg.ChatModel,
		EmbeddingModel: cfg.EmbeddingModel,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	a.LLM = gem

	tokens, err := auth.NewTokenManager(cfg.SecretKey,
		time.Duration(cfg.AccessTokenTTLMin)*time.Minute,
		time.Duration(cfg.RefreshTokenTTLDy)*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("creating token manager: %w", err)
	}
	a.Tokens = tokens
	a.Denylist = auth.NewDenylist(rdb)

	a.Tenants = tenant.NewStoreFromPool(pool, logger)
	a.Users = user.NewStore(pool, logger)
	a.Knowledge = knowledge.NewStore(pool, logger)

	a.UserService = user.NewService(a.Users, a.Tenants, logger)
	convStore := conversation.NewStore(pool, logger)
	a.Conversations = conversation.NewService(convStore, a.Tenants, gem, cfg.ChatModel, logger)

	a.Ingester = worker.NewIngester(a.Knowledge, blobs, gem, q, logger)

	server, err := api.NewServer(api.ServerConfig{
		Logger:         logger,
		Users:          a.UserService,
		UserStore:      a.Users,
		Tenants:        a.Tenants,
		Conversations:  a.Conversations,
		Documents:      a.Knowledge,
		Blobs:          blobs,
		Jobs:           q,
		Embedder:       gem,
		Tokens:         tokens,
		Revoked:        a.Denylist,
		DBPing:         pool.Ping,
		RedisPing:      func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		QueuePing:      func(context.Context) error { return q.Ping() },
		ObjectPing:     blobs.Ping,
		Version:        cfg.AppVersion,
		Env:            cfg.AppEnv,
		CORSOrigins:    cfg.CORSOrigins,
		IsDev:          !cfg.IsProduction(),
		TrustProxy:     cfg.TrustProxy,
		RateBurst:      cfg.RateBurst,
		MaxUploadBytes: cfg.MaxUploadBytes,
		AllowedUploads: cfg.AllowedUploads,
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	a.Server = server

	return a, nil
}

// provideDBPool creates a PostgreSQL connection pool and runs migrations.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}
