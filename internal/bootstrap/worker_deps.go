package bootstrap

import (
	"context"
	"fmt"
	"time"

	"mailflow/adapter/out/cache"
	"mailflow/adapter/out/messaging"
	"mailflow/adapter/out/mongodb"
	"mailflow/adapter/out/persistence"
	"mailflow/adapter/out/provider"
	"mailflow/config"
	"mailflow/core/agent"
	"mailflow/core/agent/llm"
	"mailflow/core/agent/tools"
	"mailflow/core/port/out"
	"mailflow/core/service/auth"
	"mailflow/core/service/classification"
	mail "mailflow/core/service/email"
	"mailflow/core/service/todo"
	"mailflow/infra/database"
	pkgcache "mailflow/pkg/cache"
	"mailflow/pkg/crypto"
	"mailflow/pkg/httputil"
	"mailflow/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

const cachePrefix = "mailflow:"

type Dependencies struct {
	Config  *config.Config
	DB      *pgxpool.Pool
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client

	// Repositories
	AccountRepo *persistence.AccountAdapter
	EmailRepo   *persistence.EmailAdapter
	LabelRepo   *persistence.LabelAdapter
	ActionRepo  *persistence.ActionAdapter
	TaskRepo    *persistence.TaskAdapter
	SyncRuns    *mongodb.SyncRunAdapter // nil without MongoDB

	// Redis
	Cache      *pkgcache.RedisCache
	SyncLock   *cache.SyncLock
	SyncStatus *cache.SyncStatusStore

	// Messaging
	MessageProducer *messaging.RedisProducer

	// Providers
	Providers   *provider.Registry
	Credentials *auth.CredentialService

	// Services
	SyncService            *mail.SyncService
	EmailService           *mail.EmailService
	ClassificationPipeline *classification.Pipeline
	Seeder                 *classification.Seeder
	Consolidation          *todo.ConsolidationService

	// Agent
	LLMClient    *llm.Client
	Orchestrator *agent.Orchestrator
}

func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// Database (pgxpool for migrations and health, sqlx for repositories)
	pgCfg := database.DefaultPostgresConfig(cfg.DatabaseMaxConn)
	db, err := database.NewPostgres(ctx, cfg.DatabaseURL, pgCfg)
	if err != nil {
		return fail(fmt.Errorf("postgres: %w", err))
	}
	deps.DB = db
	cleanups = append(cleanups, db.Close)

	if err := database.Migrate(ctx, db); err != nil {
		return fail(err)
	}

	sqlDB, err := database.NewSQLX(ctx, cfg.DatabaseURL, pgCfg)
	if err != nil {
		return fail(fmt.Errorf("sqlx: %w", err))
	}
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })
	logger.Info("Database connected (pool: max=%d)", pgCfg.MaxConns)

	// Redis
	redisClient, err := database.NewRedis(ctx, cfg.RedisURL, nil)
	if err != nil {
		return fail(fmt.Errorf("redis: %w", err))
	}
	deps.Redis = redisClient
	cleanups = append(cleanups, func() { redisClient.Close() })

	deps.Cache = pkgcache.NewRedisCache(redisClient, cachePrefix)
	deps.SyncLock = cache.NewSyncLock(deps.Cache, cfg.SyncLockTTL)
	deps.SyncStatus = cache.NewSyncStatusStore(deps.Cache)
	deps.MessageProducer = messaging.NewRedisProducer(redisClient)

	// MongoDB (sync run audit, optional)
	var runs out.SyncRunRecorder
	if cfg.MongoDBURL != "" {
		mongoClient, err := database.NewMongo(ctx, cfg.MongoDBURL)
		if err != nil {
			logger.Warn("MongoDB connection failed, sync runs will not be audited: %v", err)
		} else {
			deps.MongoDB = mongoClient
			cleanups = append(cleanups, func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = mongoClient.Disconnect(ctx)
			})

			deps.SyncRuns = mongodb.NewSyncRunAdapter(mongoClient.Database(cfg.MongoDBName))
			if err := deps.SyncRuns.EnsureIndexes(ctx); err != nil {
				logger.Warn("Failed to ensure sync run indexes: %v", err)
			}
			runs = deps.SyncRuns
			logger.Info("MongoDB sync run audit enabled (db=%s)", cfg.MongoDBName)
		}
	}

	// Repositories
	var encryptor *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		if encryptor, err = crypto.NewEncryptor(cfg.EncryptionKey); err != nil {
			return fail(fmt.Errorf("encryptor: %w", err))
		}
	} else {
		logger.Warn("ENCRYPTION_KEY not set, OAuth tokens are stored in plain text")
	}
	deps.AccountRepo = persistence.NewAccountAdapter(sqlDB, encryptor)
	deps.EmailRepo = persistence.NewEmailAdapter(sqlDB)
	deps.LabelRepo = persistence.NewLabelAdapter(sqlDB)
	deps.ActionRepo = persistence.NewActionAdapter(sqlDB)
	deps.TaskRepo = persistence.NewTaskAdapter(sqlDB)

	// Providers
	call := provider.DefaultCallConfig()
	if cfg.ProviderTimeout > 0 {
		call.RequestTimeout = cfg.ProviderTimeout
	}
	deps.Providers = provider.NewFactory(&provider.FactoryConfig{
		Gmail:   &provider.GmailConfig{Call: call},
		Outlook: &provider.OutlookConfig{
			Call:       call,
			HTTPClient: httputil.NewClient(httputil.GraphClientConfig(call.RequestTimeout)),
		},
	})
	deps.Credentials = auth.NewCredentialService(deps.AccountRepo, auth.OAuthConfig{
		GoogleClientID:        cfg.GoogleClientID,
		GoogleClientSecret:    cfg.GoogleClientSecret,
		GoogleRedirectURL:     cfg.GoogleRedirectURL,
		MicrosoftClientID:     cfg.MicrosoftClientID,
		MicrosoftClientSecret: cfg.MicrosoftClientSecret,
		MicrosoftRedirectURL:  cfg.MicrosoftRedirectURL,
		MicrosoftTenant:       cfg.MicrosoftTenantID,
	})

	// Sync
	deps.SyncService = mail.NewSyncService(
		deps.EmailRepo,
		deps.Providers,
		deps.Credentials,
		deps.SyncLock,
		deps.SyncStatus,
		mail.SyncConfig{
			InitialCap:     cfg.SyncInitialCap,
			IncrementalCap: cfg.SyncIncrementalCap,
			PageSize:       cfg.SyncPageSize,
		},
	)
	deps.EmailService = mail.NewEmailService(deps.AccountRepo, deps.EmailRepo, deps.SyncService, runs, deps.MessageProducer)

	// LLM
	if cfg.OpenAIAPIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, classification and planning calls will fail")
	}
	deps.LLMClient = llm.NewClientWithConfig(llm.ClientConfig{
		APIKey:      cfg.OpenAIAPIKey,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
	})

	// Classification and tasks
	deps.Consolidation = todo.NewConsolidationService(deps.TaskRepo)
	deps.ClassificationPipeline = classification.NewPipeline(
		deps.EmailRepo,
		deps.AccountRepo,
		deps.LabelRepo,
		deps.TaskRepo,
		llm.NewClassifier(deps.LLMClient),
		deps.Consolidation,
		deps.MessageProducer,
		deps.Providers,
		deps.Credentials,
	)
	deps.Seeder = classification.NewSeeder(deps.LabelRepo, deps.ActionRepo)

	// Agent
	registry := tools.NewRegistry(tools.Dependencies{
		Providers:   deps.Providers,
		Credentials: deps.Credentials,
		Drafter:     llm.NewDrafter(deps.LLMClient),
		Emails:      deps.EmailRepo,
		Drafts:      persistence.NewDraftAdapter(sqlDB),
		Tasks:       deps.TaskRepo,
		Jobs:        persistence.NewJobAdapter(sqlDB),
		Labels:      deps.LabelRepo,
	})
	deps.Orchestrator = agent.NewOrchestrator(
		deps.LabelRepo,
		deps.ActionRepo,
		deps.EmailRepo,
		deps.AccountRepo,
		llm.NewPlanner(deps.LLMClient),
		registry,
	)

	return deps, cleanup, nil
}
