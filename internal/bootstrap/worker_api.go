package bootstrap

import (
	"context"

	"mailflow/adapter/in/http"
	"mailflow/infra/database"
	"mailflow/infra/middleware"
	"mailflow/pkg/logger"
	"mailflow/pkg/ratelimit"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
)

// NewAPI builds the admin API on top of deps.
func NewAPI(deps *Dependencies) *fiber.App {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             1 * 1024 * 1024,
		ServerHeader:          "",
		DisableDefaultDate:    true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())

	// Health check (no auth required)
	checkers := map[string]http.HealthChecker{
		"postgres": deps.DB,
		"redis": http.CheckerFunc(func(ctx context.Context) error {
			return deps.Redis.Ping(ctx).Err()
		}),
	}
	if deps.MongoDB != nil {
		checkers["mongodb"] = http.CheckerFunc(func(ctx context.Context) error {
			return deps.MongoDB.Ping(ctx, nil)
		})
	}
	http.NewHealthHandler(checkers).
		WithStats("postgres", func() any { return database.GetPoolStats(deps.DB) }).
		WithStats("redis", func() any { return database.GetRedisStats(deps.Redis) }).
		Register(app)

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, admin API requests will be rejected")
	}
	var limiter *ratelimit.SlidingWindowLimiter
	if cfg.APIRateLimit > 0 {
		limiter = ratelimit.NewSlidingWindowLimiter(deps.Cache, cfg.APIRateLimit, cfg.APIRateWindow)
	}
	api := app.Group("/api/v1",
		middleware.JWTAuth(cfg.JWTSecret, middleware.NewTokenBlacklist(deps.Cache)),
		middleware.RateLimit(limiter),
	)

	admin := http.AdminDeps{
		Producer: deps.MessageProducer,
		Accounts: deps.AccountRepo,
		Messages: deps.EmailRepo,
		Labels:   deps.LabelRepo,
		Status:   deps.SyncStatus,
		Seeder:   deps.Seeder,
	}
	if cfg.SyncDebounce > 0 {
		admin.SyncDebounce = ratelimit.NewDebouncer(deps.Cache, cfg.SyncDebounce)
	}
	if deps.SyncRuns != nil {
		admin.Runs = deps.SyncRuns
	}
	http.NewAdminHandler(admin).Register(api)

	logger.Info("API server initialized successfully")
	return app
}
