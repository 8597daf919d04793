package http

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
)

// HealthChecker is anything that can be pinged.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a function to HealthChecker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

type HealthHandler struct {
	checkers map[string]HealthChecker
	stats    map[string]func() any
	timeout  time.Duration
}

func NewHealthHandler(checkers map[string]HealthChecker) *HealthHandler {
	if checkers == nil {
		checkers = map[string]HealthChecker{}
	}
	return &HealthHandler{checkers: checkers, stats: map[string]func() any{}, timeout: 5 * time.Second}
}

// WithStats adds a connection pool snapshot to the /ready body.
func (h *HealthHandler) WithStats(name string, fn func() any) *HealthHandler {
	h.stats[name] = fn
	return h
}

func (h *HealthHandler) Register(app fiber.Router) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	allHealthy := true
	for _, name := range names {
		if err := h.checkers[name].Ping(ctx); err != nil {
			checks[name] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks[name] = "healthy"
		}
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	body := fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if len(h.stats) > 0 {
		stats := make(map[string]any, len(h.stats))
		for name, fn := range h.stats {
			stats[name] = fn()
		}
		body["stats"] = stats
	}
	return c.Status(statusCode).JSON(body)
}
