package middleware

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"mailflow/pkg/apperr"
	"mailflow/pkg/cache"
	"mailflow/pkg/ratelimit"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type envelope struct {
	Success bool `json:"success"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Data map[string]any `json:"data"`
}

func newTestApp(blacklist *TokenBlacklist) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(Recover(), RequestID())
	app.Get("/open", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/boom", func(c *fiber.Ctx) error { panic("kaboom") })
	app.Get("/missing", func(c *fiber.Ctx) error { return apperr.NotFound("account") })
	app.Get("/plain", func(c *fiber.Ctx) error { return errors.New("raw failure") })

	api := app.Group("/api", JWTAuth(testSecret, blacklist))
	api.Get("/me", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"data": fiber.Map{"subject": Subject(c)}})
	})
	return app
}

func sign(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, app *fiber.App, path, token string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var env envelope
	_ = json.Unmarshal(body, &env)
	return resp.StatusCode, env
}

func TestRequestID_GeneratedAndEchoed(t *testing.T) {
	app := newTestApp(nil)

	req := httptest.NewRequest("GET", "/open", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	req = httptest.NewRequest("GET", "/open", nil)
	req.Header.Set("X-Request-ID", "abc")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.Header.Get("X-Request-ID"))
}

func TestErrorHandler_Envelope(t *testing.T) {
	app := newTestApp(nil)

	status, env := do(t, app, "/missing", "")
	assert.Equal(t, 404, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, apperr.CodeNotFound, env.Error.Code)
	assert.False(t, env.Success)

	status, env = do(t, app, "/plain", "")
	assert.Equal(t, 500, status)
	assert.Equal(t, apperr.CodeInternalError, env.Error.Code)

	status, env = do(t, app, "/nope", "")
	assert.Equal(t, 404, status)
	assert.Equal(t, apperr.CodeNotFound, env.Error.Code)
}

func TestRecover_PanicBecomes500(t *testing.T) {
	status, env := do(t, newTestApp(nil), "/boom", "")
	assert.Equal(t, 500, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, apperr.CodeInternalError, env.Error.Code)
}

func TestJWTAuth(t *testing.T) {
	app := newTestApp(nil)
	now := time.Now()

	t.Run("missing header", func(t *testing.T) {
		status, env := do(t, app, "/api/me", "")
		assert.Equal(t, 401, status)
		assert.Equal(t, apperr.CodeUnauthorized, env.Error.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		tok := sign(t, jwt.MapClaims{"sub": "ops", "exp": now.Add(time.Hour).Unix(), "iat": now.Unix()}, testSecret)
		status, env := do(t, app, "/api/me", tok)
		assert.Equal(t, 200, status)
		assert.Equal(t, "ops", env.Data["subject"])
	})

	t.Run("wrong secret", func(t *testing.T) {
		tok := sign(t, jwt.MapClaims{"sub": "ops", "exp": now.Add(time.Hour).Unix()}, "other")
		status, env := do(t, app, "/api/me", tok)
		assert.Equal(t, 401, status)
		assert.Equal(t, apperr.CodeInvalidToken, env.Error.Code)
	})

	t.Run("expired", func(t *testing.T) {
		tok := sign(t, jwt.MapClaims{"sub": "ops", "exp": now.Add(-time.Hour).Unix()}, testSecret)
		status, env := do(t, app, "/api/me", tok)
		assert.Equal(t, 401, status)
		assert.Equal(t, apperr.CodeTokenExpired, env.Error.Code)
	})

	t.Run("issued in the future", func(t *testing.T) {
		tok := sign(t, jwt.MapClaims{"sub": "ops", "exp": now.Add(2 * time.Hour).Unix(), "iat": now.Add(time.Hour).Unix()}, testSecret)
		status, _ := do(t, app, "/api/me", tok)
		assert.Equal(t, 401, status)
	})

	t.Run("missing subject", func(t *testing.T) {
		tok := sign(t, jwt.MapClaims{"exp": now.Add(time.Hour).Unix()}, testSecret)
		status, _ := do(t, app, "/api/me", tok)
		assert.Equal(t, 401, status)
	})
}

func TestJWTAuth_RevokedToken(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	blacklist := NewTokenBlacklist(cache.NewRedisCache(client, "mailflow:"))
	app := newTestApp(blacklist)

	tok := sign(t, jwt.MapClaims{"sub": "ops", "jti": "tok-1", "exp": time.Now().Add(time.Hour).Unix()}, testSecret)

	status, _ := do(t, app, "/api/me", tok)
	require.Equal(t, 200, status)

	require.NoError(t, blacklist.Revoke(context.Background(), "tok-1", time.Hour))
	assert.True(t, mr.Exists("mailflow:token:blacklist:tok-1"))

	status, env := do(t, app, "/api/me", tok)
	assert.Equal(t, 401, status)
	assert.Equal(t, "token has been revoked", env.Error.Message)
}

func TestRateLimit_PerSubject(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := ratelimit.NewSlidingWindowLimiter(cache.NewRedisCache(client, "mailflow:"), 2, time.Minute)
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Get("/api/me", JWTAuth(testSecret, nil), RateLimit(limiter), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	exp := time.Now().Add(time.Hour).Unix()
	ops := sign(t, jwt.MapClaims{"sub": "ops", "exp": exp}, testSecret)
	other := sign(t, jwt.MapClaims{"sub": "other", "exp": exp}, testSecret)

	for i := 0; i < 2; i++ {
		status, _ := do(t, app, "/api/me", ops)
		require.Equal(t, 200, status)
	}
	status, env := do(t, app, "/api/me", ops)
	assert.Equal(t, 429, status)
	assert.Equal(t, apperr.CodeRateLimited, env.Error.Code)

	status, _ = do(t, app, "/api/me", other)
	assert.Equal(t, 200, status)
}
