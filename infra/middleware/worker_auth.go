package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailflow/pkg/apperr"
	"mailflow/pkg/cache"
	"mailflow/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Locals keys set by JWTAuth.
const (
	LocalSubject = "subject"
	LocalClaims  = "claims"
)

const blacklistPrefix = "token:blacklist:"

// clockSkew tolerated on the iat claim.
const clockSkew = time.Minute

// TokenBlacklist manages revoked tokens by jti.
type TokenBlacklist struct {
	cache *cache.RedisCache
}

func NewTokenBlacklist(c *cache.RedisCache) *TokenBlacklist {
	return &TokenBlacklist{cache: c}
}

// Revoke blacklists tokenID until expiry.
func (b *TokenBlacklist) Revoke(ctx context.Context, tokenID string, expiry time.Duration) error {
	if b == nil || b.cache == nil {
		return nil
	}
	return b.cache.Set(ctx, blacklistPrefix+tokenID, "1", expiry)
}

// IsRevoked fails open: a Redis error is logged and the token is accepted.
func (b *TokenBlacklist) IsRevoked(ctx context.Context, tokenID string) bool {
	if b == nil || b.cache == nil {
		return false
	}
	exists, err := b.cache.Exists(ctx, blacklistPrefix+tokenID)
	if err != nil {
		logger.WithError(err).Warn("[TokenBlacklist.IsRevoked] lookup failed jti=%s", tokenID)
		return false
	}
	return exists
}

// JWTAuth validates HS256 bearer tokens signed with secret and stores the
// subject in c.Locals(LocalSubject). blacklist may be nil.
func JWTAuth(secret string, blacklist *TokenBlacklist) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		tokenString := bearerToken(c.Get(fiber.HeaderAuthorization))
		if tokenString == "" {
			return apperr.Unauthorized("missing authorization")
		}
		if secret == "" {
			return apperr.Unavailable("authentication not configured")
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unsupported signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return apperr.TokenExpired()
			}
			logger.WithError(err).Warn("JWT validation failed")
			return apperr.InvalidToken("invalid token")
		}
		if !token.Valid {
			return apperr.InvalidToken("invalid token")
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return apperr.InvalidToken("invalid claims")
		}

		if iat, ok := claims["iat"].(float64); ok {
			if time.Unix(int64(iat), 0).After(time.Now().Add(clockSkew)) {
				return apperr.InvalidToken("token issued in the future")
			}
		}

		if jti, ok := claims["jti"].(string); ok && jti != "" {
			if blacklist.IsRevoked(c.UserContext(), jti) {
				return apperr.InvalidToken("token has been revoked")
			}
		}

		subject, _ := claims["sub"].(string)
		if subject == "" {
			return apperr.InvalidToken("missing subject in token")
		}

		c.Locals(LocalSubject, subject)
		c.Locals(LocalClaims, claims)
		return c.Next()
	}
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Subject returns the authenticated subject, empty when unauthenticated.
func Subject(c *fiber.Ctx) string {
	s, _ := c.Locals(LocalSubject).(string)
	return s
}
