package middleware

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"mailflow/pkg/apperr"
	"mailflow/pkg/logger"
	"mailflow/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// ErrorHandler is a centralized error handler for Fiber
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		requestID, _ := c.Locals("request_id").(string)
		log := logger.WithField("request_id", requestID)

		var fiberErr *fiber.Error
		if appErr, ok := apperr.As(err); ok {
			if appErr.Status >= 500 {
				log.WithError(appErr.Err).WithField("error_code", appErr.Code).Error("Internal error: %s", appErr.Message)
			} else {
				log.WithField("error_code", appErr.Code).Warn("Client error: %s", appErr.Message)
			}
			return response.Error(c, appErr.Status, appErr.Code, appErr.Message, appErr.Details)
		} else if errors.As(err, &fiberErr) {
			return response.Error(c, fiberErr.Code, mapHTTPStatusToCode(fiberErr.Code), fiberErr.Message, nil)
		}

		log.WithError(err).WithField("stack", string(debug.Stack())).Error("Unexpected error: %s", err.Error())
		return response.Error(c, fiber.StatusInternalServerError, apperr.CodeInternalError, "An unexpected error occurred", nil)
	}
}

// RequestID middleware adds a unique request ID to each request
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Locals("request_id", requestID)
		c.Set("X-Request-ID", requestID)
		return c.Next()
	}
}

// RequestLogger logs every request with its status and latency.
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		requestID, _ := c.Locals("request_id").(string)
		status := c.Response().StatusCode()
		if err != nil {
			status = apperr.StatusOf(err)
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				status = fiberErr.Code
			}
		}

		log := logger.WithFields(map[string]any{
			"request_id": requestID,
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     status,
			"subject":    c.Locals(LocalSubject),
		}).WithDuration(time.Since(start))

		switch {
		case status >= 500:
			log.Error("Request failed: %s %s -> %d", c.Method(), c.Path(), status)
		case status >= 400:
			log.Warn("Request error: %s %s -> %d", c.Method(), c.Path(), status)
		default:
			log.Info("Request completed: %s %s -> %d", c.Method(), c.Path(), status)
		}
		return err
	}
}

// Recover turns panics into 500 responses.
func Recover() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				requestID, _ := c.Locals("request_id").(string)
				logger.WithFields(map[string]any{
					"request_id": requestID,
					"panic":      fmt.Sprintf("%v", r),
					"path":       c.Path(),
					"method":     c.Method(),
					"stack":      string(debug.Stack()),
				}).Error("Panic recovered")
				err = apperr.Internal(fmt.Errorf("panic: %v", r))
			}
		}()
		return c.Next()
	}
}

func mapHTTPStatusToCode(status int) string {
	switch status {
	case 400:
		return apperr.CodeBadRequest
	case 401:
		return apperr.CodeUnauthorized
	case 404:
		return apperr.CodeNotFound
	case 409:
		return apperr.CodeConflict
	case 429:
		return apperr.CodeRateLimited
	case 500:
		return apperr.CodeInternalError
	case 502, 503, 504:
		return apperr.CodeUnavailable
	default:
		return "UNKNOWN_ERROR"
	}
}
