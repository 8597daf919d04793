// Package response provides the API response envelope.
package response

import (
	"github.com/gofiber/fiber/v2"
)

// Response is the standard API response structure.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
	Meta    *Meta      `json:"meta,omitempty"`
}

// ErrorInfo contains error details.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Meta carries list metadata.
type Meta struct {
	Total int `json:"total"`
	Limit int `json:"limit,omitempty"`
}

// OK returns a successful response.
func OK(c *fiber.Ctx, data any) error {
	return c.JSON(Response{Success: true, Data: data})
}

// OKWithMeta returns a successful response with metadata.
func OKWithMeta(c *fiber.Ctx, data any, meta *Meta) error {
	return c.JSON(Response{Success: true, Data: data, Meta: meta})
}

// Accepted returns 202 for work that was queued.
func Accepted(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusAccepted).JSON(Response{Success: true, Data: data})
}

// Error returns an error response.
func Error(c *fiber.Ctx, status int, code, message string, details map[string]any) error {
	return c.Status(status).JSON(Response{
		Success: false,
		Error:   &ErrorInfo{Code: code, Message: message, Details: details},
	})
}
