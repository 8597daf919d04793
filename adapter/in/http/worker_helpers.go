package http

import (
	"strconv"

	"mailflow/pkg/apperr"

	"github.com/gofiber/fiber/v2"
)

// paramID parses a positive int64 route parameter.
func paramID(c *fiber.Ctx, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.InvalidInput(name, "must be a positive integer")
	}
	return id, nil
}

// queryBool accepts 1/true/yes; anything else is false.
func queryBool(c *fiber.Ctx, key string) bool {
	switch c.Query(key) {
	case "1", "true", "yes":
		return true
	}
	return false
}
