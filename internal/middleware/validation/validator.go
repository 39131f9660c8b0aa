package validation

import (
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var injectionPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|union\s+select|drop\s+table)`)

type Config struct {
	MaxQueryLength      int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware validates write requests before they reach a handler: content
// type, required fields per endpoint, and length and content limits on
// free-text fields.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 2000
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		if contentType := c.Get("Content-Type"); contentType != "" {
			allowed := false
			for _, allowedType := range cfg.AllowedContentTypes {
				if strings.Contains(contentType, allowedType) {
					allowed = true
					break
				}
			}
			if !allowed {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		path := c.Path()

		if strings.Contains(path, "/query") || strings.Contains(path, "/research") {
			var req map[string]interface{}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			for _, field := range []string{"query", "manufacturer", "model"} {
				value, ok := req[field].(string)
				if !ok {
					continue
				}

				if len(value) > cfg.MaxQueryLength {
					return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
						"error": field + " exceeds maximum length",
					})
				}

				if injectionPattern.MatchString(value) {
					cfg.Logger.Warn("Rejected suspicious input",
						zap.String("ip", c.IP()),
						zap.String("field", field),
					)
					return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
						"error": "Invalid " + field + " content",
					})
				}
			}
		}

		return c.Next()
	}
}
