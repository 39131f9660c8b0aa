package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/equipkb/backend/internal/router"
	"github.com/equipkb/backend/pkg/logger"
)

type QueryHandler struct {
	engine *router.Engine
}

func NewQueryHandler(engine *router.Engine) *QueryHandler {
	return &QueryHandler{engine: engine}
}

// HandleQuery routes one troubleshooting question and returns the decision
// alongside the answer, so callers can distinguish a verbatim atom from a
// synthesis or a research acknowledgement.
func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req struct {
		Query        string `json:"query"`
		Manufacturer string `json:"manufacturer"`
		Model        string `json:"model"`
		// Confidence of the upstream equipment identification step; zero
		// means the technician entered manufacturer/model by hand.
		IdentificationConfidence float64 `json:"identification_confidence"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}
	if req.IdentificationConfidence < 0 || req.IdentificationConfidence > 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Identification confidence must be in [0, 1]",
		})
	}

	answer, err := h.engine.Answer(c.Context(), router.Query{
		Text:               req.Query,
		Manufacturer:       req.Manufacturer,
		Model:              req.Model,
		IdentityConfidence: req.IdentificationConfidence,
	})
	if err != nil {
		logger.Error("Failed to route query", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process query",
		})
	}

	return c.JSON(answer)
}
