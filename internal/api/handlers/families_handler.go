package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	neo4jclient "github.com/equipkb/backend/internal/graph/neo4j"
	"github.com/equipkb/backend/internal/storage/sqlite"
	"github.com/equipkb/backend/pkg/logger"
)

type FamiliesHandler struct {
	graph *neo4jclient.Client
	store *sqlite.Client
}

func NewFamiliesHandler(graph *neo4jclient.Client, store *sqlite.Client) *FamiliesHandler {
	return &FamiliesHandler{graph: graph, store: store}
}

// GetFamilies reports which product families could cover a model, with each
// family's indexing progress. The graph answers membership; the relational
// store carries the counts.
func (h *FamiliesHandler) GetFamilies(c *fiber.Ctx) error {
	manufacturer := c.Query("manufacturer")
	model := c.Query("model")
	if manufacturer == "" || model == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Manufacturer and model are required",
		})
	}

	nodes, err := h.graph.FamiliesForModel(c.Context(), manufacturer, model)
	if err != nil {
		logger.Error("Failed to query families",
			zap.String("manufacturer", manufacturer),
			zap.String("model", model),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to query families",
		})
	}

	out := make([]fiber.Map, 0, len(nodes))
	for _, node := range nodes {
		entry := fiber.Map{
			"name":          node.Name,
			"manufacturer":  node.Manufacturer,
			"match_pattern": node.MatchPattern,
		}

		fam, err := h.store.GetFamily(c.Context(), node.Manufacturer, node.Name)
		switch {
		case errors.Is(err, sqlite.ErrNotFound):
			// Known to the graph but never enriched; report membership only.
		case err != nil:
			logger.Warn("Failed to load family counts", zap.String("family", node.Name), zap.Error(err))
		default:
			entry["member_count"] = fam.MemberCount
			entry["indexed_count"] = fam.IndexedCount
			entry["is_complete"] = fam.IsComplete
		}

		out = append(out, entry)
	}

	return c.JSON(fiber.Map{"families": out})
}
