package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/equipkb/backend/internal/cache/redis"
	"github.com/equipkb/backend/internal/llm"
	"github.com/equipkb/backend/internal/storage/models"
	"github.com/equipkb/backend/internal/storage/sqlite"
	"github.com/equipkb/backend/internal/vector/milvus"
	"github.com/equipkb/backend/pkg/logger"
)

var atomKinds = map[models.AtomKind]struct{}{
	models.AtomFaultCode:     {},
	models.AtomProcedure:     {},
	models.AtomSpecification: {},
	models.AtomPart:          {},
	models.AtomTip:           {},
	models.AtomSafetyWarning: {},
}

// CurationHandler covers the human curation surface: replacing an atom with a
// reviewed one. Atoms are never deleted, so a correction always arrives as a
// verified successor.
type CurationHandler struct {
	store    *sqlite.Client
	cache    *redis.Client
	embedder *llm.Client
	index    *milvus.Client
}

func NewCurationHandler(store *sqlite.Client, cache *redis.Client, embedder *llm.Client, index *milvus.Client) *CurationHandler {
	return &CurationHandler{store: store, cache: cache, embedder: embedder, index: index}
}

// SupersedeAtom creates a human-verified replacement for an existing atom and
// links the old one to it. The replacement inherits the old atom's equipment
// scoping and source attribution.
func (h *CurationHandler) SupersedeAtom(c *fiber.Ctx) error {
	oldID := c.Params("id")

	var req struct {
		Kind       string  `json:"kind"`
		Title      string  `json:"title"`
		Body       string  `json:"body"`
		SourceRef  string  `json:"source_ref"`
		Confidence float64 `json:"confidence"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Title == "" || req.Body == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Title and body are required",
		})
	}
	if req.Confidence <= 0 || req.Confidence > 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Confidence must be in (0, 1]",
		})
	}

	old, err := h.store.GetAtom(c.Context(), oldID)
	if errors.Is(err, sqlite.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Atom not found",
		})
	}
	if err != nil {
		logger.Error("Failed to load atom", zap.String("atom_id", oldID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load atom",
		})
	}
	if old.SupersededBy != "" {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":         "Atom already superseded",
			"superseded_by": old.SupersededBy,
		})
	}

	kind := old.Kind
	if req.Kind != "" {
		kind = models.AtomKind(req.Kind)
		if _, ok := atomKinds[kind]; !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Unknown atom kind",
			})
		}
	}

	now := time.Now()
	replacement := &models.KnowledgeAtom{
		ID:               uuid.New().String(),
		Kind:             kind,
		Manufacturer:     old.Manufacturer,
		Model:            old.Model,
		EquipmentType:    old.EquipmentType,
		Title:            req.Title,
		Body:             req.Body,
		SourceRef:        req.SourceRef,
		Confidence:       req.Confidence,
		HumanVerified:    true,
		EnrichmentSource: old.EnrichmentSource,
		CreatedAt:        now,
		LastVerifiedAt:   &now,
	}

	if err := h.store.InsertAtom(c.Context(), replacement); err != nil {
		logger.Error("Failed to insert replacement atom", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create replacement atom",
		})
	}
	if err := h.store.SupersedeAtom(c.Context(), oldID, replacement.ID); err != nil {
		logger.Error("Failed to link superseded atom",
			zap.String("old_id", oldID),
			zap.String("new_id", replacement.ID),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to supersede atom",
		})
	}

	h.indexReplacement(c, replacement)

	// Cached research results may cite the outdated atom's source.
	if err := h.cache.InvalidateSearchResults(c.Context(), old.Manufacturer); err != nil {
		logger.Warn("Failed to invalidate cached results",
			zap.String("manufacturer", old.Manufacturer),
			zap.Error(err),
		)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"atom_id":        replacement.ID,
		"supersedes":     oldID,
		"kind":           replacement.Kind,
		"confidence":     replacement.Confidence,
		"human_verified": true,
	})
}

// indexReplacement is best effort: the atom is already durable, the vector
// index catches up on the next retrieval miss.
func (h *CurationHandler) indexReplacement(c *fiber.Ctx, atom *models.KnowledgeAtom) {
	embedding, err := h.embedder.Embed(c.Context(), atom.Title+"\n"+atom.Body)
	if err != nil {
		logger.Warn("Failed to embed replacement atom", zap.String("atom_id", atom.ID), zap.Error(err))
		return
	}

	err = h.index.Insert(c.Context(), []milvus.AtomVector{{
		AtomID:       atom.ID,
		Embedding:    embedding,
		Manufacturer: atom.Manufacturer,
		Model:        atom.Model,
		Kind:         string(atom.Kind),
		CreatedAt:    atom.CreatedAt,
	}})
	if err != nil {
		logger.Warn("Failed to index replacement atom", zap.String("atom_id", atom.ID), zap.Error(err))
	}
}
