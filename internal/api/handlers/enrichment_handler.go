package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/equipkb/backend/internal/gap"
	"github.com/equipkb/backend/internal/storage/models"
	"github.com/equipkb/backend/internal/storage/sqlite"
	"github.com/equipkb/backend/pkg/logger"
)

type EnrichmentHandler struct {
	store    *sqlite.Client
	detector *gap.Detector
}

func NewEnrichmentHandler(store *sqlite.Client, detector *gap.Detector) *EnrichmentHandler {
	return &EnrichmentHandler{store: store, detector: detector}
}

// ListGaps returns gaps by status, highest priority first.
func (h *EnrichmentHandler) ListGaps(c *fiber.Ctx) error {
	status := models.GapStatus(c.Query("status", string(models.GapPending)))
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}

	gaps, err := h.store.ListGaps(c.Context(), status, limit)
	if err != nil {
		logger.Error("Failed to list gaps", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list gaps",
		})
	}

	out := make([]fiber.Map, 0, len(gaps))
	for _, g := range gaps {
		out = append(out, fiber.Map{
			"id":               g.ID,
			"query":            g.QueryNormalized,
			"manufacturer":     g.Manufacturer,
			"model":            g.Model,
			"confidence":       g.Confidence,
			"occurrence_count": g.OccurrenceCount,
			"priority":         g.Priority,
			"research_status":  g.ResearchStatus,
			"resolved_atom_id": g.ResolvedAtomID,
			"created_at":       g.CreatedAt.Unix(),
		})
	}

	return c.JSON(fiber.Map{"gaps": out})
}

// TriggerResearch queues enrichment for specific equipment on operator
// demand, bypassing the confidence gate with a zero-confidence gap.
func (h *EnrichmentHandler) TriggerResearch(c *fiber.Ctx) error {
	var req struct {
		Query        string `json:"query"`
		Manufacturer string `json:"manufacturer"`
		Model        string `json:"model"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Manufacturer == "" || req.Model == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Manufacturer and model are required",
		})
	}
	if req.Query == "" {
		req.Query = req.Manufacturer + " " + req.Model + " documentation"
	}

	g, job, err := h.detector.Record(c.Context(), req.Query, req.Manufacturer, req.Model, 0)
	if err != nil {
		logger.Error("Failed to trigger research", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to trigger research",
		})
	}

	resp := fiber.Map{
		"gap_id":   g.ID,
		"priority": g.Priority,
	}
	if job != nil {
		resp["job_id"] = job.ID
		resp["job_status"] = job.Status
	}
	return c.Status(fiber.StatusAccepted).JSON(resp)
}

// PromoteAtom marks an atom human-verified with a reviewed confidence.
func (h *EnrichmentHandler) PromoteAtom(c *fiber.Ctx) error {
	atomID := c.Params("id")

	var req struct {
		Confidence float64 `json:"confidence"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Confidence <= 0 || req.Confidence > 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Confidence must be in (0, 1]",
		})
	}

	err := h.store.PromoteAtom(c.Context(), atomID, req.Confidence)
	if errors.Is(err, sqlite.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Atom not found",
		})
	}
	if err != nil {
		logger.Error("Failed to promote atom", zap.String("atom_id", atomID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to promote atom",
		})
	}

	return c.JSON(fiber.Map{
		"atom_id":        atomID,
		"human_verified": true,
		"confidence":     req.Confidence,
	})
}

// GetJob exposes one enrichment job's progress.
func (h *EnrichmentHandler) GetJob(c *fiber.Ctx) error {
	job, err := h.store.GetJob(c.Context(), c.Params("id"))
	if errors.Is(err, sqlite.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Job not found",
		})
	}
	if err != nil {
		logger.Error("Failed to get job", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get job",
		})
	}

	return c.JSON(jobJSON(job))
}

func jobJSON(job *models.EnrichmentJob) fiber.Map {
	m := fiber.Map{
		"id":               job.ID,
		"gap_id":           job.GapID,
		"manufacturer":     job.Manufacturer,
		"model_pattern":    job.ModelPattern,
		"priority":         job.Priority,
		"status":           job.Status,
		"user_query_count": job.UserQueryCount,
		"worker_id":        job.WorkerID,
		"atoms_created":    job.AtomsCreated,
		"members_found":    job.MembersFound,
		"retry_count":      job.RetryCount,
		"created_at":       job.CreatedAt.Unix(),
	}
	if job.StartedAt != nil {
		m["started_at"] = job.StartedAt.Unix()
	}
	if job.FinishedAt != nil {
		m["finished_at"] = job.FinishedAt.Unix()
	}
	if job.ErrorDetail != "" {
		m["error_detail"] = job.ErrorDetail
	}
	return m
}
