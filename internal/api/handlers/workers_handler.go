package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/equipkb/backend/internal/storage/sqlite"
	"github.com/equipkb/backend/pkg/logger"
)

type WorkersHandler struct {
	store     *sqlite.Client
	staleness time.Duration
}

func NewWorkersHandler(store *sqlite.Client, staleness time.Duration) *WorkersHandler {
	return &WorkersHandler{store: store, staleness: staleness}
}

// GetWorkers reports pool health from the heartbeat table, the same source
// the reclaimer uses, so what the operator sees is what the system acts on.
func (h *WorkersHandler) GetWorkers(c *fiber.Ctx) error {
	heartbeats, err := h.store.ListHeartbeats(c.Context())
	if err != nil {
		logger.Error("Failed to list heartbeats", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list workers",
		})
	}

	depth, err := h.store.QueueDepth(c.Context())
	if err != nil {
		logger.Error("Failed to read queue depth", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read queue depth",
		})
	}

	now := time.Now()
	workers := make([]fiber.Map, 0, len(heartbeats))
	for _, hb := range heartbeats {
		age := now.Sub(hb.LastHeartbeat)
		workers = append(workers, fiber.Map{
			"worker_id":       hb.WorkerID,
			"status":          hb.Status,
			"current_job_id":  hb.CurrentJobID,
			"jobs_processed":  hb.JobsProcessed,
			"jobs_failed":     hb.JobsFailed,
			"last_heartbeat":  hb.LastHeartbeat.Unix(),
			"heartbeat_age_s": int(age.Seconds()),
			"stale":           age > h.staleness,
		})
	}

	return c.JSON(fiber.Map{
		"workers":     workers,
		"queue_depth": depth,
	})
}
