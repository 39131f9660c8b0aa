package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/equipkb/backend/internal/storage/models"
	"github.com/equipkb/backend/internal/storage/sqlite"
	"github.com/equipkb/backend/pkg/logger"
)

type WebSocketHandler struct {
	store        *sqlite.Client
	pollInterval time.Duration
}

func NewWebSocketHandler(store *sqlite.Client) *WebSocketHandler {
	return &WebSocketHandler{
		store:        store,
		pollInterval: 2 * time.Second,
	}
}

// HandleConnection streams enrichment job progress. The client sends
// {"type": "watch", "job_id": "..."} and receives status updates until the
// job reaches a terminal state.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg struct {
			Type  string `json:"type"`
			JobID string `json:"job_id"`
		}

		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Type != "watch" || msg.JobID == "" {
			h.sendError(c, "Expected {\"type\": \"watch\", \"job_id\": \"...\"}")
			continue
		}

		if err := h.streamJob(c, msg.JobID); err != nil {
			logger.Warn("Failed to stream job", zap.String("job_id", msg.JobID), zap.Error(err))
			h.sendError(c, "Failed to stream job status")
		}
	}
}

func (h *WebSocketHandler) streamJob(c *websocket.Conn, jobID string) error {
	ctx := context.Background()

	var lastStatus models.JobStatus
	var lastRetries int

	for {
		job, err := h.store.GetJob(ctx, jobID)
		if errors.Is(err, sqlite.ErrNotFound) {
			h.sendError(c, "Job not found")
			return nil
		}
		if err != nil {
			return err
		}

		if job.Status != lastStatus || job.RetryCount != lastRetries {
			lastStatus = job.Status
			lastRetries = job.RetryCount

			if err := c.WriteJSON(map[string]interface{}{
				"type":          "status",
				"job_id":        job.ID,
				"status":        job.Status,
				"worker_id":     job.WorkerID,
				"retry_count":   job.RetryCount,
				"atoms_created": job.AtomsCreated,
				"members_found": job.MembersFound,
			}); err != nil {
				return err
			}
		}

		if job.Status == models.JobCompleted || job.Status == models.JobFailed {
			return c.WriteJSON(map[string]interface{}{
				"type":          "complete",
				"job_id":        job.ID,
				"status":        job.Status,
				"atoms_created": job.AtomsCreated,
				"members_found": job.MembersFound,
				"error_detail":  job.ErrorDetail,
			})
		}

		time.Sleep(h.pollInterval)
	}
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}
	if err := c.WriteJSON(msg); err != nil {
		logger.Debug("Failed to send WebSocket error", zap.Error(err))
	}
}
