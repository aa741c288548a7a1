package rest

import (
	"github.com/AzielCF/az-bridge/pkg/msgworker"
	"github.com/gofiber/fiber/v2"
)

// StatsSource reports worker pool statistics.
type StatsSource interface {
	Stats() msgworker.PoolStats
}

type WorkerPool struct {
	Pool StatsSource
}

func InitRestWorkerPool(app fiber.Router, pool StatsSource) WorkerPool {
	handler := WorkerPool{Pool: pool}
	app.Get("/worker-pool/stats", handler.GetStats)
	return handler
}

// GetStats returns real-time ingestion worker pool statistics
func (h *WorkerPool) GetStats(c *fiber.Ctx) error {
	if h.Pool == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "worker pool not initialized",
		})
	}
	return c.JSON(h.Pool.Stats())
}
