package rest

import (
	domainInstance "github.com/AzielCF/az-bridge/domains/instance"
	"github.com/AzielCF/az-bridge/gateway/application"
	"github.com/AzielCF/az-bridge/gateway/domain/state"
	"github.com/AzielCF/az-bridge/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

type IngestStatsSource interface {
	Stats() application.IngestStats
}

type InstanceLister interface {
	ListInstances() []domainInstance.Snapshot
}

// Health reports liveness plus whatever sources the process has. Unset
// sources are left out of the report.
type Health struct {
	Version   string
	Ingest    IngestStatsSource
	Pool      StatsSource
	Instances InstanceLister
}

type HealthReport struct {
	Status    string                   `json:"status"`
	Version   string                   `json:"version,omitempty"`
	Instances map[state.Kind]int       `json:"instances,omitempty"`
	Ingest    *application.IngestStats `json:"ingest,omitempty"`
	Pool      *HealthPoolSummary       `json:"pool,omitempty"`
}

type HealthPoolSummary struct {
	Workers    int   `json:"workers"`
	Dispatched int64 `json:"dispatched"`
	Processed  int64 `json:"processed"`
	Dropped    int64 `json:"dropped"`
	Errors     int64 `json:"errors"`
}

func InitRestHealth(app fiber.Router, handler Health) Health {
	app.Get("/health", handler.GetStatus)
	return handler
}

func (h *Health) GetStatus(c *fiber.Ctx) error {
	report := HealthReport{Status: "ok", Version: h.Version}

	if h.Instances != nil {
		report.Instances = make(map[state.Kind]int)
		for _, snap := range h.Instances.ListInstances() {
			report.Instances[snap.State.Kind]++
		}
	}
	if h.Ingest != nil {
		stats := h.Ingest.Stats()
		report.Ingest = &stats
	}
	if h.Pool != nil {
		stats := h.Pool.Stats()
		report.Pool = &HealthPoolSummary{
			Workers:    stats.NumWorkers,
			Dispatched: stats.TotalDispatched,
			Processed:  stats.TotalProcessed,
			Dropped:    stats.TotalDropped,
			Errors:     stats.TotalErrors,
		}
	}

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Health status retrieved",
		Results: report,
	})
}
