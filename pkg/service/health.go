package service

import (
	"encoding/json"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/theapemachine/ctxsync/pkg/errors"
	"github.com/theapemachine/ctxsync/pkg/metrics"
	"github.com/theapemachine/ctxsync/pkg/store"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type HealthReport struct {
	Status         Status  `json:"status"`
	ActiveContexts int     `json:"activeContexts"`
	Connections    int64   `json:"connections"`
	MemoryPressure float64 `json:"memoryPressure"`
	LoadPressure   float64 `json:"loadPressure"`
}

/*
MetricsReport is the body of GET /metrics.
*/
type MetricsReport struct {
	metrics.Snapshot
	ActiveContexts int                  `json:"activeContexts"`
	MemoryBytes    int64                `json:"memoryBytes"`
	MaxMemoryBytes int64                `json:"maxMemoryBytes"`
	Evictions      int64                `json:"evictions"`
	ContextSizes   map[string]int64     `json:"contextSizes"`
	Projects       []store.ProjectStats `json:"projects"`
}

/*
Health is unhealthy while shutting down or once memory is full, degraded
when either pressure signal passes 80%.
*/
func (srv *ContextServer) Health() HealthReport {
	report := HealthReport{
		Status:         StatusHealthy,
		ActiveContexts: srv.store.Stats().ActiveContexts,
		Connections:    srv.metrics.ActiveConnections(),
		MemoryPressure: srv.store.MemoryPressure(),
		LoadPressure:   srv.LoadPressure(),
	}

	switch {
	case srv.shuttingDown.Load() || report.MemoryPressure >= 1.0:
		report.Status = StatusUnhealthy
	case max(report.MemoryPressure, report.LoadPressure) > 0.8:
		report.Status = StatusDegraded
	}

	return report
}

func (srv *ContextServer) Report() MetricsReport {
	stats := srv.store.Stats()
	report := MetricsReport{
		Snapshot:       srv.metrics.Snapshot(),
		ActiveContexts: stats.ActiveContexts,
		MemoryBytes:    stats.MemoryBytes,
		MaxMemoryBytes: stats.MaxMemoryBytes,
		Evictions:      stats.Evictions,
		ContextSizes:   make(map[string]int64, len(stats.Projects)),
		Projects:       stats.Projects,
	}

	for _, project := range stats.Projects {
		report.ContextSizes[project.ProjectID] = project.SizeBytes
	}

	return report
}

func (srv *ContextServer) handleHealth(ctx fiber.Ctx) error {
	report := srv.Health()
	status := fiber.StatusOK

	if report.Status == StatusUnhealthy {
		status = fiber.StatusServiceUnavailable
	}

	return ctx.Status(status).JSON(report)
}

func (srv *ContextServer) handleMetrics(ctx fiber.Ctx) error {
	return ctx.JSON(srv.Report())
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errors.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(errors.NewBody(err))
}
