package server

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/quotehub/internal/domain"
)

// healthResponse is the aggregated operational view for the dashboard.
type healthResponse struct {
	Status        string                    `json:"status"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Sessions      []domain.SessionSnapshot  `json:"sessions"`
	Health        []domain.HealthSnapshot   `json:"health"`
	Bindings      []domain.BindingSnapshot  `json:"bindings"`
	Recovery      []domain.RecoverySnapshot `json:"recovery"`
	RejectedTicks uint64                    `json:"rejected_ticks"`
	System        systemStats               `json:"system"`
}

type systemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Sessions:      s.sup.ListSessions(),
		Health:        s.health.Snapshots(),
		Bindings:      s.bindings.Snapshots(),
		Recovery:      s.recovery.Snapshots(),
		RejectedTicks: s.sup.RejectedTicks(),
		System:        collectSystemStats(),
	}

	for _, h := range resp.Health {
		if h.Status == domain.HealthUnhealthy {
			resp.Status = "degraded"
			break
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// collectSystemStats samples process-level cpu/mem. Failures leave zeros;
// the health endpoint must never fail because sampling did.
func collectSystemStats() systemStats {
	var stats systemStats
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = vm.UsedPercent
		stats.MemoryUsedMB = vm.Used / 1024 / 1024
	}
	return stats
}
