package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

type healthResponse struct {
	Status      string  `json:"status"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
}

// handleHealthz reports host-level vitals: system CPU, memory, and root
// disk usage.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read cpu stats")
		cpuPercent = []float64{0}
	}
	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read memory stats")
	}
	diskStat, err := disk.Usage("/")
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read disk stats")
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		CPUPercent:  cpuAvg,
		MemPercent:  memStat.UsedPercent,
		DiskPercent: diskStat.UsedPercent,
	})
}

// handleTriggerAlert manually fires a single alert's scan-and-dispatch
// cycle, bypassing the scheduler's tick interval.
func (s *Server) handleTriggerAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")
	if alertID == "" {
		http.Error(w, "alertID is required", http.StatusBadRequest)
		return
	}

	if err := s.alerts.TriggerAlert(r.Context(), alertID); err != nil {
		s.log.Error().Err(err).Str("alert_id", alertID).Msg("manual alert trigger failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"alert_id": alertID, "status": "triggered"})
}

// handleIngestWebhook routes an inbound push event to the WebhookWorker
// registered for {source}, keyed by the source's own event id
// (X-Event-ID) for the 24h dedupe window.
func (s *Server) handleIngestWebhook(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	worker, ok := s.webhooks[source]
	if !ok {
		http.Error(w, "unknown webhook source", http.StatusNotFound)
		return
	}

	eventID := r.Header.Get("X-Event-ID")
	if eventID == "" {
		http.Error(w, "X-Event-ID header is required", http.StatusBadRequest)
		return
	}

	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	if err := worker.Accept(r.Context(), eventID, fields); err != nil {
		s.log.Error().Err(err).Str("source", source).Str("event_id", eventID).Msg("webhook ingestion failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}
