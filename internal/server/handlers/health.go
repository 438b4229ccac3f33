package handlers

import (
	"net/http"
	"time"

	"github.com/longregen/cascor/internal/relay"
	"github.com/longregen/cascor/internal/training"
)

type HealthHandler struct {
	orch  *training.Orchestrator
	relay *relay.Relay
}

func NewHealthHandler(orch *training.Orchestrator, r *relay.Relay) *HealthHandler {
	return &HealthHandler{orch: orch, relay: r}
}

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status      string      `json:"status"`
	Timestamp   time.Time   `json:"timestamp"`
	Training    string      `json:"training"`
	Relay       relay.Stats `json:"relay"`
	MetricCount int         `json:"metric_count"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.orch.GetStatus()

	respondJSON(w, HealthStatus{
		Status:      "healthy",
		Timestamp:   time.Now().UTC(),
		Training:    string(report.State.Status),
		Relay:       h.relay.Stats(),
		MetricCount: report.MetricsCount,
	}, http.StatusOK)
}

// Liveness handles GET /health/live. It only confirms the process is serving.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "alive"}, http.StatusOK)
}
