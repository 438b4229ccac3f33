package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/longregen/cascor/internal/protocol"
	"github.com/longregen/cascor/internal/training"
)

// Broadcaster pushes control acknowledgements to connected observers.
type Broadcaster interface {
	PublishFromThread(msg *protocol.Message)
}

type TrainingHandler struct {
	orch  *training.Orchestrator
	relay Broadcaster
}

func NewTrainingHandler(orch *training.Orchestrator, relay Broadcaster) *TrainingHandler {
	return &TrainingHandler{orch: orch, relay: relay}
}

// respondResult maps a control outcome to HTTP: accepted commands get 200,
// illegal transitions get 409 with the reason in the body. Every control
// command also emits a control_ack to subscribers.
func (h *TrainingHandler) respondResult(w http.ResponseWriter, command string, res training.Result) {
	if h.relay != nil {
		h.relay.PublishFromThread(protocol.NewControlAck(command, res.Success, res.Error))
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	respondJSON(w, res, status)
}

func (h *TrainingHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reset bool `json:"reset"`
	}
	// An empty body means a plain start without reset.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	h.respondResult(w, "start", h.orch.StartTraining(req.Reset))
}

func (h *TrainingHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.respondResult(w, "stop", h.orch.StopTraining())
}

func (h *TrainingHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.respondResult(w, "pause", h.orch.PauseTraining())
}

func (h *TrainingHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.respondResult(w, "resume", h.orch.ResumeTraining())
}

func (h *TrainingHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.respondResult(w, "reset", h.orch.ResetTraining())
}

func (h *TrainingHandler) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, h.orch.GetStatus(), http.StatusOK)
}

func (h *TrainingHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, h.orch.GetMetrics(), http.StatusOK)
}

func (h *TrainingHandler) History(w http.ResponseWriter, r *http.Request) {
	count := parseIntQuery(r, "count", 100)
	records := h.orch.GetMetricsHistory(count)
	if records == nil {
		records = []training.MetricRecord{}
	}
	respondJSON(w, map[string]any{"history": records, "count": len(records)}, http.StatusOK)
}

func (h *TrainingHandler) Candidates(w http.ResponseWriter, r *http.Request) {
	n := parseIntQuery(r, "n", 5)
	candidates := h.orch.GetTopCandidates(n)
	if candidates == nil {
		candidates = []training.Candidate{}
	}
	respondJSON(w, map[string]any{"candidates": candidates}, http.StatusOK)
}

func (h *TrainingHandler) UpdateParams(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	applied := h.orch.ApplyParams(fields)
	respondJSON(w, map[string]any{"success": true, "applied": applied}, http.StatusOK)
}
