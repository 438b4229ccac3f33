// Package training implements the orchestration core: the training state
// machine, the candidate scoreboard, the bounded metrics history, and the
// orchestrator that runs an opaque trainable model on a dedicated worker.
package training

import (
	"log/slog"
	"sync"
)

// Status is the lifecycle state of a training run.
type Status string

const (
	StatusStopped   Status = "stopped"
	StatusStarted   Status = "started"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Phase is the algorithm phase within a run, orthogonal to Status.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseOutput    Phase = "output"
	PhaseCandidate Phase = "candidate"
	PhaseInference Phase = "inference"
)

// StateSnapshot is a point-in-time view of the machine for diagnostics.
type StateSnapshot struct {
	Status            Status `json:"status"`
	Phase             Phase  `json:"phase"`
	PausedPhase       Phase  `json:"paused_phase,omitempty"`
	HasCandidateState bool   `json:"has_candidate_state"`
	FailureReason     string `json:"failure_reason,omitempty"`
}

// StateMachine tracks training status and phase. All commands are
// synchronous; an illegal command returns false and mutates nothing.
type StateMachine struct {
	mu             sync.Mutex
	status         Status
	phase          Phase
	pausedPhase    Phase
	candidateState map[string]float64
	failureReason  string
}

func NewStateMachine() *StateMachine {
	return &StateMachine{status: StatusStopped, phase: PhaseIdle}
}

// Start moves Stopped to Started. From Paused it behaves as Resume: the run
// continues where it left off rather than restarting.
func (sm *StateMachine) Start() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	switch sm.status {
	case StatusStopped:
		sm.status = StatusStarted
		sm.phase = PhaseOutput
		sm.failureReason = ""
		return true
	case StatusPaused:
		sm.resumeLocked()
		return true
	default:
		slog.Info("fsm: start rejected", "status", sm.status)
		return false
	}
}

// Stop halts a running or paused run. Stopping an already stopped machine is
// a successful no-op; terminal states require Reset.
func (sm *StateMachine) Stop() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	switch sm.status {
	case StatusStarted, StatusPaused:
		sm.status = StatusStopped
		sm.phase = PhaseIdle
		sm.clearPausedLocked()
		return true
	case StatusStopped:
		return true
	default:
		slog.Info("fsm: stop rejected", "status", sm.status)
		return false
	}
}

// Pause captures the current phase so Resume can restore it exactly.
func (sm *StateMachine) Pause() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.status != StatusStarted {
		slog.Info("fsm: pause rejected", "status", sm.status)
		return false
	}
	// An idle phase carries no working state worth restoring; Resume then
	// falls back to the output phase.
	if sm.phase != PhaseIdle {
		sm.pausedPhase = sm.phase
	}
	sm.status = StatusPaused
	return true
}

// Resume restores the phase captured at pause time. A missing paused phase
// falls back to the output phase; that is the documented default, not an
// error.
func (sm *StateMachine) Resume() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.status != StatusPaused {
		slog.Info("fsm: resume rejected", "status", sm.status)
		return false
	}
	sm.resumeLocked()
	return true
}

func (sm *StateMachine) resumeLocked() {
	sm.status = StatusStarted
	if sm.pausedPhase != "" {
		sm.phase = sm.pausedPhase
	} else {
		sm.phase = PhaseOutput
	}
	sm.pausedPhase = ""
}

// Reset returns the machine to Stopped from any state, clearing all saved
// context. It is the only way out of Completed and Failed.
func (sm *StateMachine) Reset() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.status = StatusStopped
	sm.phase = PhaseIdle
	sm.failureReason = ""
	sm.clearPausedLocked()
	return true
}

// MarkCompleted is a direct transition usable only from Started or Paused.
func (sm *StateMachine) MarkCompleted() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.status != StatusStarted && sm.status != StatusPaused {
		slog.Info("fsm: mark completed rejected", "status", sm.status)
		return false
	}
	sm.status = StatusCompleted
	sm.clearPausedLocked()
	return true
}

// MarkFailed is usable from Started or Paused: a paused run whose worker
// dies must still be able to fail.
func (sm *StateMachine) MarkFailed(reason string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.status != StatusStarted && sm.status != StatusPaused {
		slog.Info("fsm: mark failed rejected", "status", sm.status)
		return false
	}
	sm.status = StatusFailed
	sm.failureReason = reason
	sm.clearPausedLocked()
	return true
}

func (sm *StateMachine) clearPausedLocked() {
	sm.pausedPhase = ""
	sm.candidateState = nil
}

// SetPhase mutates the phase; legal only while the run is Started.
func (sm *StateMachine) SetPhase(p Phase) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.status != StatusStarted {
		slog.Info("fsm: phase change rejected", "status", sm.status, "phase", p)
		return false
	}
	sm.phase = p
	return true
}

// SaveCandidateState stashes candidate-phase working state (scores, partial
// weights) so a paused run resumes exactly where it left off.
func (sm *StateMachine) SaveCandidateState(state map[string]float64) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.status != StatusStarted && sm.status != StatusPaused {
		return false
	}
	copied := make(map[string]float64, len(state))
	for k, v := range state {
		copied[k] = v
	}
	sm.candidateState = copied
	return true
}

// CandidateState returns a copy of the saved candidate-phase state, or nil.
func (sm *StateMachine) CandidateState() map[string]float64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.candidateState == nil {
		return nil
	}
	copied := make(map[string]float64, len(sm.candidateState))
	for k, v := range sm.candidateState {
		copied[k] = v
	}
	return copied
}

func (sm *StateMachine) Status() Status {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.status
}

func (sm *StateMachine) Phase() Phase {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.phase
}

func (sm *StateMachine) Snapshot() StateSnapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return StateSnapshot{
		Status:            sm.status,
		Phase:             sm.phase,
		PausedPhase:       sm.pausedPhase,
		HasCandidateState: sm.candidateState != nil,
		FailureReason:     sm.failureReason,
	}
}
