package training

import (
	"context"
	"time"

	"github.com/longregen/cascor/internal/metrics"
	"github.com/longregen/cascor/internal/protocol"
)

// Trainable is the narrow contract an opaque model must satisfy. The
// numerical internals stay behind it.
type Trainable interface {
	HiddenUnits() int
	InputSize() int
	OutputSize() int
}

// EpochStats is what a model reports after each internal epoch.
type EpochStats struct {
	Epoch              int
	Loss               float64
	Accuracy           float64
	LearningRate       float64
	ValidationLoss     *float64
	ValidationAccuracy *float64
}

// History is the result of a blocking training call.
type History struct {
	Epochs []EpochStats
}

// CandidateScore is one scored candidate unit produced by a search round.
type CandidateScore struct {
	ID          string
	Name        string
	Correlation float64
	Loss        float64
	Accuracy    float64
	Precision   float64
	Recall      float64
	F1          float64
}

// CandidateResult is the outcome of one candidate-search round.
type CandidateResult struct {
	Candidates []CandidateScore
	BestID     string
	UnitAdded  bool
	// PhaseState carries partial scores/weights so a paused round can
	// resume where it left off.
	PhaseState map[string]float64
}

// FitOptions parameterizes a blocking training call. Models that ignore
// OnEpoch and ShouldStop still satisfy the contract; cancellation is
// best-effort.
type FitOptions struct {
	Inputs  [][]float64
	Targets [][]float64

	// StartEpoch lets a resumed run continue epoch numbering.
	StartEpoch int

	// Resume is candidate-phase state saved at pause time, or nil.
	Resume map[string]float64

	// Params is the applied tunable-parameter set (learning_rate, ...).
	Params map[string]any

	OnEpoch    func(EpochStats)
	ShouldStop func() bool
}

// Optional capabilities, detected by type assertion. A model exposes some
// subset; the orchestrator wraps only the methods present.
type Fitter interface {
	Fit(ctx context.Context, opts FitOptions) (*History, error)
}

type OutputTrainer interface {
	TrainOutputLayer(ctx context.Context, opts FitOptions) (*History, error)
}

type CandidateTrainer interface {
	TrainCandidates(ctx context.Context, opts FitOptions) (*CandidateResult, error)
}

// Publisher is the relay's thread-safe publish entry point, seen from the
// training side.
type Publisher interface {
	PublishFromThread(msg *protocol.Message)
}

// instrumentedModel composes pre/post instrumentation around a held
// reference to the original model. It replaces the runtime method patching
// of a dynamic implementation: the original is never mutated, and restoring
// it is just handing back the held reference.
type instrumentedModel struct {
	orig    Trainable
	fitter  Fitter
	output  OutputTrainer
	cands   CandidateTrainer
	sm      *StateMachine
	pool    *CandidatePool
	buf     *MetricsBuffer
	publish func(*protocol.Message)
}

func newInstrumentedModel(orig Trainable, sm *StateMachine, pool *CandidatePool, buf *MetricsBuffer, publish func(*protocol.Message)) *instrumentedModel {
	m := &instrumentedModel{
		orig:    orig,
		sm:      sm,
		pool:    pool,
		buf:     buf,
		publish: publish,
	}
	if f, ok := orig.(Fitter); ok {
		m.fitter = f
	}
	if o, ok := orig.(OutputTrainer); ok {
		m.output = o
	}
	if c, ok := orig.(CandidateTrainer); ok {
		m.cands = c
	}
	return m
}

// wrappedMethods lists which of the known method set the original exposes.
func (m *instrumentedModel) wrappedMethods() []string {
	var names []string
	if m.fitter != nil {
		names = append(names, "fit")
	}
	if m.output != nil {
		names = append(names, "train_output_layer")
	}
	if m.cands != nil {
		names = append(names, "train_candidates")
	}
	return names
}

func (m *instrumentedModel) HiddenUnits() int { return m.orig.HiddenUnits() }
func (m *instrumentedModel) InputSize() int   { return m.orig.InputSize() }
func (m *instrumentedModel) OutputSize() int  { return m.orig.OutputSize() }

// instrument chains the caller's epoch hook with metric recording and a
// metrics broadcast.
func (m *instrumentedModel) instrument(opts FitOptions) FitOptions {
	userHook := opts.OnEpoch
	opts.OnEpoch = func(s EpochStats) {
		rec := MetricRecord{
			Epoch:              s.Epoch,
			Loss:               s.Loss,
			Accuracy:           s.Accuracy,
			LearningRate:       s.LearningRate,
			ValidationLoss:     s.ValidationLoss,
			ValidationAccuracy: s.ValidationAccuracy,
			HiddenUnitCount:    m.orig.HiddenUnits(),
			Phase:              m.sm.Phase(),
		}
		m.buf.OnEpochEnd(rec)
		metrics.EpochsTotal.Inc()
		m.publish(protocol.NewMetricsMessage(rec))
		if userHook != nil {
			userHook(s)
		}
	}
	return opts
}

func (m *instrumentedModel) Fit(ctx context.Context, opts FitOptions) (*History, error) {
	return m.fitter.Fit(ctx, m.instrument(opts))
}

func (m *instrumentedModel) TrainOutputLayer(ctx context.Context, opts FitOptions) (*History, error) {
	m.sm.SetPhase(PhaseOutput)
	phase := PhaseOutput
	m.pool.UpdatePool(PoolUpdate{Phase: &phase})
	m.publish(protocol.NewStateMessage(m.sm.Snapshot()))
	m.buf.Emit(Event{Type: EventEpochStart, Data: map[string]any{"phase": PhaseOutput}})

	return m.output.TrainOutputLayer(ctx, m.instrument(opts))
}

func (m *instrumentedModel) TrainCandidates(ctx context.Context, opts FitOptions) (*CandidateResult, error) {
	m.sm.SetPhase(PhaseCandidate)
	active := PoolActive
	phase := PhaseCandidate
	m.pool.UpdatePool(PoolUpdate{Status: &active, Phase: &phase})
	m.publish(protocol.NewStateMessage(m.sm.Snapshot()))

	result, err := m.cands.TrainCandidates(ctx, m.instrument(opts))

	inactive := PoolInactive
	m.pool.UpdatePool(PoolUpdate{Status: &inactive})
	if err != nil {
		return nil, err
	}

	for _, cs := range result.Candidates {
		m.pool.AddCandidate(Candidate{
			ID:          cs.ID,
			Name:        cs.Name,
			Correlation: cs.Correlation,
			Loss:        cs.Loss,
			Accuracy:    cs.Accuracy,
			Precision:   cs.Precision,
			Recall:      cs.Recall,
			F1:          cs.F1,
			UpdatedAt:   time.Now(),
		})
		metrics.CandidatesEvaluated.Inc()
		m.buf.Emit(Event{Type: EventCandidateAdded, Data: map[string]any{"id": cs.ID, "correlation": cs.Correlation}})
	}
	if result.PhaseState != nil {
		m.sm.SaveCandidateState(result.PhaseState)
	}
	if result.UnitAdded {
		m.buf.Emit(Event{Type: EventTopologyChanged, Data: map[string]any{"hidden_units": m.orig.HiddenUnits()}})
		m.publish(protocol.NewTopologyMessage(map[string]any{
			"hidden_units": m.orig.HiddenUnits(),
			"input_size":   m.orig.InputSize(),
			"output_size":  m.orig.OutputSize(),
			"best_id":      result.BestID,
		}))
	}
	return result, nil
}
