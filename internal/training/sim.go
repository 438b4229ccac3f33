package training

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/longregen/cascor/internal/id"
)

// SimModel is a stand-in trainable: it emits a synthetic but plausible
// metric stream without any real numerics. It honors ShouldStop between
// epochs, which makes it useful for the serve demo and for exercising
// pause/stop paths in tests.
//
// The configuration fields are set before training starts; hidden and epochs
// are written by the training worker and read from control-plane goroutines
// through HiddenUnits, so they live behind the mutex.
type SimModel struct {
	Inputs      int
	Outputs     int
	OutputEpoch int           // epochs per output-phase round
	CandEpochs  int           // epochs per candidate round
	MaxUnits    int           // stop growing after this many hidden units
	EpochDelay  time.Duration // simulated per-epoch work

	// FailAfter injects a training error after that many epochs when > 0.
	FailAfter int

	mu     sync.Mutex
	hidden int
	epochs int
}

func NewSimModel(inputs, outputs int) *SimModel {
	return &SimModel{
		Inputs:      inputs,
		Outputs:     outputs,
		OutputEpoch: 10,
		CandEpochs:  5,
		MaxUnits:    8,
	}
}

func (m *SimModel) HiddenUnits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hidden
}

func (m *SimModel) InputSize() int  { return m.Inputs }
func (m *SimModel) OutputSize() int { return m.Outputs }

func (m *SimModel) stats(epoch, hidden int, lr float64) EpochStats {
	// Loss decays with epoch count and grown units; accuracy mirrors it.
	progress := float64(epoch) + 3*float64(hidden)
	loss := 1.0 / (1.0 + 0.15*progress)
	acc := 1.0 - loss
	valLoss := loss * 1.08
	valAcc := acc * 0.97
	return EpochStats{
		Epoch:              epoch,
		Loss:               loss,
		Accuracy:           acc,
		LearningRate:       lr,
		ValidationLoss:     &valLoss,
		ValidationAccuracy: &valAcc,
	}
}

func learningRate(params map[string]any) float64 {
	if v, ok := params["learning_rate"]; ok {
		switch lr := v.(type) {
		case float64:
			return lr
		case int:
			return float64(lr)
		}
	}
	return 0.01
}

func (m *SimModel) runEpochs(ctx context.Context, opts FitOptions, count int) (*History, error) {
	lr := learningRate(opts.Params)
	h := &History{}

	m.mu.Lock()
	epoch := opts.StartEpoch
	if m.epochs > epoch {
		epoch = m.epochs
	}
	m.mu.Unlock()

	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return h, err
		}
		if opts.ShouldStop != nil && opts.ShouldStop() {
			return h, nil
		}
		if m.EpochDelay > 0 {
			time.Sleep(m.EpochDelay)
		}

		epoch++
		m.mu.Lock()
		m.epochs = epoch
		hidden := m.hidden
		m.mu.Unlock()

		if m.FailAfter > 0 && epoch > m.FailAfter {
			return h, fmt.Errorf("simulated divergence at epoch %d", epoch)
		}

		s := m.stats(epoch, hidden, lr)
		h.Epochs = append(h.Epochs, s)
		if opts.OnEpoch != nil {
			opts.OnEpoch(s)
		}
	}
	return h, nil
}

// TrainOutputLayer runs one output-weight round.
func (m *SimModel) TrainOutputLayer(ctx context.Context, opts FitOptions) (*History, error) {
	return m.runEpochs(ctx, opts, m.OutputEpoch)
}

// TrainCandidates scores a small pool of synthetic candidate units and
// grows the network by the best one.
func (m *SimModel) TrainCandidates(ctx context.Context, opts FitOptions) (*CandidateResult, error) {
	if _, err := m.runEpochs(ctx, opts, m.CandEpochs); err != nil {
		return nil, err
	}

	m.mu.Lock()
	base := m.hidden * 4
	m.mu.Unlock()

	result := &CandidateResult{PhaseState: map[string]float64{}}
	best := -1.0
	for i := 0; i < 4; i++ {
		unit := base + i
		corr := 0.5 + 0.4*math.Abs(math.Sin(float64(unit)+1))
		cs := CandidateScore{
			ID:          id.NewCandidate(),
			Name:        fmt.Sprintf("candidate %d", unit),
			Correlation: corr,
			Loss:        1 - corr,
			Accuracy:    corr,
			Precision:   corr * 0.98,
			Recall:      corr * 0.96,
			F1:          corr * 0.97,
		}
		result.Candidates = append(result.Candidates, cs)
		result.PhaseState[cs.ID] = corr
		if corr > best {
			best = corr
			result.BestID = cs.ID
		}
	}

	m.mu.Lock()
	if m.hidden < m.MaxUnits {
		m.hidden++
		result.UnitAdded = true
	}
	m.mu.Unlock()
	return result, nil
}

// Fit runs the full cascade loop: alternate output and candidate rounds
// until the unit budget is exhausted or a stop is requested.
func (m *SimModel) Fit(ctx context.Context, opts FitOptions) (*History, error) {
	full := &History{}
	for {
		h, err := m.TrainOutputLayer(ctx, opts)
		full.Epochs = append(full.Epochs, h.Epochs...)
		if err != nil {
			return full, err
		}
		if opts.ShouldStop != nil && opts.ShouldStop() {
			return full, nil
		}
		if m.HiddenUnits() >= m.MaxUnits {
			return full, nil
		}
		if _, err := m.TrainCandidates(ctx, opts); err != nil {
			return full, err
		}
		if opts.ShouldStop != nil && opts.ShouldStop() {
			return full, nil
		}
	}
}
