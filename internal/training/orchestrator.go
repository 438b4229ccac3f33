package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/longregen/cascor/internal/id"
	"github.com/longregen/cascor/internal/metrics"
	"github.com/longregen/cascor/internal/protocol"
)

// Result is the outcome of a control-plane command. Illegal transitions are
// reported here, never as panics or transport errors.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func ok() Result                          { return Result{Success: true} }
func fail(format string, a ...any) Result { return Result{Error: fmt.Sprintf(format, a...)} }

// StatusReport is the composite snapshot served to status queries.
type StatusReport struct {
	State        StateSnapshot `json:"state"`
	Pool         PoolSnapshot  `json:"pool"`
	Running      bool          `json:"running"`
	CurrentEpoch int           `json:"current_epoch"`
	HiddenUnits  int           `json:"hidden_unit_count"`
	MetricsCount int           `json:"metrics_count"`
}

// MetricsReport is the aggregate metrics view.
type MetricsReport struct {
	Latest *MetricRecord  `json:"latest,omitempty"`
	Pool   PoolMetrics    `json:"pool"`
	Params map[string]any `json:"params"`
}

type trainJob struct {
	ctx context.Context
}

// Orchestrator owns one state machine, one candidate pool and one metrics
// buffer, and runs the opaque model's blocking training call on a dedicated
// worker goroutine so control calls never wait on training progress.
type Orchestrator struct {
	sm        *StateMachine
	pool      *CandidatePool
	buf       *MetricsBuffer
	publisher Publisher

	mu        sync.Mutex
	model     Trainable
	inst      *instrumentedModel
	running   bool
	closed    bool
	runCancel context.CancelFunc

	inputs  [][]float64
	targets [][]float64

	stopReq    atomic.Bool
	jobs       chan trainJob
	quit       chan struct{}
	workerDone chan struct{}
}

func NewOrchestrator(historyCapacity int, publisher Publisher) *Orchestrator {
	o := &Orchestrator{
		sm:         NewStateMachine(),
		pool:       NewCandidatePool(),
		buf:        NewMetricsBuffer(historyCapacity),
		publisher:  publisher,
		jobs:       make(chan trainJob),
		quit:       make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	go o.worker()
	return o
}

func (o *Orchestrator) StateMachine() *StateMachine { return o.sm }
func (o *Orchestrator) Pool() *CandidatePool        { return o.pool }
func (o *Orchestrator) Metrics() *MetricsBuffer     { return o.buf }

func (o *Orchestrator) publishMsg(msg *protocol.Message) {
	if o.publisher == nil {
		slog.Debug("orchestrator: no publisher attached, dropping message", "type", msg.Type)
		return
	}
	o.publisher.PublishFromThread(msg)
}

// InstallHooks wraps whichever of the known method set the model exposes
// with instrumented versions. The original reference is stored once;
// installing twice warns and no-ops rather than double-wrapping.
func (o *Orchestrator) InstallHooks(model Trainable) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.inst != nil {
		slog.Warn("orchestrator: hooks already installed, ignoring")
		return
	}
	o.model = model
	o.inst = newInstrumentedModel(model, o.sm, o.pool, o.buf, o.publishMsg)
	slog.Info("orchestrator: instrumentation installed", "methods", o.inst.wrappedMethods())
}

// RestoreOriginalMethods hands back the unwrapped model. It works exactly
// once; later calls warn and return nil.
func (o *Orchestrator) RestoreOriginalMethods() Trainable {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.inst == nil {
		slog.Warn("orchestrator: no instrumentation to restore")
		return nil
	}
	orig := o.model
	o.inst = nil
	o.model = nil
	slog.Info("orchestrator: original model restored")
	return orig
}

// SetTrainingData provides the dataset handed to the model's training calls.
func (o *Orchestrator) SetTrainingData(inputs, targets [][]float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inputs = inputs
	o.targets = targets
}

// StartTraining submits the model's blocking call to the worker. It is
// single-flight: a second call while one execution is in flight is rejected,
// not queued. With reset, all prior state is dropped first; without it, a
// paused run resumes where it left off.
func (o *Orchestrator) StartTraining(reset bool) Result {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return fail("orchestrator is shut down")
	}
	if o.running {
		o.mu.Unlock()
		return fail("training already in progress")
	}
	if o.inst == nil {
		o.mu.Unlock()
		return fail("no model installed")
	}

	if reset {
		o.sm.Reset()
		o.pool.Clear()
		o.buf.Clear()
	}

	if !o.sm.Start() {
		status := o.sm.Status()
		o.mu.Unlock()
		return fail("cannot start training from status %q", status)
	}

	o.stopReq.Store(false)
	ctx, cancel := context.WithCancel(context.Background())
	o.runCancel = cancel
	o.running = true
	o.mu.Unlock()

	select {
	case o.jobs <- trainJob{ctx: ctx}:
		return ok()
	case <-o.quit:
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		cancel()
		return fail("orchestrator is shut down")
	}
}

// StopTraining requests a cooperative stop and transitions the state
// machine. Stopping an already stopped orchestrator succeeds quietly.
func (o *Orchestrator) StopTraining() Result {
	o.RequestStop()
	if !o.sm.Stop() {
		return fail("cannot stop training from status %q", o.sm.Status())
	}
	o.publishMsg(protocol.NewStateMessage(o.sm.Snapshot()))
	return ok()
}

// PauseTraining captures the current phase; the worker drains out at the
// next cooperative checkpoint, leaving the run resumable.
func (o *Orchestrator) PauseTraining() Result {
	if !o.sm.Pause() {
		return fail("cannot pause training from status %q", o.sm.Status())
	}
	o.publishMsg(protocol.NewStateMessage(o.sm.Snapshot()))
	return ok()
}

// ResumeTraining continues a paused run, restoring the paused phase. If the
// worker already drained, the run is resubmitted. The running check and the
// state transition happen under the orchestrator lock so they cannot
// interleave with the worker settling a drain.
func (o *Orchestrator) ResumeTraining() Result {
	o.mu.Lock()
	status := o.sm.Status()
	if status != StatusPaused {
		o.mu.Unlock()
		return fail("cannot resume training from status %q", status)
	}
	if o.running {
		o.sm.Resume()
		o.mu.Unlock()
		o.publishMsg(protocol.NewStateMessage(o.sm.Snapshot()))
		return ok()
	}
	o.mu.Unlock()
	return o.StartTraining(false)
}

// ResetTraining drops all run state. It is the only way out of a terminal
// status; a run must be stopped or drained first.
func (o *Orchestrator) ResetTraining() Result {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if running {
		return fail("training in progress, stop it before resetting")
	}

	o.sm.Reset()
	o.pool.Clear()
	o.buf.Clear()
	o.publishMsg(protocol.NewStateMessage(o.sm.Snapshot()))
	return ok()
}

// RequestStop sets the cooperative stop flag. A model that never checks it
// runs to completion; there is no preemption.
func (o *Orchestrator) RequestStop() {
	o.stopReq.Store(true)
}

func (o *Orchestrator) GetStatus() StatusReport {
	o.mu.Lock()
	running := o.running
	inst := o.inst
	o.mu.Unlock()

	report := StatusReport{
		State:        o.sm.Snapshot(),
		Pool:         o.pool.Snapshot(),
		Running:      running,
		MetricsCount: o.buf.Len(),
	}
	if latest, found := o.buf.Latest(); found {
		report.CurrentEpoch = latest.Epoch
	}
	if inst != nil {
		report.HiddenUnits = inst.HiddenUnits()
	}
	return report
}

func (o *Orchestrator) GetMetrics() MetricsReport {
	report := MetricsReport{
		Pool:   o.pool.GetPoolMetrics(),
		Params: o.buf.Params(),
	}
	if latest, found := o.buf.Latest(); found {
		report.Latest = &latest
	}
	return report
}

func (o *Orchestrator) GetMetricsHistory(count int) []MetricRecord {
	return o.buf.History(count)
}

func (o *Orchestrator) GetTopCandidates(n int) []Candidate {
	return o.pool.GetTopN(n)
}

func (o *Orchestrator) ApplyParams(fields map[string]any) map[string]any {
	return o.buf.ApplyParams(fields)
}

// Snapshot returns the flat scalar attribute bag consumed by the external
// persistence layer. Scalar values only, no nesting.
func (o *Orchestrator) Snapshot() map[string]any {
	o.mu.Lock()
	inst := o.inst
	o.mu.Unlock()

	snap := map[string]any{
		"current_epoch":     0,
		"learning_rate":     learningRate(o.buf.Params()),
		"status":            string(o.sm.Status()),
		"phase":             string(o.sm.Phase()),
		"hidden_unit_count": 0,
	}
	if latest, found := o.buf.Latest(); found {
		snap["current_epoch"] = latest.Epoch
	}
	if inst != nil {
		snap["hidden_unit_count"] = inst.HiddenUnits()
	}
	return snap
}

// Shutdown is idempotent: the first call stops any in-flight execution,
// releases the worker and restores the original model; later calls are
// indistinguishable from no-ops.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	cancel := o.runCancel
	o.mu.Unlock()

	o.stopReq.Store(true)
	o.sm.Stop()
	if cancel != nil {
		cancel()
	}
	close(o.quit)
	<-o.workerDone

	o.mu.Lock()
	o.inst = nil
	o.model = nil
	o.mu.Unlock()
	slog.Info("orchestrator: shut down")
}

func (o *Orchestrator) worker() {
	defer close(o.workerDone)
	for {
		select {
		case <-o.quit:
			return
		case job := <-o.jobs:
			o.run(job)
		}
	}
}

func (o *Orchestrator) run(job trainJob) {
	ctx, span := otel.Tracer("cascor/training").Start(job.ctx, "training.run")
	defer span.End()

	runID := id.NewRun()
	span.SetAttributes(attribute.String("training.run_id", runID))

	o.buf.Emit(Event{Type: EventTrainingStart, Data: map[string]any{"run_id": runID}})
	o.publishMsg(protocol.NewEventMessage("training_start", map[string]any{"run_id": runID}))
	o.publishMsg(protocol.NewStateMessage(o.sm.Snapshot()))

	var outcome string
	for {
		completed, err := o.trainLoop(ctx)
		failed := err != nil && !errors.Is(err, context.Canceled)

		// The outcome and the running flag settle in one critical section,
		// so a concurrent resume either lands before the decision (and the
		// worker keeps the run alive below) or after it (and finds the
		// worker drained, resubmitting through StartTraining).
		o.mu.Lock()
		if !failed && !completed && o.sm.Status() == StatusStarted {
			// A resume raced the drain; the run never actually ended.
			o.mu.Unlock()
			continue
		}
		switch {
		case failed:
			o.sm.MarkFailed(err.Error())
			outcome = "failed"
		case o.sm.Status() == StatusStarted:
			o.sm.MarkCompleted()
			outcome = "completed"
		case o.sm.Status() == StatusPaused:
			outcome = "paused"
		default:
			outcome = "stopped"
		}
		o.running = false
		if o.runCancel != nil {
			o.runCancel()
			o.runCancel = nil
		}
		o.mu.Unlock()

		if failed {
			// The original error stays on the training side: it is logged
			// and broadcast, never surfaced to the control-plane caller.
			slog.Error("orchestrator: training failed", "error", err)
			o.publishMsg(protocol.NewEventMessage("training_failed", map[string]any{"reason": err.Error(), "run_id": runID}))
		}
		break
	}
	metrics.TrainingRunsTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("training.outcome", outcome))

	o.buf.Emit(Event{Type: EventTrainingEnd, Data: map[string]any{"outcome": outcome, "run_id": runID}})
	o.publishMsg(protocol.NewEventMessage("training_end", map[string]any{"outcome": outcome, "run_id": runID}))
	o.publishMsg(protocol.NewStateMessage(o.sm.Snapshot()))
}

func maxHiddenUnits(params map[string]any) int {
	if v, ok := params["max_hidden_units"]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return 8
}

func (o *Orchestrator) fitOptions() FitOptions {
	o.mu.Lock()
	inputs, targets := o.inputs, o.targets
	o.mu.Unlock()

	startEpoch := 0
	if latest, found := o.buf.Latest(); found {
		startEpoch = latest.Epoch
	}
	return FitOptions{
		Inputs:     inputs,
		Targets:    targets,
		StartEpoch: startEpoch,
		Resume:     o.sm.CandidateState(),
		Params:     o.buf.Params(),
		ShouldStop: func() bool {
			return o.stopReq.Load() || o.sm.Status() != StatusStarted
		},
	}
}

// trainLoop drives the model through the cascade alternation when it
// exposes phase-level methods, falling back to a single blocking Fit for
// fully black-box models. The boolean reports whether the model ran to its
// natural end rather than draining out of a stop or pause.
func (o *Orchestrator) trainLoop(ctx context.Context) (bool, error) {
	o.mu.Lock()
	inst := o.inst
	o.mu.Unlock()
	if inst == nil {
		return false, errors.New("no model installed")
	}

	opts := o.fitOptions()

	// Record whether the cooperative stop ever fired, so a black-box Fit
	// that returns cleanly after a pause is not mistaken for completion.
	var halted atomic.Bool
	base := opts.ShouldStop
	opts.ShouldStop = func() bool {
		if base() {
			halted.Store(true)
			return true
		}
		return false
	}

	if inst.output == nil || inst.cands == nil {
		if inst.fitter == nil {
			return false, errors.New("model exposes no trainable methods")
		}
		_, err := inst.Fit(ctx, opts)
		return err == nil && !halted.Load(), err
	}

	maxUnits := maxHiddenUnits(opts.Params)
	// A resumed run restarts inside the phase it was paused in.
	inCandidatePhase := o.sm.Phase() == PhaseCandidate

	for {
		if opts.ShouldStop() {
			return false, nil
		}

		if !inCandidatePhase {
			if _, err := inst.TrainOutputLayer(ctx, opts); err != nil {
				return false, err
			}
			if opts.ShouldStop() {
				return false, nil
			}
			if inst.HiddenUnits() >= maxUnits {
				return true, nil
			}
		}
		inCandidatePhase = false

		result, err := inst.TrainCandidates(ctx, opts)
		if err != nil {
			return false, err
		}
		if opts.ShouldStop() {
			return false, nil
		}
		if !result.UnitAdded {
			if _, err := inst.TrainOutputLayer(ctx, opts); err != nil {
				return false, err
			}
			return !halted.Load(), nil
		}

		// Refresh resume state and epoch numbering between rounds.
		opts.StartEpoch = 0
		if latest, found := o.buf.Latest(); found {
			opts.StartEpoch = latest.Epoch
		}
		opts.Resume = o.sm.CandidateState()
	}
}
