package training

import (
	"log/slog"
	"sync"
	"time"
)

// EventType names a lifecycle event the buffer can dispatch callbacks for.
type EventType string

const (
	EventTrainingStart   EventType = "training_start"
	EventTrainingEnd     EventType = "training_end"
	EventEpochStart      EventType = "epoch_start"
	EventEpochEnd        EventType = "epoch_end"
	EventCandidateAdded  EventType = "candidate_added"
	EventTopologyChanged EventType = "topology_changed"
)

var knownEvents = map[EventType]struct{}{
	EventTrainingStart:   {},
	EventTrainingEnd:     {},
	EventEpochStart:      {},
	EventEpochEnd:        {},
	EventCandidateAdded:  {},
	EventTopologyChanged: {},
}

// MetricRecord is one epoch's metrics. Records are immutable once created.
type MetricRecord struct {
	Epoch              int      `json:"epoch"`
	Loss               float64  `json:"loss"`
	Accuracy           float64  `json:"accuracy"`
	LearningRate       float64  `json:"learning_rate"`
	ValidationLoss     *float64 `json:"validation_loss,omitempty"`
	ValidationAccuracy *float64 `json:"validation_accuracy,omitempty"`
	HiddenUnitCount    int      `json:"hidden_unit_count"`
	Phase              Phase    `json:"phase"`
	Timestamp          float64  `json:"timestamp"`
}

// Event is the payload handed to registered callbacks.
type Event struct {
	Type   EventType
	Record *MetricRecord
	Data   map[string]any
}

// Callback receives lifecycle events. Panics are caught and logged; they
// never interrupt the remaining callbacks.
type Callback func(Event)

const (
	DefaultHistoryCapacity = 1000
	defaultPollQueueSize   = 100
)

// Recognized tunable parameter names accepted by ApplyParams.
var recognizedParams = map[string]struct{}{
	"learning_rate":    {},
	"max_hidden_units": {},
	"output_epochs":    {},
	"candidate_epochs": {},
	"target_accuracy":  {},
}

// MetricsBuffer is a bounded epoch history plus a callback dispatcher and a
// blocking queue for poll-style consumers.
type MetricsBuffer struct {
	mu        sync.Mutex
	capacity  int
	records   []MetricRecord
	callbacks map[EventType][]Callback
	queue     chan MetricRecord
	params    map[string]any
}

func NewMetricsBuffer(capacity int) *MetricsBuffer {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &MetricsBuffer{
		capacity:  capacity,
		callbacks: make(map[EventType][]Callback),
		queue:     make(chan MetricRecord, defaultPollQueueSize),
		params:    make(map[string]any),
	}
}

// RegisterCallback appends fn to the event's callback list. Unknown event
// names are logged and ignored.
func (b *MetricsBuffer) RegisterCallback(event EventType, fn Callback) {
	if _, ok := knownEvents[event]; !ok {
		slog.Warn("metrics: ignoring callback for unknown event", "event", event)
		return
	}
	b.mu.Lock()
	b.callbacks[event] = append(b.callbacks[event], fn)
	b.mu.Unlock()
}

// OnEpochEnd appends the record (evicting the oldest past capacity), makes a
// copy available to poll consumers, and dispatches epoch-end callbacks.
func (b *MetricsBuffer) OnEpochEnd(rec MetricRecord) {
	if rec.Timestamp == 0 {
		rec.Timestamp = float64(time.Now().UnixNano()) / 1e9
	}

	b.mu.Lock()
	b.records = append(b.records, rec)
	if len(b.records) > b.capacity {
		b.records = b.records[len(b.records)-b.capacity:]
	}
	b.mu.Unlock()

	// Poll consumers lag at their own expense: a full queue sheds its
	// oldest entry rather than blocking the training worker.
	select {
	case b.queue <- rec:
	default:
		select {
		case <-b.queue:
		default:
		}
		select {
		case b.queue <- rec:
		default:
		}
	}

	b.Emit(Event{Type: EventEpochEnd, Record: &rec})
}

// Emit dispatches an event to its registered callbacks. Each callback's
// panic is recovered and logged so the rest still run.
func (b *MetricsBuffer) Emit(e Event) {
	b.mu.Lock()
	fns := make([]Callback, len(b.callbacks[e.Type]))
	copy(fns, b.callbacks[e.Type])
	b.mu.Unlock()

	for i, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("metrics: callback panicked", "event", e.Type, "index", i, "panic", r)
				}
			}()
			fn(e)
		}()
	}
}

// PollQueue blocks up to timeout for the next queued record. The second
// return is false when the timeout elapsed with nothing queued.
func (b *MetricsBuffer) PollQueue(timeout time.Duration) (MetricRecord, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rec := <-b.queue:
		return rec, true
	case <-timer.C:
		return MetricRecord{}, false
	}
}

// History returns up to count most recent records, oldest first.
func (b *MetricsBuffer) History(count int) []MetricRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	if count < 0 {
		count = 0
	}
	if count > len(b.records) {
		count = len(b.records)
	}
	out := make([]MetricRecord, count)
	copy(out, b.records[len(b.records)-count:])
	return out
}

func (b *MetricsBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

func (b *MetricsBuffer) Capacity() int {
	return b.capacity
}

// Latest returns the most recent record, if any.
func (b *MetricsBuffer) Latest() (MetricRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) == 0 {
		return MetricRecord{}, false
	}
	return b.records[len(b.records)-1], true
}

// Clear drops the history. Registered callbacks and applied parameters
// survive a clear.
func (b *MetricsBuffer) Clear() {
	b.mu.Lock()
	b.records = nil
	b.mu.Unlock()

	for {
		select {
		case <-b.queue:
		default:
			return
		}
	}
}

// ApplyParams accepts only recognized parameter names and returns exactly
// the applied subset. Unrecognized or unset fields are ignored.
func (b *MetricsBuffer) ApplyParams(fields map[string]any) map[string]any {
	applied := make(map[string]any)

	b.mu.Lock()
	for name, value := range fields {
		if _, ok := recognizedParams[name]; !ok || value == nil {
			continue
		}
		b.params[name] = value
		applied[name] = value
	}
	b.mu.Unlock()

	for name, value := range applied {
		slog.Info("metrics: applied parameter", "name", name, "value", value)
	}
	return applied
}

// Params returns a copy of the applied parameter set.
func (b *MetricsBuffer) Params() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]any, len(b.params))
	for k, v := range b.params {
		out[k] = v
	}
	return out
}
