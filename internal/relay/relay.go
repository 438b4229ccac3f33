// Package relay moves messages produced on training workers into a single
// consumer loop that fans them out to every connected subscriber. Producers
// never block: publishing is an enqueue, and the loop drains sequentially,
// which preserves per-subscriber ordering.
package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/longregen/cascor/internal/metrics"
	"github.com/longregen/cascor/internal/protocol"
)

// Subscriber is a delivery handle. A failing Send is treated as a
// disconnect.
type Subscriber interface {
	Send(data []byte) error
}

// Stats is the relay's observable state.
type Stats struct {
	ActiveSubscribers int   `json:"active_subscribers"`
	TotalMessages     int64 `json:"total_messages"`
}

type entry struct {
	id          string
	connectedAt time.Time
	messages    int64
}

const defaultQueueSize = 256

// Relay is the connection registry and thread-safe publish bridge.
type Relay struct {
	mu       sync.Mutex
	subs     map[Subscriber]*entry
	monitors map[Subscriber]struct{}
	queue    chan *protocol.Message
	started  bool
	stopped  bool
	quit     chan struct{}
	loopDone chan struct{}

	totalMessages atomic.Int64
}

func New(queueSize int) *Relay {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Relay{
		subs:     make(map[Subscriber]*entry),
		monitors: make(map[Subscriber]struct{}),
		queue:    make(chan *protocol.Message, queueSize),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Start launches the consumer loop. Publishing before Start drops messages.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started || r.stopped {
		return
	}
	r.started = true
	go r.loop()
	slog.Info("relay: consumer loop started")
}

// Stop tears down the consumer loop. Idempotent; publishes after Stop are
// dropped quietly.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	close(r.quit)
	if started {
		<-r.loopDone
	}
	slog.Info("relay: stopped")
}

func (r *Relay) loop() {
	defer close(r.loopDone)
	for {
		select {
		case <-r.quit:
			return
		case msg := <-r.queue:
			r.Broadcast(msg)
		}
	}
}

// Connect registers a subscriber and acknowledges the connection to that
// subscriber only.
func (r *Relay) Connect(sub Subscriber, id string) {
	r.mu.Lock()
	r.subs[sub] = &entry{id: id, connectedAt: time.Now()}
	total := len(r.subs)
	r.mu.Unlock()

	metrics.SubscribersActive.Set(float64(total))
	slog.Info("relay: subscriber connected", "client_id", id, "total", total)

	ack, err := protocol.NewConnectionAck(id).Encode()
	if err != nil {
		slog.Error("relay: encode connection ack error", "error", err)
		return
	}
	if err := sub.Send(ack); err != nil {
		slog.Warn("relay: connection ack send error", "client_id", id, "error", err)
		r.Disconnect(sub)
	}
}

// Disconnect removes a subscriber. Removing one that is already gone is a
// no-op.
func (r *Relay) Disconnect(sub Subscriber) {
	r.mu.Lock()
	e, present := r.subs[sub]
	delete(r.subs, sub)
	delete(r.monitors, sub)
	total := len(r.subs)
	r.mu.Unlock()

	metrics.SubscribersActive.Set(float64(total))
	if present {
		slog.Info("relay: subscriber disconnected", "client_id", e.id, "total", total)
	}
}

// ConnectMonitor registers a tap that receives a msgpack frame of every
// broadcast, for debugging tooling.
func (r *Relay) ConnectMonitor(sub Subscriber) {
	r.mu.Lock()
	r.monitors[sub] = struct{}{}
	r.mu.Unlock()
	slog.Info("relay: monitor connected")
}

type monitorFrame struct {
	Src  string `msgpack:"src"`
	Dst  string `msgpack:"dst"`
	Data []byte `msgpack:"data"`
}

func (r *Relay) broadcastToMonitors(data []byte) {
	r.mu.Lock()
	if len(r.monitors) == 0 {
		r.mu.Unlock()
		return
	}
	taps := make([]Subscriber, 0, len(r.monitors))
	for sub := range r.monitors {
		taps = append(taps, sub)
	}
	r.mu.Unlock()

	frame, err := msgpack.Marshal(&monitorFrame{Src: "server", Dst: "subscribers", Data: data})
	if err != nil {
		return
	}
	for _, sub := range taps {
		if err := sub.Send(frame); err != nil {
			r.mu.Lock()
			delete(r.monitors, sub)
			r.mu.Unlock()
		}
	}
}

// Broadcast delivers a message to a snapshot of the current subscriber set,
// dropping any subscriber whose send fails. It runs on the consumer loop;
// broadcasting to zero subscribers is a silent no-op.
func (r *Relay) Broadcast(msg *protocol.Message) {
	data, err := msg.Encode()
	if err != nil {
		slog.Error("relay: encode broadcast error", "error", err, "type", msg.Type)
		return
	}

	r.broadcastToMonitors(data)

	r.mu.Lock()
	targets := make([]Subscriber, 0, len(r.subs))
	for sub := range r.subs {
		targets = append(targets, sub)
		r.subs[sub].messages++
	}
	r.mu.Unlock()

	r.totalMessages.Add(1)
	metrics.BroadcastsTotal.Inc()

	for _, sub := range targets {
		if err := sub.Send(data); err != nil {
			slog.Warn("relay: broadcast send error, dropping subscriber", "error", err)
			r.Disconnect(sub)
		}
	}
}

// PublishFromThread is the only entry point safe to call from training
// workers. It never blocks and never panics: without a running consumer
// loop the message is dropped with a debug log, and a full queue sheds the
// message rather than stalling the producer.
func (r *Relay) PublishFromThread(msg *protocol.Message) {
	r.mu.Lock()
	available := r.started && !r.stopped
	r.mu.Unlock()

	if !available {
		metrics.PublishDropsTotal.Inc()
		slog.Debug("relay: no consumer loop, dropping message", "type", msg.Type)
		return
	}

	select {
	case r.queue <- msg:
	default:
		metrics.PublishDropsTotal.Inc()
		slog.Debug("relay: publish queue full, dropping message", "type", msg.Type)
	}
}

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	active := len(r.subs)
	r.mu.Unlock()

	return Stats{
		ActiveSubscribers: active,
		TotalMessages:     r.totalMessages.Load(),
	}
}
