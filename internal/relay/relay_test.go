package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/longregen/cascor/internal/protocol"
)

// chanSubscriber collects delivered frames; it can be told to start
// failing, simulating a dead connection.
type chanSubscriber struct {
	mu     sync.Mutex
	frames [][]byte
	broken bool
}

func (s *chanSubscriber) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return errors.New("connection reset")
	}
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *chanSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *chanSubscriber) frame(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[i]
}

func (s *chanSubscriber) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken = true
}

func TestRelayConnectSendsAck(t *testing.T) {
	r := New(16)
	defer r.Stop()

	first := &chanSubscriber{}
	second := &chanSubscriber{}
	r.Connect(first, "client_1")
	r.Connect(second, "client_2")

	require.Equal(t, 1, first.count(), "ack goes to the connecting subscriber only")

	var ack map[string]any
	require.NoError(t, json.Unmarshal(first.frame(0), &ack))
	assert.Equal(t, "connection_ack", ack["type"])
	assert.Equal(t, "client_1", ack["client_id"])

	var secondAck map[string]any
	require.NoError(t, json.Unmarshal(second.frame(0), &secondAck))
	assert.Equal(t, "client_2", secondAck["client_id"])
}

func TestRelayBroadcast(t *testing.T) {
	t.Run("delivers to every subscriber", func(t *testing.T) {
		r := New(16)
		defer r.Stop()

		subs := []*chanSubscriber{{}, {}, {}}
		for i, s := range subs {
			r.Connect(s, string(rune('a'+i)))
		}

		r.Broadcast(protocol.NewStateMessage(map[string]any{"status": "started"}))
		for _, s := range subs {
			assert.Equal(t, 2, s.count(), "ack plus one broadcast")
		}
		assert.Equal(t, int64(1), r.Stats().TotalMessages)
	})

	t.Run("zero subscribers is a silent no-op", func(t *testing.T) {
		r := New(16)
		defer r.Stop()
		require.NotPanics(t, func() {
			r.Broadcast(protocol.NewMetricsMessage(nil))
		})
	})

	t.Run("failing subscribers are removed", func(t *testing.T) {
		r := New(16)
		defer r.Stop()

		healthy := &chanSubscriber{}
		dead := &chanSubscriber{}
		r.Connect(healthy, "healthy")
		r.Connect(dead, "dead")
		dead.fail()

		r.Broadcast(protocol.NewStateMessage(nil))
		assert.Equal(t, 1, r.Stats().ActiveSubscribers)

		r.Broadcast(protocol.NewStateMessage(nil))
		assert.Equal(t, 3, healthy.count())
	})
}

func TestRelayDisconnectIdempotent(t *testing.T) {
	r := New(16)
	defer r.Stop()

	sub := &chanSubscriber{}
	r.Connect(sub, "c1")
	require.Equal(t, 1, r.Stats().ActiveSubscribers)

	r.Disconnect(sub)
	r.Disconnect(sub)
	assert.Equal(t, 0, r.Stats().ActiveSubscribers)
}

func TestRelayPublishFromThread(t *testing.T) {
	t.Run("before the consumer loop exists it drops without blocking", func(t *testing.T) {
		r := New(16)

		done := make(chan struct{})
		go func() {
			defer close(done)
			r.PublishFromThread(protocol.NewMetricsMessage(nil))
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("PublishFromThread blocked with no consumer loop")
		}
	})

	t.Run("after stop it drops without blocking", func(t *testing.T) {
		r := New(16)
		r.Start()
		r.Stop()

		require.NotPanics(t, func() {
			r.PublishFromThread(protocol.NewMetricsMessage(nil))
		})
	})

	t.Run("delivers through the consumer loop in order", func(t *testing.T) {
		r := New(64)
		r.Start()
		defer r.Stop()

		sub := &chanSubscriber{}
		r.Connect(sub, "c1")

		for epoch := 1; epoch <= 5; epoch++ {
			r.PublishFromThread(protocol.NewMetricsMessage(map[string]any{"epoch": epoch}))
		}

		require.Eventually(t, func() bool {
			return sub.count() == 6 // ack + 5 broadcasts
		}, 2*time.Second, 5*time.Millisecond)

		for i := 1; i <= 5; i++ {
			msg, err := protocol.DecodeMessage(sub.frame(i))
			require.NoError(t, err)
			data := msg.Data.(map[string]any)
			assert.Equal(t, float64(i), data["epoch"], "per-subscriber ordering preserved")
		}
	})

	t.Run("producers on many goroutines never lose the queue", func(t *testing.T) {
		r := New(1024)
		r.Start()
		defer r.Stop()

		sub := &chanSubscriber{}
		r.Connect(sub, "c1")

		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					r.PublishFromThread(protocol.NewEventMessage("epoch_end", nil))
				}
			}()
		}
		wg.Wait()

		require.Eventually(t, func() bool {
			return sub.count() == 1+8*20
		}, 2*time.Second, 5*time.Millisecond)
	})
}

func TestRelayMonitorTap(t *testing.T) {
	r := New(16)
	defer r.Stop()

	sub := &chanSubscriber{}
	tap := &chanSubscriber{}
	r.Connect(sub, "c1")
	r.ConnectMonitor(tap)

	r.Broadcast(protocol.NewTopologyMessage(map[string]any{"hidden_units": 1}))

	require.Equal(t, 1, tap.count())
	var frame struct {
		Src  string `msgpack:"src"`
		Dst  string `msgpack:"dst"`
		Data []byte `msgpack:"data"`
	}
	require.NoError(t, msgpack.Unmarshal(tap.frame(0), &frame))
	assert.Equal(t, "server", frame.Src)

	msg, err := protocol.DecodeMessage(frame.Data)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeTopology, msg.Type)
}

func TestRelayStats(t *testing.T) {
	r := New(16)
	defer r.Stop()

	assert.Equal(t, Stats{}, r.Stats())

	r.Connect(&chanSubscriber{}, "a")
	r.Connect(&chanSubscriber{}, "b")
	r.Broadcast(protocol.NewStateMessage(nil))
	r.Broadcast(protocol.NewStateMessage(nil))

	stats := r.Stats()
	assert.Equal(t, 2, stats.ActiveSubscribers)
	assert.Equal(t, int64(2), stats.TotalMessages)
}

func TestRelayStopIdempotent(t *testing.T) {
	r := New(16)
	r.Start()
	r.Stop()
	require.NotPanics(t, r.Stop)
}
