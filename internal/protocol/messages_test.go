package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewStateMessage(t *testing.T) {
	msg := NewStateMessage(map[string]any{"status": "started"})

	if msg.Type != TypeState {
		t.Errorf("expected Type %q, got %q", TypeState, msg.Type)
	}
	if msg.Timestamp == 0 {
		t.Error("expected Timestamp to be set")
	}
	if msg.Data == nil {
		t.Error("expected Data to be non-nil")
	}
}

func TestMessageHasExactlyThreeKeys(t *testing.T) {
	types := map[string]*Message{
		"state":       NewStateMessage(map[string]any{"status": "started"}),
		"metrics":     NewMetricsMessage(map[string]any{"epoch": 1}),
		"topology":    NewTopologyMessage(map[string]any{"hidden_units": 3}),
		"event":       NewEventMessage("training_start", nil),
		"control_ack": NewControlAck("start", true, ""),
	}

	for name, msg := range types {
		data, err := msg.Encode()
		if err != nil {
			t.Fatalf("%s: encode error: %v", name, err)
		}

		var decoded map[string]json.RawMessage
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("%s: unmarshal error: %v", name, err)
		}
		if len(decoded) != 3 {
			t.Errorf("%s: expected exactly 3 top-level keys, got %d: %v", name, len(decoded), decoded)
		}
		for _, key := range []string{"type", "timestamp", "data"} {
			if _, ok := decoded[key]; !ok {
				t.Errorf("%s: missing top-level key %q", name, key)
			}
		}
	}
}

func TestTimestampIsUnixSeconds(t *testing.T) {
	before := float64(time.Now().UnixNano()) / 1e9
	msg := NewMetricsMessage(nil)
	after := float64(time.Now().UnixNano()) / 1e9

	if msg.Timestamp < before || msg.Timestamp > after {
		t.Errorf("timestamp %f not in range [%f, %f]", msg.Timestamp, before, after)
	}
}

func TestNewEventMessageMergesDetail(t *testing.T) {
	msg := NewEventMessage("training_end", map[string]any{"reason": "completed"})

	data, ok := msg.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected map data, got %T", msg.Data)
	}
	if data["event"] != "training_end" {
		t.Errorf("expected event 'training_end', got %v", data["event"])
	}
	if data["reason"] != "completed" {
		t.Errorf("expected reason 'completed', got %v", data["reason"])
	}
}

func TestNewControlAck(t *testing.T) {
	msg := NewControlAck("pause", false, "invalid transition")

	data := msg.Data.(map[string]any)
	if data["command"] != "pause" {
		t.Errorf("expected command 'pause', got %v", data["command"])
	}
	if data["success"] != false {
		t.Errorf("expected success false, got %v", data["success"])
	}
	if data["error"] != "invalid transition" {
		t.Errorf("expected error message, got %v", data["error"])
	}

	ok := NewControlAck("start", true, "")
	if _, present := ok.Data.(map[string]any)["error"]; present {
		t.Error("successful ack should not carry an error key")
	}
}

func TestConnectionAckShape(t *testing.T) {
	ack := NewConnectionAck("client_abc")
	data, err := ack.Encode()
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded["type"] != "connection_ack" {
		t.Errorf("expected type 'connection_ack', got %v", decoded["type"])
	}
	if decoded["client_id"] != "client_abc" {
		t.Errorf("expected client_id 'client_abc', got %v", decoded["client_id"])
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	type metricsData struct {
		Epoch int     `json:"epoch"`
		Loss  float64 `json:"loss"`
	}

	original := NewMetricsMessage(metricsData{Epoch: 5, Loss: 0.42})
	encoded, err := original.Encode()
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}

	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded.Type != TypeMetrics {
		t.Errorf("expected Type %q, got %q", TypeMetrics, decoded.Type)
	}

	data, err := DecodeData[metricsData](decoded)
	if err != nil {
		t.Fatalf("decode data error: %v", err)
	}
	if data.Epoch != 5 {
		t.Errorf("expected epoch 5, got %d", data.Epoch)
	}
	if data.Loss != 0.42 {
		t.Errorf("expected loss 0.42, got %f", data.Loss)
	}
}
