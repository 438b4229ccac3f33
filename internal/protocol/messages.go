// Package protocol defines the wire messages exchanged between the training
// server and its observation clients. Data messages carry exactly three
// top-level keys (type, timestamp, data); connection acks and ping/pong are
// the only exceptions.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	TypeState      MessageType = "state"
	TypeMetrics    MessageType = "metrics"
	TypeTopology   MessageType = "topology"
	TypeEvent      MessageType = "event"
	TypeControlAck MessageType = "control_ack"

	// Exempt from the three-key rule.
	TypeConnectionAck MessageType = "connection_ack"
	TypePing          MessageType = "ping"
	TypePong          MessageType = "pong"
)

// Message is a data message. Field names are a stable contract with the
// dashboard clients; do not rename.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp float64     `json:"timestamp"`
	Data      any         `json:"data"`
}

// ConnectionAck is sent to a subscriber immediately after it registers.
type ConnectionAck struct {
	Type      MessageType `json:"type"`
	ClientID  string      `json:"client_id"`
	Timestamp float64     `json:"timestamp"`
}

// Ping and Pong frames carry only their type.
type Ping struct {
	Type MessageType `json:"type"`
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func newMessage(t MessageType, data any) *Message {
	return &Message{Type: t, Timestamp: now(), Data: data}
}

func NewStateMessage(data any) *Message    { return newMessage(TypeState, data) }
func NewMetricsMessage(data any) *Message  { return newMessage(TypeMetrics, data) }
func NewTopologyMessage(data any) *Message { return newMessage(TypeTopology, data) }

// NewEventMessage wraps a named lifecycle event with optional detail fields.
func NewEventMessage(event string, detail map[string]any) *Message {
	data := map[string]any{"event": event}
	for k, v := range detail {
		data[k] = v
	}
	return newMessage(TypeEvent, data)
}

// NewControlAck reports the outcome of a control-plane command.
func NewControlAck(command string, success bool, errMsg string) *Message {
	data := map[string]any{"command": command, "success": success}
	if errMsg != "" {
		data["error"] = errMsg
	}
	return newMessage(TypeControlAck, data)
}

func NewConnectionAck(clientID string) *ConnectionAck {
	return &ConnectionAck{Type: TypeConnectionAck, ClientID: clientID, Timestamp: now()}
}

func NewPong() *Ping {
	return &Ping{Type: TypePong}
}

func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

func (a *ConnectionAck) Encode() ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode connection ack: %w", err)
	}
	return data, nil
}

func (p *Ping) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode ping: %w", err)
	}
	return data, nil
}

func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

// DecodeData converts a decoded message's data into a concrete type.
func DecodeData[T any](m *Message) (*T, error) {
	raw, err := json.Marshal(m.Data)
	if err != nil {
		return nil, fmt.Errorf("re-encode data: %w", err)
	}
	var result T
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode data to %T: %w", result, err)
	}
	return &result, nil
}
