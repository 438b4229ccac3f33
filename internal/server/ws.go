package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/longregen/cascor/internal/config"
	"github.com/longregen/cascor/internal/id"
	"github.com/longregen/cascor/internal/protocol"
	"github.com/longregen/cascor/internal/relay"
	"github.com/longregen/cascor/internal/training"
)

const WriteTimeout = 10 * time.Second

// wsSubscriber adapts a websocket connection to the relay. Writes are
// serialized; gorilla connections do not allow concurrent writers.
type wsSubscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSubscriber) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

type WSHandler struct {
	relay    *relay.Relay
	orch     *training.Orchestrator
	cfg      *config.Config
	upgrader websocket.Upgrader
}

func NewWSHandler(rel *relay.Relay, orch *training.Orchestrator, cfg *config.Config) *WSHandler {
	h := &WSHandler{relay: rel, orch: orch, cfg: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	allowedOrigins := h.cfg.Server.AllowedOrigins
	for _, o := range allowedOrigins {
		if o == "*" {
			return true
		}
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return h.cfg.Server.AllowEmptyOrigin
	}
	for _, allowed := range allowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws: upgrade error", "error", err)
		return
	}
	defer conn.Close()

	sub := &wsSubscriber{conn: conn}
	clientID := id.NewClient()

	if r.URL.Query().Get("monitor") != "" {
		h.relay.ConnectMonitor(sub)
	}
	h.relay.Connect(sub, clientID)
	defer h.relay.Disconnect(sub)

	h.sendInitialState(sub, clientID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("ws: read error", "client_id", clientID, "error", err)
			}
			return
		}

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			slog.Debug("ws: decode error", "client_id", clientID, "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypePing:
			pong, err := protocol.NewPong().Encode()
			if err != nil {
				slog.Error("ws: encode pong error", "error", err)
				continue
			}
			if err := sub.Send(pong); err != nil {
				slog.Debug("ws: pong send error", "client_id", clientID, "error", err)
				return
			}
		default:
			slog.Debug("ws: ignoring inbound message", "client_id", clientID, "type", msg.Type)
		}
	}
}

// sendInitialState gives a fresh subscriber the current training snapshot so
// dashboards render without waiting for the next epoch.
func (h *WSHandler) sendInitialState(sub *wsSubscriber, clientID string) {
	data, err := protocol.NewStateMessage(h.orch.Snapshot()).Encode()
	if err != nil {
		slog.Error("ws: encode state error", "error", err)
		return
	}
	if err := sub.Send(data); err != nil {
		slog.Debug("ws: initial state send error", "client_id", clientID, "error", err)
	}
}
