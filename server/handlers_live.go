package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/chatnotes/chat"
	"github.com/onnwee/chatnotes/telemetry"
)

const (
	liveWriteWait      = 10 * time.Second
	livePongWait       = 60 * time.Second
	livePingPeriod     = (livePongWait * 9) / 10
	liveMaxMessageSize = 4 * 1024
)

// liveMessage is the frame exchanged on /live.
type liveMessage struct {
	Type      string    `json:"type"` // hello | status | ping | pong
	SessionID string    `json:"session_id,omitempty"`
	Mode      chat.Mode `json:"mode,omitempty"`
}

// HandleLive holds a session open for as long as the websocket lives. Any inbound
// frame or pong counts as activity.
func (h *Handlers) HandleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		telemetry.LoggerWithCorr(r.Context()).Debug("websocket upgrade failed", slog.Any("err", err))
		return
	}
	orch := h.opts.Orchestrator
	id := uuid.NewString()
	owner := r.URL.Query().Get("owner_id")
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "live"), slog.String("session", id))

	orch.SessionOpened(id, owner)
	logger.Info("live session opened", slog.String("owner", owner))

	send := make(chan liveMessage, 8)
	done := make(chan struct{})
	send <- liveMessage{Type: "hello", SessionID: id, Mode: orch.CurrentMode()}

	go h.liveWritePump(conn, send, done, logger)

	conn.SetReadLimit(liveMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		orch.Touch(id)
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("unexpected websocket close", slog.Any("err", err))
			}
			break
		}
		orch.Touch(id)
		_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
		var msg liveMessage
		if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
			select {
			case send <- liveMessage{Type: "pong", SessionID: id, Mode: orch.CurrentMode()}:
			default:
			}
		}
	}

	close(done)
	orch.SessionClosed(id)
	logger.Info("live session closed")
}

func (h *Handlers) liveWritePump(conn *websocket.Conn, send <-chan liveMessage, done <-chan struct{}, logger *slog.Logger) {
	ping := time.NewTicker(livePingPeriod)
	status := time.NewTicker(h.opts.LiveStatusEvery)
	defer func() {
		ping.Stop()
		status.Stop()
		_ = conn.Close()
	}()

	write := func(m liveMessage) bool {
		b, err := json.Marshal(m)
		if err != nil {
			logger.Error("encode live frame", slog.Any("err", err))
			return false
		}
		_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
		return conn.WriteMessage(websocket.TextMessage, b) == nil
	}

	for {
		select {
		case <-done:
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case m := <-send:
			if !write(m) {
				return
			}
		case <-status.C:
			if !write(liveMessage{Type: "status", Mode: h.opts.Orchestrator.CurrentMode()}) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
